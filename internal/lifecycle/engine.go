// Package lifecycle validates and applies report status transitions. The
// functions in this file are pure: they take the current record and return
// the next one, or a ValidationError or PermissionError and no record.
package lifecycle

import (
	"strings"
	"time"

	"roadwatch/api/internal/store"
)

type edge struct {
	from, to store.Status
}

// Legal is the transition table. An empty from is report creation.
func Legal(actor Actor, from, to store.Status) bool {
	e := edge{from: from, to: to}
	switch actor.(type) {
	case Citizen:
		return e == edge{"", store.StatusPending}
	case RSO:
		switch e {
		case edge{store.StatusPending, store.StatusInProgress},
			edge{store.StatusVerificationPending, store.StatusCompleted},
			edge{store.StatusVerificationPending, store.StatusInProgress},
			edge{store.StatusInProgress, store.StatusCompleted}:
			return true
		}
		return false
	case Contractor:
		return e == edge{store.StatusInProgress, store.StatusVerificationPending}
	case Admin, ComplianceOfficer:
		return false
	default:
		return false
	}
}

func move(actor Actor, report *store.Report, to store.Status, action string) error {
	if !Legal(actor, report.Status, to) {
		return invalid("status", "cannot %s a report that is %s", action, displayStatus(report.Status))
	}
	report.Status = to
	return nil
}

func displayStatus(s store.Status) string {
	if s == "" {
		return "new"
	}
	return string(s)
}

func requireRSOInZone(actor Actor, report store.Report, action string) (RSO, error) {
	rso, ok := actor.(RSO)
	if !ok {
		return RSO{}, forbidden(actor, action, "")
	}
	if report.Location.Zone != rso.Zone {
		return RSO{}, forbidden(actor, action, "report is outside the officer's zone")
	}
	return rso, nil
}

// Submit creates a pending report from a citizen's draft. Workflow, points,
// feedback and sync fields from the draft are discarded.
func Submit(actor Actor, draft store.Report, now time.Time) (store.Report, error) {
	citizen, ok := actor.(Citizen)
	if !ok {
		return store.Report{}, forbidden(actor, "submit a report", "only citizens submit reports")
	}
	if strings.TrimSpace(draft.ID) == "" {
		return store.Report{}, invalid("id", "is required")
	}
	loc := draft.Location
	if loc.Latitude < -90 || loc.Latitude > 90 || loc.Longitude < -180 || loc.Longitude > 180 {
		return store.Report{}, invalid("location", "coordinates out of range")
	}
	if loc.Latitude == 0 && loc.Longitude == 0 {
		return store.Report{}, invalid("location", "is required")
	}
	if strings.TrimSpace(loc.Zone) == "" {
		return store.Report{}, invalid("location.zone", "is required")
	}
	if strings.TrimSpace(draft.PhotoURI) == "" {
		return store.Report{}, invalid("photoUri", "a photo of the damage is required")
	}
	if d := draft.AIDetection; d != nil {
		if d.Confidence < 0 || d.Confidence > 1 {
			return store.Report{}, invalid("aiDetection.confidence", "must be between 0 and 1")
		}
		switch d.Severity {
		case store.SeverityLow, store.SeverityMedium, store.SeverityHigh:
		default:
			return store.Report{}, invalid("aiDetection.severity", "must be low, medium or high")
		}
	}

	report := store.Report{
		ID:            draft.ID,
		CitizenID:     citizen.ID,
		ReportingMode: draft.ReportingMode,
		Location:      loc,
		PhotoURI:      draft.PhotoURI,
		VideoURI:      draft.VideoURI,
		AIDetection:   draft.AIDetection,
		SyncStatus:    store.SyncPending,
		CreatedAt:     now,
	}
	if err := move(actor, &report, store.StatusPending, "submit"); err != nil {
		return store.Report{}, err
	}
	return report, nil
}

// Assign gives the report a work order for a contractor. A pending report
// moves to in-progress; an in-progress report may be reassigned.
func Assign(actor Actor, report store.Report, contractorID string, now time.Time) (store.Report, error) {
	rso, err := requireRSOInZone(actor, report, "assign a contractor")
	if err != nil {
		return store.Report{}, err
	}
	if strings.TrimSpace(contractorID) == "" {
		return store.Report{}, invalid("contractorId", "is required")
	}
	switch report.Status {
	case store.StatusPending:
		if err := move(actor, &report, store.StatusInProgress, "assign"); err != nil {
			return store.Report{}, err
		}
	case store.StatusInProgress:
	default:
		return store.Report{}, invalid("status", "cannot assign a contractor to a report that is %s", report.Status)
	}
	report.ContractorID = contractorID
	report.RSOID = rso.ID
	report.WorkOrderGeneratedAt = &now
	return report, nil
}

// SelfAssign moves a pending report to in-progress with the officer as the
// repairing party.
func SelfAssign(actor Actor, report store.Report) (store.Report, error) {
	rso, err := requireRSOInZone(actor, report, "self-assign a report")
	if err != nil {
		return store.Report{}, err
	}
	if err := move(actor, &report, store.StatusInProgress, "self-assign"); err != nil {
		return store.Report{}, err
	}
	report.RSOID = rso.ID
	report.ContractorID = ""
	return report, nil
}

// SubmitProof is the assigned contractor handing the repair in for verification.
func SubmitProof(actor Actor, report store.Report, proofURI string, materials []string) (store.Report, error) {
	contractor, ok := actor.(Contractor)
	if !ok {
		return store.Report{}, forbidden(actor, "submit repair proof", "only the assigned contractor submits proof")
	}
	if report.ContractorID != contractor.ID {
		return store.Report{}, forbidden(actor, "submit repair proof", "report is not assigned to this contractor")
	}
	if strings.TrimSpace(proofURI) == "" {
		return store.Report{}, invalid("repairProofUri", "a repair proof photo is required")
	}
	if err := move(actor, &report, store.StatusVerificationPending, "submit proof for"); err != nil {
		return store.Report{}, err
	}
	report.RepairProofURI = proofURI
	if len(materials) > 0 {
		report.MaterialsUsed = materials
	}
	return report, nil
}

// Approve accepts the contractor's proof and completes the report.
func Approve(actor Actor, report store.Report, now time.Time) (store.Report, error) {
	if _, err := requireRSOInZone(actor, report, "approve a repair"); err != nil {
		return store.Report{}, err
	}
	if report.Status != store.StatusVerificationPending {
		return store.Report{}, invalid("status", "cannot approve a report that is %s", displayStatus(report.Status))
	}
	if strings.TrimSpace(report.RepairProofURI) == "" {
		return store.Report{}, invalid("repairProofUri", "cannot approve a repair without a proof photo")
	}
	if err := move(actor, &report, store.StatusCompleted, "approve"); err != nil {
		return store.Report{}, err
	}
	report.RepairCompletedAt = &now
	return report, nil
}

// Reject sends the repair back to the contractor and clears the proof.
func Reject(actor Actor, report store.Report) (store.Report, error) {
	if _, err := requireRSOInZone(actor, report, "reject a repair"); err != nil {
		return store.Report{}, err
	}
	if report.Status != store.StatusVerificationPending {
		return store.Report{}, invalid("status", "cannot reject a report that is %s", displayStatus(report.Status))
	}
	if err := move(actor, &report, store.StatusInProgress, "reject"); err != nil {
		return store.Report{}, err
	}
	report.RepairProofURI = ""
	return report, nil
}

// CompleteDirect is the officer repairing without a contractor and
// completing with their own proof.
func CompleteDirect(actor Actor, report store.Report, proofURI string, materials []string, now time.Time) (store.Report, error) {
	if _, err := requireRSOInZone(actor, report, "complete a repair"); err != nil {
		return store.Report{}, err
	}
	if report.Status != store.StatusInProgress {
		return store.Report{}, invalid("status", "cannot complete a report that is %s", displayStatus(report.Status))
	}
	if report.ContractorID != "" {
		return store.Report{}, invalid("contractorId", "report is assigned to a contractor; approve their proof instead")
	}
	if strings.TrimSpace(proofURI) == "" {
		return store.Report{}, invalid("repairProofUri", "a repair proof photo is required")
	}
	if err := move(actor, &report, store.StatusCompleted, "complete"); err != nil {
		return store.Report{}, err
	}
	report.RepairProofURI = proofURI
	if len(materials) > 0 {
		report.MaterialsUsed = materials
	}
	report.RepairCompletedAt = &now
	return report, nil
}

// Rate records the owning citizen's rating once the repair is completed.
// A report can be rated only once.
func Rate(actor Actor, report store.Report, rating int, feedback string) (store.Report, error) {
	citizen, ok := actor.(Citizen)
	if !ok {
		return store.Report{}, forbidden(actor, "rate a repair", "only the reporting citizen rates a repair")
	}
	if report.CitizenID != citizen.ID {
		return store.Report{}, forbidden(actor, "rate a repair", "report belongs to another citizen")
	}
	if report.Status != store.StatusCompleted {
		return store.Report{}, invalid("status", "only completed repairs can be rated")
	}
	if report.CitizenRating != nil {
		return store.Report{}, invalid("citizenRating", "repair has already been rated")
	}
	if rating < 1 || rating > 5 {
		return store.Report{}, invalid("citizenRating", "must be between 1 and 5")
	}
	report.CitizenRating = &rating
	report.CitizenFeedback = strings.TrimSpace(feedback)
	return report, nil
}

// Triage holds the officer-editable fields that never change status.
// Empty values leave the current value untouched.
type Triage struct {
	RootCause          string `json:"rootCause"`
	AssignedDepartment string `json:"assignedDepartment"`
	UtilityType        string `json:"utilityType"`
}

func ApplyTriage(actor Actor, report store.Report, t Triage) (store.Report, error) {
	if _, err := requireRSOInZone(actor, report, "triage a report"); err != nil {
		return store.Report{}, err
	}
	if report.Status == store.StatusCompleted {
		return store.Report{}, invalid("status", "completed reports cannot be triaged")
	}
	if v := strings.TrimSpace(t.RootCause); v != "" {
		report.RootCause = v
	}
	if v := strings.TrimSpace(t.AssignedDepartment); v != "" {
		report.AssignedDepartment = v
	}
	if v := strings.TrimSpace(t.UtilityType); v != "" {
		report.UtilityType = v
	}
	return report, nil
}
