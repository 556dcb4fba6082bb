package store

import (
	"strings"
	"time"
)

type Status string

const (
	StatusPending             Status = "pending"
	StatusInProgress          Status = "in-progress"
	StatusVerificationPending Status = "verification-pending"
	StatusCompleted           Status = "completed"
)

// Valid reports whether s is one of the four lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusVerificationPending, StatusCompleted:
		return true
	default:
		return false
	}
}

// Open reports whether the damage is still unrepaired from the citizen's point of view.
func (s Status) Open() bool {
	return s == StatusPending || s == StatusInProgress
}

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

type SyncStatus string

const (
	SyncPending SyncStatus = "pending"
	SyncSynced  SyncStatus = "synced"
	SyncFailed  SyncStatus = "failed"
)

type Role string

const (
	RoleCitizen           Role = "citizen"
	RoleRSO               Role = "rso"
	RoleAdmin             Role = "admin"
	RoleContractor        Role = "contractor"
	RoleComplianceOfficer Role = "compliance_officer"
)

func (r Role) Valid() bool {
	switch r {
	case RoleCitizen, RoleRSO, RoleAdmin, RoleContractor, RoleComplianceOfficer:
		return true
	default:
		return false
	}
}

type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Address   string  `json:"address,omitempty"`
	RoadName  string  `json:"roadName,omitempty"`
	Zone      string  `json:"zone,omitempty"`
}

type BoundingBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

type AIDetection struct {
	DamageType  string      `json:"damageType"`
	Confidence  float64     `json:"confidence"`
	Severity    Severity    `json:"severity"`
	BoundingBox BoundingBox `json:"boundingBox"`
}

// Report is the central entity. UpdatedAt is server-assigned and doubles as
// the version a mutator read before writing.
type Report struct {
	ID                      string       `json:"id"`
	CitizenID               string       `json:"citizenId"`
	ReportingMode           string       `json:"reportingMode,omitempty"`
	Location                Location     `json:"location"`
	PhotoURI                string       `json:"photoUri"`
	VideoURI                string       `json:"videoUri,omitempty"`
	RepairProofURI          string       `json:"repairProofUri,omitempty"`
	AIDetection             *AIDetection `json:"aiDetection,omitempty"`
	Status                  Status       `json:"status"`
	RootCause               string       `json:"rootCause,omitempty"`
	AssignedDepartment      string       `json:"assignedDepartment,omitempty"`
	ContractorID            string       `json:"contractorId,omitempty"`
	RSOID                   string       `json:"rsoId,omitempty"`
	UtilityType             string       `json:"utilityType,omitempty"`
	WorkOrderGeneratedAt    *time.Time   `json:"workOrderGeneratedAt,omitempty"`
	RepairCompletedAt       *time.Time   `json:"repairCompletedAt,omitempty"`
	MaterialsUsed           []string     `json:"materialsUsed,omitempty"`
	ReportApprovedForPoints bool         `json:"reportApprovedForPoints"`
	RepairApprovedForPoints bool         `json:"repairApprovedForPoints"`
	CitizenRating           *int         `json:"citizenRating,omitempty"`
	CitizenFeedback         string       `json:"citizenFeedback,omitempty"`
	SyncStatus              SyncStatus   `json:"syncStatus"`
	CreatedAt               time.Time    `json:"createdAt"`
	UpdatedAt               time.Time    `json:"updatedAt"`
}

// Severity returns the classified severity, or "" when the report was never classified.
func (r Report) Severity() Severity {
	if r.AIDetection == nil {
		return ""
	}
	return r.AIDetection.Severity
}

// MediaURIs lists every blob the report references.
func (r Report) MediaURIs() []string {
	var uris []string
	for _, uri := range []string{r.PhotoURI, r.VideoURI, r.RepairProofURI} {
		if strings.TrimSpace(uri) != "" {
			uris = append(uris, uri)
		}
	}
	return uris
}

type User struct {
	ID              string    `json:"id"`
	Username        string    `json:"username"`
	PasswordHash    string    `json:"-"`
	Role            Role      `json:"role"`
	Zone            string    `json:"zone,omitempty"`
	IsApproved      bool      `json:"isApproved"`
	Points          int       `json:"points"`
	AdminPointsPool int       `json:"adminPointsPool"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

type Contractor struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	AgencyName string  `json:"agencyName"`
	Zone       string  `json:"zone"`
	Rating     float64 `json:"rating"`
}

// ReportFilter selects reports. Empty fields do not constrain; an empty filter
// selects everything.
type ReportFilter struct {
	ID           string
	Zone         string
	CitizenID    string
	ContractorID string
}

// Matches applies the filter to a single report, mirroring the SQL predicate.
func (f ReportFilter) Matches(r Report) bool {
	if f.ID != "" && r.ID != f.ID {
		return false
	}
	if f.Zone != "" && r.Location.Zone != f.Zone {
		return false
	}
	if f.CitizenID != "" && r.CitizenID != f.CitizenID {
		return false
	}
	if f.ContractorID != "" && r.ContractorID != f.ContractorID {
		return false
	}
	return true
}
