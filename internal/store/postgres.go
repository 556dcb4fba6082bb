package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// PostgresStore is the gateway to the hosted relational store. It has no
// retry policy: every failure comes back immediately as a RemoteError.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return AsRemote("ping", s.db.PingContext(ctx))
}

const reportColumns = `id, citizen_id, reporting_mode, location, photo_uri, video_uri, ai_detection,
	status, sync_status, created_at, updated_at, repair_proof_uri, repair_completed_at,
	materials_used, report_approved_for_points, repair_approved_for_points, rso_id,
	citizen_rating, citizen_feedback, root_cause, assigned_department, contractor_id,
	utility_type, work_order_generated_at`

// UpsertReport writes the full record. A report without UpdatedAt has never
// been read back from the store and is inserted only; if the id is taken a
// ConflictError is returned. Otherwise the write only applies if the stored
// row still carries that timestamp. The returned report carries the
// server-assigned timestamps and syncStatus=synced.
func (s *PostgresStore) UpsertReport(ctx context.Context, report Report) (Report, error) {
	location, err := json.Marshal(report.Location)
	if err != nil {
		return Report{}, fmt.Errorf("marshal location: %w", err)
	}
	detection, err := nullJSON(report.AIDetection)
	if err != nil {
		return Report{}, fmt.Errorf("marshal ai detection: %w", err)
	}
	materials, err := nullJSON(report.MaterialsUsed)
	if err != nil {
		return Report{}, fmt.Errorf("marshal materials: %w", err)
	}

	var rating any
	if report.CitizenRating != nil {
		rating = *report.CitizenRating
	}

	const query = `
		INSERT INTO reports (
			id, citizen_id, reporting_mode, location, photo_uri, video_uri, ai_detection,
			status, sync_status, created_at, updated_at, repair_proof_uri, repair_completed_at,
			materials_used, report_approved_for_points, repair_approved_for_points, rso_id,
			citizen_rating, citizen_feedback, root_cause, assigned_department, contractor_id,
			utility_type, work_order_generated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'synced', COALESCE($9::timestamptz, NOW()), NOW(),
			$10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
		ON CONFLICT (id) DO UPDATE SET
			reporting_mode = EXCLUDED.reporting_mode,
			location = EXCLUDED.location,
			photo_uri = EXCLUDED.photo_uri,
			video_uri = EXCLUDED.video_uri,
			status = EXCLUDED.status,
			sync_status = 'synced',
			updated_at = NOW(),
			repair_proof_uri = EXCLUDED.repair_proof_uri,
			repair_completed_at = EXCLUDED.repair_completed_at,
			materials_used = EXCLUDED.materials_used,
			report_approved_for_points = reports.report_approved_for_points OR EXCLUDED.report_approved_for_points,
			repair_approved_for_points = reports.repair_approved_for_points OR EXCLUDED.repair_approved_for_points,
			rso_id = EXCLUDED.rso_id,
			citizen_rating = EXCLUDED.citizen_rating,
			citizen_feedback = EXCLUDED.citizen_feedback,
			root_cause = EXCLUDED.root_cause,
			assigned_department = EXCLUDED.assigned_department,
			contractor_id = EXCLUDED.contractor_id,
			utility_type = EXCLUDED.utility_type,
			work_order_generated_at = EXCLUDED.work_order_generated_at
		WHERE $23::timestamptz IS NOT NULL AND reports.updated_at = $23::timestamptz
		RETURNING created_at, updated_at
	`

	var createdAt, updatedAt time.Time
	err = s.db.QueryRowContext(ctx, query,
		report.ID,
		report.CitizenID,
		nullString(report.ReportingMode),
		location,
		report.PhotoURI,
		nullString(report.VideoURI),
		detection,
		string(report.Status),
		nullTime(report.CreatedAt),
		nullString(report.RepairProofURI),
		report.RepairCompletedAt,
		materials,
		report.ReportApprovedForPoints,
		report.RepairApprovedForPoints,
		nullString(report.RSOID),
		rating,
		nullString(report.CitizenFeedback),
		nullString(report.RootCause),
		nullString(report.AssignedDepartment),
		nullString(report.ContractorID),
		nullString(report.UtilityType),
		report.WorkOrderGeneratedAt,
		nullTime(report.UpdatedAt),
	).Scan(&createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Report{}, &ConflictError{ReportID: report.ID, Expected: report.UpdatedAt}
	}
	if err != nil {
		return Report{}, AsRemote("upsert report", err)
	}

	report.CreatedAt = createdAt
	report.UpdatedAt = updatedAt
	report.SyncStatus = SyncSynced
	return report, nil
}

func (s *PostgresStore) QueryReports(ctx context.Context, filter ReportFilter) ([]Report, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause, value string) {
		args = append(args, value)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.ID != "" {
		add("id = $%d", filter.ID)
	}
	if filter.Zone != "" {
		add("location->>'zone' = $%d", filter.Zone)
	}
	if filter.CitizenID != "" {
		add("citizen_id = $%d", filter.CitizenID)
	}
	if filter.ContractorID != "" {
		add("contractor_id = $%d", filter.ContractorID)
	}

	query := `SELECT ` + reportColumns + ` FROM reports`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, AsRemote("query reports", err)
	}
	defer rows.Close()

	reports := []Report{}
	for rows.Next() {
		report, err := scanReport(rows)
		if err != nil {
			return nil, AsRemote("scan report", err)
		}
		reports = append(reports, report)
	}
	if err := rows.Err(); err != nil {
		return nil, AsRemote("query reports", err)
	}
	return reports, nil
}

func (s *PostgresStore) GetReport(ctx context.Context, id string) (Report, error) {
	reports, err := s.QueryReports(ctx, ReportFilter{ID: id})
	if err != nil {
		return Report{}, err
	}
	if len(reports) == 0 {
		return Report{}, ErrNotFound
	}
	return reports[0], nil
}

// DeleteReport is a no-op for ids that do not exist.
func (s *PostgresStore) DeleteReport(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM reports WHERE id = $1`, id); err != nil {
		return AsRemote("delete report", err)
	}
	return nil
}

func (s *PostgresStore) ListContractors(ctx context.Context, zone string) ([]Contractor, error) {
	query := `SELECT id, name, agency_name, zone, rating FROM contractors`
	var args []any
	if zone != "" {
		query += ` WHERE zone = $1`
		args = append(args, zone)
	}
	query += ` ORDER BY rating DESC, name`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, AsRemote("list contractors", err)
	}
	defer rows.Close()

	contractors := []Contractor{}
	for rows.Next() {
		var c Contractor
		if err := rows.Scan(&c.ID, &c.Name, &c.AgencyName, &c.Zone, &c.Rating); err != nil {
			return nil, AsRemote("scan contractor", err)
		}
		contractors = append(contractors, c)
	}
	if err := rows.Err(); err != nil {
		return nil, AsRemote("list contractors", err)
	}
	return contractors, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReport(row rowScanner) (Report, error) {
	var report Report
	var status, syncStatus string
	var location, detection, materials []byte
	var reportingMode, videoURI, proofURI, rsoID sql.NullString
	var feedback, rootCause, department, contractorID, utilityType sql.NullString
	var repairCompletedAt, workOrderAt sql.NullTime
	var rating sql.NullInt64
	err := row.Scan(
		&report.ID,
		&report.CitizenID,
		&reportingMode,
		&location,
		&report.PhotoURI,
		&videoURI,
		&detection,
		&status,
		&syncStatus,
		&report.CreatedAt,
		&report.UpdatedAt,
		&proofURI,
		&repairCompletedAt,
		&materials,
		&report.ReportApprovedForPoints,
		&report.RepairApprovedForPoints,
		&rsoID,
		&rating,
		&feedback,
		&rootCause,
		&department,
		&contractorID,
		&utilityType,
		&workOrderAt,
	)
	if err != nil {
		return Report{}, err
	}

	if err := json.Unmarshal(location, &report.Location); err != nil {
		return Report{}, fmt.Errorf("decode location for %s: %w", report.ID, err)
	}
	if len(detection) > 0 && string(detection) != "null" {
		report.AIDetection = &AIDetection{}
		if err := json.Unmarshal(detection, report.AIDetection); err != nil {
			return Report{}, fmt.Errorf("decode ai detection for %s: %w", report.ID, err)
		}
	}
	if len(materials) > 0 {
		if err := json.Unmarshal(materials, &report.MaterialsUsed); err != nil {
			return Report{}, fmt.Errorf("decode materials for %s: %w", report.ID, err)
		}
	}

	report.Status = Status(status)
	report.SyncStatus = SyncStatus(syncStatus)
	report.ReportingMode = reportingMode.String
	report.VideoURI = videoURI.String
	report.RepairProofURI = proofURI.String
	report.RSOID = rsoID.String
	report.CitizenFeedback = feedback.String
	report.RootCause = rootCause.String
	report.AssignedDepartment = department.String
	report.ContractorID = contractorID.String
	report.UtilityType = utilityType.String
	if repairCompletedAt.Valid {
		t := repairCompletedAt.Time
		report.RepairCompletedAt = &t
	}
	if workOrderAt.Valid {
		t := workOrderAt.Time
		report.WorkOrderGeneratedAt = &t
	}
	if rating.Valid {
		r := int(rating.Int64)
		report.CitizenRating = &r
	}
	return report, nil
}

func nullString(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func nullTime(value time.Time) any {
	if value.IsZero() {
		return nil
	}
	return value
}

func nullJSON(value any) (any, error) {
	switch v := value.(type) {
	case *AIDetection:
		if v == nil {
			return nil, nil
		}
	case []string:
		if len(v) == 0 {
			return nil, nil
		}
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return encoded, nil
}
