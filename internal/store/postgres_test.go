package store

import (
	"context"
	"database/sql/driver"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStore(db), mock
}

func anyArgs(n int) []driver.Value {
	args := make([]driver.Value, n)
	for i := range args {
		args[i] = sqlmock.AnyArg()
	}
	return args
}

func sampleReport() Report {
	return Report{
		ID:        "rpt-1",
		CitizenID: "cit-1",
		Location:  Location{Latitude: 12.97, Longitude: 77.59, RoadName: "MG Road", Zone: "zone1"},
		PhotoURI:  "https://media.example/reports/rpt-1.jpg",
		AIDetection: &AIDetection{
			DamageType: "pothole",
			Confidence: 0.91,
			Severity:   SeverityHigh,
		},
		Status: StatusPending,
	}
}

func TestUpsertReport_ReturnsServerTimestamps(t *testing.T) {
	s, mock := newMockStore(t)
	created := time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)
	updated := created.Add(time.Minute)

	mock.ExpectQuery("INSERT INTO reports").
		WithArgs(anyArgs(23)...).
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(created, updated))

	got, err := s.UpsertReport(context.Background(), sampleReport())
	require.NoError(t, err)
	assert.Equal(t, created, got.CreatedAt)
	assert.Equal(t, updated, got.UpdatedAt)
	assert.Equal(t, SyncSynced, got.SyncStatus)
	assert.Equal(t, "rpt-1", got.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertReport_StaleVersionIsConflict(t *testing.T) {
	s, mock := newMockStore(t)
	report := sampleReport()
	report.UpdatedAt = time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)

	mock.ExpectQuery("INSERT INTO reports").
		WithArgs(anyArgs(23)...).
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}))

	_, err := s.UpsertReport(context.Background(), report)
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "rpt-1", conflict.ReportID)
	assert.True(t, conflict.Expected.Equal(report.UpdatedAt))
}

func TestUpsertReport_NewReportNeverOverwritesExistingID(t *testing.T) {
	s, mock := newMockStore(t)
	report := sampleReport()

	mock.ExpectQuery(`(?s)ON CONFLICT \(id\) DO UPDATE SET\s.*\sWHERE \$23::timestamptz IS NOT NULL AND reports\.updated_at = \$23::timestamptz`).
		WithArgs(anyArgs(23)...).
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}))

	_, err := s.UpsertReport(context.Background(), report)
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.True(t, conflict.Expected.IsZero())
	assert.Contains(t, conflict.Error(), "already exists")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertReport_ClassifiesFailures(t *testing.T) {
	cases := []struct {
		name string
		err  error
		kind RemoteKind
	}{
		{name: "timeout", err: context.DeadlineExceeded, kind: RemoteNetwork},
		{name: "connection refused", err: errors.New("dial tcp: connection refused"), kind: RemoteNetwork},
		{name: "foreign key", err: &pgconn.PgError{Code: "23503"}, kind: RemoteConstraint},
		{name: "bad password", err: &pgconn.PgError{Code: "28P01"}, kind: RemoteAuth},
		{name: "admin shutdown", err: &pgconn.PgError{Code: "57P01"}, kind: RemoteNetwork},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, mock := newMockStore(t)
			mock.ExpectQuery("INSERT INTO reports").WithArgs(anyArgs(23)...).WillReturnError(tc.err)

			_, err := s.UpsertReport(context.Background(), sampleReport())
			var remote *RemoteError
			require.ErrorAs(t, err, &remote)
			assert.Equal(t, tc.kind, remote.Kind)
		})
	}
}

func reportRow(report Report) *sqlmock.Rows {
	columns := []string{
		"id", "citizen_id", "reporting_mode", "location", "photo_uri", "video_uri", "ai_detection",
		"status", "sync_status", "created_at", "updated_at", "repair_proof_uri", "repair_completed_at",
		"materials_used", "report_approved_for_points", "repair_approved_for_points", "rso_id",
		"citizen_rating", "citizen_feedback", "root_cause", "assigned_department", "contractor_id",
		"utility_type", "work_order_generated_at",
	}
	return sqlmock.NewRows(columns).AddRow(
		report.ID, report.CitizenID, nil,
		[]byte(`{"latitude":12.97,"longitude":77.59,"roadName":"MG Road","zone":"zone1"}`),
		report.PhotoURI, nil,
		[]byte(`{"damageType":"pothole","confidence":0.91,"severity":"high","boundingBox":{"x":0,"y":0,"width":0,"height":0}}`),
		string(report.Status), "synced", report.CreatedAt, report.UpdatedAt,
		nil, nil, []byte(`["asphalt"]`), false, false, "rso-1",
		int64(4), "fixed quickly", nil, nil, "ctr-1", nil, nil,
	)
}

func TestQueryReports_FiltersByZone(t *testing.T) {
	s, mock := newMockStore(t)
	report := sampleReport()
	report.CreatedAt = time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)
	report.UpdatedAt = report.CreatedAt

	mock.ExpectQuery(regexp.QuoteMeta(`WHERE location->>'zone' = $1 ORDER BY created_at DESC`)).
		WithArgs("zone1").
		WillReturnRows(reportRow(report))

	got, err := s.QueryReports(context.Background(), ReportFilter{Zone: "zone1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "zone1", got[0].Location.Zone)
	assert.Equal(t, SeverityHigh, got[0].Severity())
	assert.Equal(t, []string{"asphalt"}, got[0].MaterialsUsed)
	require.NotNil(t, got[0].CitizenRating)
	assert.Equal(t, 4, *got[0].CitizenRating)
	assert.Equal(t, "ctr-1", got[0].ContractorID)
	assert.Equal(t, "", got[0].VideoURI)
}

func TestQueryReports_CombinesFilters(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta(`WHERE id = $1 AND citizen_id = $2`)).
		WithArgs("rpt-1", "cit-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	got, err := s.QueryReports(context.Background(), ReportFilter{ID: "rpt-1", CitizenID: "cit-1"})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestGetReport_NotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("SELECT").WithArgs("missing").WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := s.GetReport(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReportFilterMatches(t *testing.T) {
	report := sampleReport()
	report.ContractorID = "ctr-1"

	assert.True(t, ReportFilter{}.Matches(report))
	assert.True(t, ReportFilter{Zone: "zone1", CitizenID: "cit-1"}.Matches(report))
	assert.False(t, ReportFilter{Zone: "zone2"}.Matches(report))
	assert.False(t, ReportFilter{CitizenID: "cit-2"}.Matches(report))
	assert.True(t, ReportFilter{ContractorID: "ctr-1"}.Matches(report))
	assert.False(t, ReportFilter{ID: "other"}.Matches(report))
}
