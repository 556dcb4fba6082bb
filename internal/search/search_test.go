package search

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	meili "github.com/meilisearch/meilisearch-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"roadwatch/api/internal/store"
)

type fakeEngine struct {
	mu      sync.Mutex
	healthy bool
	results []Result
	err     error
	queries []Query
	indexed []ReportRecord
	deleted []string
}

func (f *fakeEngine) Search(_ context.Context, q Query) ([]Result, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	return f.results, len(f.results), f.err
}

func (f *fakeEngine) Healthy() bool { return f.healthy }

func (f *fakeEngine) IndexReports(records []ReportRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, records...)
	return nil
}

func (f *fakeEngine) DeleteReport(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeEngine) snapshot() ([]ReportRecord, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ReportRecord(nil), f.indexed...), append([]string(nil), f.deleted...)
}

func TestSearch_PrefersHealthyPrimary(t *testing.T) {
	primary := &fakeEngine{healthy: true, results: []Result{{ID: "rpt-1"}}}
	fallback := &fakeEngine{healthy: true}
	s := &Service{primary: primary, fallback: fallback, logger: zap.NewNop()}

	resp := s.Search(context.Background(), Query{Text: "pothole"})
	assert.Equal(t, "meilisearch", resp.Engine)
	assert.Len(t, resp.Results, 1)
	assert.Empty(t, fallback.queries)
}

func TestSearch_FallsBack(t *testing.T) {
	fallback := &fakeEngine{healthy: true, results: []Result{{ID: "rpt-2"}}}

	down := &Service{primary: &fakeEngine{healthy: false}, fallback: fallback, logger: zap.NewNop()}
	resp := down.Search(context.Background(), Query{Text: "crack"})
	assert.Equal(t, "postgres", resp.Engine)
	assert.Equal(t, 1, resp.Total)

	failing := &Service{primary: &fakeEngine{healthy: true, err: errors.New("timeout")}, fallback: fallback, logger: zap.NewNop()}
	resp = failing.Search(context.Background(), Query{Text: "crack"})
	assert.Equal(t, "postgres", resp.Engine)

	broken := &Service{fallback: &fakeEngine{err: errors.New("db down")}, logger: zap.NewNop()}
	resp = broken.Search(context.Background(), Query{Text: "crack"})
	assert.NotNil(t, resp.Results)
	assert.Empty(t, resp.Results)
}

func TestIndexAndDelete(t *testing.T) {
	engine := &fakeEngine{healthy: true}
	s := &Service{primary: engine, indexer: engine, logger: zap.NewNop()}

	s.IndexReport(store.Report{
		ID:          "rpt-9",
		CitizenID:   "cit-1",
		Status:      store.StatusPending,
		Location:    store.Location{RoadName: "Ring Road", Zone: "zone2"},
		AIDetection: &store.AIDetection{DamageType: "pothole", Severity: store.SeverityHigh},
	})
	s.DeleteReport("rpt-3")

	assert.Eventually(t, func() bool {
		indexed, deleted := engine.snapshot()
		return len(indexed) == 1 && len(deleted) == 1
	}, time.Second, 5*time.Millisecond)

	indexed, deleted := engine.snapshot()
	assert.Equal(t, "Ring Road", indexed[0].RoadName)
	assert.Equal(t, "high", indexed[0].Severity)
	assert.Equal(t, []string{"rpt-3"}, deleted)

	unconfigured := NewService(nil, nil, nil)
	unconfigured.IndexReport(store.Report{ID: "x"})
	resp := unconfigured.Search(context.Background(), Query{Text: "x"})
	assert.Equal(t, "none", resp.Engine)
}

func TestQueryScopedAndLimit(t *testing.T) {
	q := Query{Text: "x", Limit: 500}.Scoped(store.ReportFilter{Zone: "zone1"})
	assert.Equal(t, "zone1", q.Zone)
	assert.Equal(t, 100, q.limit())
	assert.Equal(t, 20, Query{}.limit())

	assert.Equal(t, []string{`zone = "zone1"`}, meiliFilters(q))
}

func TestHitToRecord(t *testing.T) {
	hit := meili.Hit{
		"id":         json.RawMessage(`"rpt-4"`),
		"roadName":   json.RawMessage(`"MG Road"`),
		"damageType": json.RawMessage(`"crack"`),
		"severity":   json.RawMessage(`"low"`),
		"createdAt":  json.RawMessage(`1760000000`),
	}
	res := hitToRecord(hit).result()
	assert.Equal(t, "rpt-4", res.ID)
	assert.Equal(t, "low crack", res.Title)
	assert.Equal(t, "MG Road", res.Snippet)
}

func TestPgFTS_Search(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT count(*) FROM reports WHERE")).
		WithArgs(`%50\% off%`, "50% off", "zone1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery("ORDER BY created_at DESC").
		WithArgs(`%50\% off%`, "50% off", "zone1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "road", "address", "zone", "damage", "severity", "status", "root", "citizen", "contractor", "created"}).
			AddRow("rpt-1", "", "12 Market St", "zone1", "pothole", "medium", "pending", "", "cit-1", "", int64(1760000000)))

	results, total, err := NewPgFTS(db).Search(context.Background(), Query{Text: " 50% off ", Zone: "zone1"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, results, 1)
	assert.Equal(t, "12 Market St", results[0].Snippet)
	assert.Equal(t, "medium pothole", results[0].Title)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPgFTS_EmptyTextSkipsQuery(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	results, total, err := NewPgFTS(db).Search(context.Background(), Query{Text: "   "})
	require.NoError(t, err)
	assert.Nil(t, results)
	assert.Zero(t, total)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPgFTS_LoadAllRecords(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	row := []driver.Value{"rpt-1", "MG Road", "", "zone1", "pothole", "high", "completed", "", "cit-1", "ctr-1", int64(1)}
	mock.ExpectQuery("FROM reports").
		WillReturnRows(sqlmock.NewRows([]string{"id", "road", "address", "zone", "damage", "severity", "status", "root", "citizen", "contractor", "created"}).AddRow(row...))

	records, err := NewPgFTS(db).LoadAllRecords(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "ctr-1", records[0].ContractorID)
	require.NoError(t, mock.ExpectationsWereMet())
}
