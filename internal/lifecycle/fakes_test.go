package lifecycle

import (
	"context"
	"errors"
	"sync"
	"time"

	"roadwatch/api/internal/store"
)

type memReports struct {
	mu      sync.Mutex
	byID    map[string]store.Report
	clock   time.Time
	saveErr error
	deleted []string
}

func newMemReports() *memReports {
	return &memReports{
		byID:  map[string]store.Report{},
		clock: time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC),
	}
}

func (m *memReports) Save(_ context.Context, report store.Report) (store.Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return store.Report{}, m.saveErr
	}
	m.clock = m.clock.Add(time.Second)
	report.UpdatedAt = m.clock
	report.SyncStatus = store.SyncSynced
	m.byID[report.ID] = report
	return report, nil
}

func (m *memReports) Read(_ context.Context, filter store.ReportFilter) ([]store.Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Report
	for _, r := range m.byID {
		if filter.Matches(r) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memReports) ReadByID(_ context.Context, id string) (store.Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.byID[id]
	if !ok {
		return store.Report{}, store.ErrNotFound
	}
	return r, nil
}

func (m *memReports) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byID, id)
	m.deleted = append(m.deleted, id)
	return nil
}

func (m *memReports) put(r store.Report) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.SyncStatus == "" {
		r.SyncStatus = store.SyncSynced
	}
	m.byID[r.ID] = r
}

// memLedger applies awards atomically under one lock, like the SQL transaction.
type memLedger struct {
	mu      sync.Mutex
	reports *memReports
	points  map[string]int
	pools   map[string]int
}

func newMemLedger(reports *memReports) *memLedger {
	return &memLedger{reports: reports, points: map[string]int{}, pools: map[string]int{}}
}

func (l *memLedger) AwardPoints(_ context.Context, award store.Award) (time.Time, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reports.mu.Lock()
	defer l.reports.mu.Unlock()

	report, ok := l.reports.byID[award.ReportID]
	if !ok {
		return time.Time{}, store.ErrAlreadyAwarded
	}
	flag := &report.ReportApprovedForPoints
	if award.Kind == store.PointsForRepair {
		flag = &report.RepairApprovedForPoints
	}
	if *flag {
		return time.Time{}, store.ErrAlreadyAwarded
	}
	pool, isAdmin := l.pools[award.AdminID]
	if !isAdmin || pool < award.Amount {
		return time.Time{}, store.ErrInsufficientPool
	}
	if _, ok := l.points[award.BeneficiaryID]; !ok {
		return time.Time{}, store.ErrBeneficiaryAbsent
	}

	*flag = true
	l.reports.clock = l.reports.clock.Add(time.Second)
	report.UpdatedAt = l.reports.clock
	l.reports.byID[report.ID] = report
	l.pools[award.AdminID] = pool - award.Amount
	l.points[award.BeneficiaryID] += award.Amount
	return report.UpdatedAt, nil
}

type blobRecorder struct {
	deleted []string
	err     error
}

func (b *blobRecorder) Delete(_ context.Context, url string) error {
	b.deleted = append(b.deleted, url)
	return b.err
}

var errRemoteDown = errors.New("local cache unavailable")
