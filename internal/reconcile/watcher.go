package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"roadwatch/api/internal/store"
)

// Change describes a report that appeared, changed or disappeared between
// two polls.
type Change struct {
	Report   store.Report  `json:"report"`
	Previous *store.Report `json:"previous,omitempty"`
	Deleted  bool          `json:"deleted"`
}

// Reader is the read side of the reconciler.
type Reader interface {
	Read(ctx context.Context, filter store.ReportFilter) ([]store.Report, error)
}

type subscription struct {
	filter store.ReportFilter
	fn     func(Change)
}

// Watcher turns periodic reads into change callbacks. The first poll only
// records a baseline.
type Watcher struct {
	reader   Reader
	interval time.Duration
	logger   *zap.Logger

	mu     sync.Mutex
	subs   map[int]subscription
	nextID int
	seen   map[string]store.Report
	primed bool
}

func NewWatcher(reader Reader, interval time.Duration, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = defaultDrainInterval
	}
	return &Watcher{
		reader:   reader,
		interval: interval,
		logger:   logger,
		subs:     make(map[int]subscription),
		seen:     make(map[string]store.Report),
	}
}

// OnReportChanged registers fn for changes to reports matching filter. The
// returned func removes the subscription.
func (w *Watcher) OnReportChanged(filter store.ReportFilter, fn func(Change)) (cancel func()) {
	w.mu.Lock()
	id := w.nextID
	w.nextID++
	w.subs[id] = subscription{filter: filter, fn: fn}
	w.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			w.mu.Lock()
			delete(w.subs, id)
			w.mu.Unlock()
		})
	}
}

// Run polls until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.Poll(ctx); err != nil && ctx.Err() == nil {
		w.logger.Warn("watcher: initial poll failed", zap.Error(err))
	}
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.Poll(ctx); err != nil && ctx.Err() == nil {
				w.logger.Warn("watcher: poll failed", zap.Error(err))
			}
		}
	}
}

// Poll reads the full corpus once and notifies subscribers of differences
// from the previous poll.
func (w *Watcher) Poll(ctx context.Context) error {
	reports, err := w.reader.Read(ctx, store.ReportFilter{})
	if err != nil {
		return err
	}

	w.mu.Lock()
	var changes []Change
	current := make(map[string]store.Report, len(reports))
	for _, report := range reports {
		current[report.ID] = report
		if !w.primed {
			continue
		}
		previous, ok := w.seen[report.ID]
		switch {
		case !ok:
			changes = append(changes, Change{Report: report})
		case fingerprint(previous) != fingerprint(report):
			prev := previous
			changes = append(changes, Change{Report: report, Previous: &prev})
		}
	}
	if w.primed {
		for id, previous := range w.seen {
			if _, ok := current[id]; !ok {
				changes = append(changes, Change{Report: previous, Deleted: true})
			}
		}
	}
	w.seen = current
	w.primed = true
	subs := make([]subscription, 0, len(w.subs))
	for _, sub := range w.subs {
		subs = append(subs, sub)
	}
	w.mu.Unlock()

	for _, change := range changes {
		for _, sub := range subs {
			if sub.filter.Matches(change.Report) {
				sub.fn(change)
			}
		}
	}
	return nil
}

func fingerprint(r store.Report) string {
	return fmt.Sprintf("%d|%s|%s|%s|%s|%t|%t|%v",
		r.UpdatedAt.UnixNano(), r.Status, r.SyncStatus, r.ContractorID, r.RepairProofURI,
		r.ReportApprovedForPoints, r.RepairApprovedForPoints, r.CitizenRating != nil)
}
