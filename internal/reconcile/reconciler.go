// Package reconcile bridges the local cache and the remote store so that
// saving a report is a single call whether or not the remote is reachable.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"roadwatch/api/internal/store"
)

// Gateway is the remote store. It fails fast and never retries.
type Gateway interface {
	UpsertReport(ctx context.Context, report store.Report) (store.Report, error)
	QueryReports(ctx context.Context, filter store.ReportFilter) ([]store.Report, error)
	DeleteReport(ctx context.Context, id string) error
}

// LocalCache is the durable local copy plus the pending-sync queue.
type LocalCache interface {
	Get(ctx context.Context, id string) (store.Report, bool, error)
	GetAll(ctx context.Context) ([]store.Report, error)
	Put(ctx context.Context, report store.Report) error
	Delete(ctx context.Context, id string) error
	Enqueue(ctx context.Context, id string) error
	Dequeue(ctx context.Context, id string) error
	Pending(ctx context.Context) ([]string, error)
	IsQueued(ctx context.Context, id string) (bool, error)
	MarkConflict(ctx context.Context, id string) error
	ClearConflict(ctx context.Context, id string) error
	Conflicts(ctx context.Context) ([]string, error)
}

type Options struct {
	RemoteTimeout time.Duration
	DrainInterval time.Duration
	// OnSynced runs after a record reaches the remote store.
	OnSynced func(store.Report)
	// OnDeleted runs after a record is removed from the remote store.
	OnDeleted func(id string)
}

const (
	defaultRemoteTimeout = 15 * time.Second
	defaultDrainInterval = 30 * time.Second
)

type Reconciler struct {
	remote    Gateway
	local     LocalCache
	logger    *zap.Logger
	timeout   time.Duration
	interval  time.Duration
	onSynced  func(store.Report)
	onDeleted func(string)
	locks     keyedMutex
}

func New(remote Gateway, local LocalCache, logger *zap.Logger, opts Options) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RemoteTimeout <= 0 {
		opts.RemoteTimeout = defaultRemoteTimeout
	}
	if opts.DrainInterval <= 0 {
		opts.DrainInterval = defaultDrainInterval
	}
	return &Reconciler{
		remote:    remote,
		local:     local,
		logger:    logger,
		timeout:   opts.RemoteTimeout,
		interval:  opts.DrainInterval,
		onSynced:  opts.OnSynced,
		onDeleted: opts.OnDeleted,
	}
}

// Save upserts the full record remotely and mirrors the result locally.
// Remote failures are absorbed: the record is cached as pending (failed when
// it was already queued) and its id queued for the drain loop. A
// ConflictError is returned untouched and nothing is written. Only local
// storage failures and conflicts reach the caller.
func (r *Reconciler) Save(ctx context.Context, report store.Report) (store.Report, error) {
	unlock := r.locks.Lock(report.ID)
	defer unlock()

	saved, err := r.upsert(ctx, report)
	if err == nil {
		return saved, r.commitSynced(ctx, saved)
	}

	var conflict *store.ConflictError
	if errors.As(err, &conflict) {
		return report, err
	}

	// The caller may have gone away; the local write must still land.
	localCtx := context.WithoutCancel(ctx)
	queued, qerr := r.local.IsQueued(localCtx, report.ID)
	if qerr != nil {
		return report, qerr
	}
	report.SyncStatus = store.SyncPending
	if queued {
		report.SyncStatus = store.SyncFailed
	}
	if perr := r.local.Put(localCtx, report); perr != nil {
		return report, perr
	}
	if eerr := r.local.Enqueue(localCtx, report.ID); eerr != nil {
		return report, eerr
	}
	r.logger.Warn("reconcile: remote save failed, queued for sync",
		zap.String("report_id", report.ID),
		zap.String("sync_status", string(report.SyncStatus)),
		zap.Error(err),
	)
	return report, nil
}

type DrainResult struct {
	Attempted int `json:"attempted"`
	Synced    int `json:"synced"`
	Failed    int `json:"failed"`
	Conflicts int `json:"conflicts"`
	Missing   int `json:"missing"`
}

// DrainQueue retries every queued id independently. A remote failure for
// one id leaves it queued and moves on. A conflict marks the record failed
// and moves it from the queue to the conflict set, where the local edit is
// kept until it is discarded. Local storage failures abort the drain.
func (r *Reconciler) DrainQueue(ctx context.Context) (DrainResult, error) {
	var result DrainResult
	ids, err := r.local.Pending(ctx)
	if err != nil {
		return result, err
	}

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Attempted++
		if err := r.drainOne(ctx, id, &result); err != nil {
			return result, err
		}
	}
	if result.Attempted > 0 {
		r.logger.Info("reconcile: drained sync queue",
			zap.Int("attempted", result.Attempted),
			zap.Int("synced", result.Synced),
			zap.Int("failed", result.Failed),
			zap.Int("conflicts", result.Conflicts),
		)
	}
	return result, nil
}

func (r *Reconciler) drainOne(ctx context.Context, id string, result *DrainResult) error {
	unlock := r.locks.Lock(id)
	defer unlock()

	report, ok, err := r.local.Get(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		result.Missing++
		return r.local.Dequeue(ctx, id)
	}

	saved, err := r.upsert(ctx, report)
	if err == nil {
		result.Synced++
		return r.commitSynced(ctx, saved)
	}

	report.SyncStatus = store.SyncFailed
	if perr := r.local.Put(ctx, report); perr != nil {
		return perr
	}

	var conflict *store.ConflictError
	if errors.As(err, &conflict) {
		result.Conflicts++
		r.logger.Warn("reconcile: queued report conflicts with remote, holding local edit",
			zap.String("report_id", id), zap.Error(err))
		if err := r.local.MarkConflict(ctx, id); err != nil {
			return err
		}
		return r.local.Dequeue(ctx, id)
	}

	result.Failed++
	r.logger.Warn("reconcile: retry failed", zap.String("report_id", id), zap.Error(err))
	return nil
}

// Run drains the queue on every tick until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.DrainQueue(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("reconcile: drain failed", zap.Error(err))
			}
		}
	}
}

func (r *Reconciler) Pending(ctx context.Context) ([]string, error) {
	return r.local.Pending(ctx)
}

// Conflicts lists reports whose local edit was rejected by the remote store
// during a drain.
func (r *Reconciler) Conflicts(ctx context.Context) ([]string, error) {
	return r.local.Conflicts(ctx)
}

// Discard drops the held local edit of a conflicting report and replaces it
// with the remote copy. The remote store must be reachable.
func (r *Reconciler) Discard(ctx context.Context, id string) (store.Report, error) {
	unlock := r.locks.Lock(id)
	defer unlock()

	remoteCtx, cancel := context.WithTimeout(ctx, r.timeout)
	reports, err := r.remote.QueryReports(remoteCtx, store.ReportFilter{ID: id})
	cancel()
	if err != nil {
		return store.Report{}, store.AsRemote("query reports", err)
	}

	localCtx := context.WithoutCancel(ctx)
	if err := r.local.Dequeue(localCtx, id); err != nil {
		return store.Report{}, err
	}
	if err := r.local.ClearConflict(localCtx, id); err != nil {
		return store.Report{}, err
	}
	if len(reports) == 0 {
		if err := r.local.Delete(localCtx, id); err != nil {
			return store.Report{}, err
		}
		return store.Report{}, fmt.Errorf("report %s: %w", id, store.ErrNotFound)
	}
	remote := reports[0]
	remote.SyncStatus = store.SyncSynced
	if err := r.local.Put(localCtx, remote); err != nil {
		return store.Report{}, err
	}
	return remote, nil
}

// Read prefers the remote store and falls back to the local cache on any
// remote failure. Records with a queued or conflicting local edit win over
// the remote copy, and held records the remote has never seen are included.
func (r *Reconciler) Read(ctx context.Context, filter store.ReportFilter) ([]store.Report, error) {
	remoteCtx, cancel := context.WithTimeout(ctx, r.timeout)
	reports, err := r.remote.QueryReports(remoteCtx, filter)
	cancel()
	if err != nil {
		r.logger.Warn("reconcile: remote read failed, serving local cache", zap.Error(err))
		return r.readLocal(ctx, filter)
	}
	return r.merge(ctx, filter, reports)
}

func (r *Reconciler) ReadAll(ctx context.Context) ([]store.Report, error) {
	return r.Read(ctx, store.ReportFilter{})
}

func (r *Reconciler) ReadByZone(ctx context.Context, zone string) ([]store.Report, error) {
	return r.Read(ctx, store.ReportFilter{Zone: zone})
}

func (r *Reconciler) ReadByCitizen(ctx context.Context, citizenID string) ([]store.Report, error) {
	return r.Read(ctx, store.ReportFilter{CitizenID: citizenID})
}

func (r *Reconciler) ReadByID(ctx context.Context, id string) (store.Report, error) {
	reports, err := r.Read(ctx, store.ReportFilter{ID: id})
	if err != nil {
		return store.Report{}, err
	}
	if len(reports) == 0 {
		return store.Report{}, fmt.Errorf("report %s: %w", id, store.ErrNotFound)
	}
	return reports[0], nil
}

// Delete removes the report remotely, then locally. Deletion is not queued:
// a RemoteError is returned to the caller.
func (r *Reconciler) Delete(ctx context.Context, id string) error {
	unlock := r.locks.Lock(id)
	defer unlock()

	remoteCtx, cancel := context.WithTimeout(ctx, r.timeout)
	err := r.remote.DeleteReport(remoteCtx, id)
	cancel()
	if err != nil {
		return store.AsRemote("delete report", err)
	}

	localCtx := context.WithoutCancel(ctx)
	if err := r.local.Delete(localCtx, id); err != nil {
		return err
	}
	if err := r.local.Dequeue(localCtx, id); err != nil {
		return err
	}
	if err := r.local.ClearConflict(localCtx, id); err != nil {
		return err
	}
	if r.onDeleted != nil {
		r.onDeleted(id)
	}
	return nil
}

func (r *Reconciler) upsert(ctx context.Context, report store.Report) (store.Report, error) {
	remoteCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	saved, err := r.remote.UpsertReport(remoteCtx, report)
	if err != nil {
		return store.Report{}, store.AsRemote("upsert report", err)
	}
	saved.SyncStatus = store.SyncSynced
	return saved, nil
}

func (r *Reconciler) commitSynced(ctx context.Context, saved store.Report) error {
	localCtx := context.WithoutCancel(ctx)
	if err := r.local.Put(localCtx, saved); err != nil {
		return err
	}
	if err := r.local.Dequeue(localCtx, saved.ID); err != nil {
		return err
	}
	if err := r.local.ClearConflict(localCtx, saved.ID); err != nil {
		return err
	}
	if r.onSynced != nil {
		r.onSynced(saved)
	}
	return nil
}

func (r *Reconciler) readLocal(ctx context.Context, filter store.ReportFilter) ([]store.Report, error) {
	all, err := r.local.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]store.Report, 0, len(all))
	for _, report := range all {
		if filter.Matches(report) {
			out = append(out, report)
		}
	}
	return out, nil
}

func (r *Reconciler) merge(ctx context.Context, filter store.ReportFilter, remote []store.Report) ([]store.Report, error) {
	// Refreshing the cache must land even if the reader has gone away.
	localCtx := context.WithoutCancel(ctx)
	pendingIDs, err := r.local.Pending(localCtx)
	if err != nil {
		return nil, err
	}
	conflictIDs, err := r.local.Conflicts(localCtx)
	if err != nil {
		return nil, err
	}
	pending := make(map[string]bool, len(pendingIDs)+len(conflictIDs))
	for _, id := range append(pendingIDs, conflictIDs...) {
		pending[id] = true
	}

	seen := make(map[string]bool, len(remote))
	out := make([]store.Report, 0, len(remote))
	for _, report := range remote {
		seen[report.ID] = true
		if pending[report.ID] {
			local, ok, err := r.local.Get(localCtx, report.ID)
			if err != nil {
				return nil, err
			}
			if ok {
				out = append(out, local)
				continue
			}
		}
		report.SyncStatus = store.SyncSynced
		if err := r.local.Put(localCtx, report); err != nil {
			return nil, err
		}
		out = append(out, report)
	}

	for id := range pending {
		if seen[id] {
			continue
		}
		local, ok, err := r.local.Get(localCtx, id)
		if err != nil {
			return nil, err
		}
		if ok && filter.Matches(local) {
			out = append(out, local)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}
