package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"roadwatch/api/internal/cache"
	"roadwatch/api/internal/store"
)

type fakeGateway struct {
	upsertFn func(ctx context.Context, report store.Report) (store.Report, error)
	queryFn  func(ctx context.Context, filter store.ReportFilter) ([]store.Report, error)
	deleteFn func(ctx context.Context, id string) error

	mu      sync.Mutex
	upserts []string
}

func (f *fakeGateway) UpsertReport(ctx context.Context, report store.Report) (store.Report, error) {
	f.mu.Lock()
	f.upserts = append(f.upserts, report.ID)
	f.mu.Unlock()
	if f.upsertFn != nil {
		return f.upsertFn(ctx, report)
	}
	report.UpdatedAt = time.Now().UTC()
	return report, nil
}

func (f *fakeGateway) QueryReports(ctx context.Context, filter store.ReportFilter) ([]store.Report, error) {
	if f.queryFn != nil {
		return f.queryFn(ctx, filter)
	}
	return []store.Report{}, nil
}

func (f *fakeGateway) DeleteReport(ctx context.Context, id string) error {
	if f.deleteFn != nil {
		return f.deleteFn(ctx, id)
	}
	return nil
}

func (f *fakeGateway) attempted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.upserts...)
}

var errOffline = &store.RemoteError{Kind: store.RemoteNetwork, Op: "upsert report", Err: errors.New("connection refused")}

func newTestReconciler(t *testing.T, gw *fakeGateway, opts Options) (*Reconciler, *cache.RedisCache) {
	t.Helper()
	mr := miniredis.RunT(t)
	local, err := cache.Open(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = local.Close() })
	return New(gw, local, zap.NewNop(), opts), local
}

func newReport(id, zone string) store.Report {
	return store.Report{
		ID:        id,
		CitizenID: "cit-1",
		Location:  store.Location{Latitude: 12.9, Longitude: 77.6, Zone: zone},
		PhotoURI:  "https://media.example/" + id + ".jpg",
		Status:    store.StatusPending,
		CreatedAt: time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestSave_RemoteSuccessCachesEcho(t *testing.T) {
	var synced []string
	gw := &fakeGateway{}
	r, local := newTestReconciler(t, gw, Options{OnSynced: func(rep store.Report) { synced = append(synced, rep.ID) }})
	ctx := context.Background()

	saved, err := r.Save(ctx, newReport("rpt-1", "zone1"))
	require.NoError(t, err)
	assert.Equal(t, store.SyncSynced, saved.SyncStatus)
	assert.False(t, saved.UpdatedAt.IsZero())

	cached, ok, err := local.Get(ctx, "rpt-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, store.SyncSynced, cached.SyncStatus)
	assert.True(t, cached.UpdatedAt.Equal(saved.UpdatedAt))

	pending, err := local.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Equal(t, []string{"rpt-1"}, synced)
}

func TestSave_RemoteFailureDegradesToPending(t *testing.T) {
	gw := &fakeGateway{upsertFn: func(context.Context, store.Report) (store.Report, error) {
		return store.Report{}, errOffline
	}}
	r, local := newTestReconciler(t, gw, Options{})
	ctx := context.Background()

	saved, err := r.Save(ctx, newReport("rpt-1", "zone1"))
	require.NoError(t, err)
	assert.Equal(t, store.SyncPending, saved.SyncStatus)

	pending, err := local.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"rpt-1"}, pending)

	again, err := r.Save(ctx, saved)
	require.NoError(t, err)
	assert.Equal(t, store.SyncFailed, again.SyncStatus)

	pending, err = local.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"rpt-1"}, pending)
}

func TestSave_TimeoutIsTreatedAsNetworkFailure(t *testing.T) {
	gw := &fakeGateway{upsertFn: func(ctx context.Context, _ store.Report) (store.Report, error) {
		<-ctx.Done()
		return store.Report{}, ctx.Err()
	}}
	r, local := newTestReconciler(t, gw, Options{RemoteTimeout: 20 * time.Millisecond})

	saved, err := r.Save(context.Background(), newReport("rpt-1", "zone1"))
	require.NoError(t, err)
	assert.Equal(t, store.SyncPending, saved.SyncStatus)

	_, ok, err := local.Get(context.Background(), "rpt-1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSave_ConflictIsReturnedAndNothingWritten(t *testing.T) {
	gw := &fakeGateway{upsertFn: func(_ context.Context, report store.Report) (store.Report, error) {
		return store.Report{}, &store.ConflictError{ReportID: report.ID, Expected: report.UpdatedAt}
	}}
	r, local := newTestReconciler(t, gw, Options{})
	ctx := context.Background()

	report := newReport("rpt-1", "zone1")
	report.UpdatedAt = time.Date(2026, 10, 2, 0, 0, 0, 0, time.UTC)
	_, err := r.Save(ctx, report)
	var conflict *store.ConflictError
	require.ErrorAs(t, err, &conflict)

	_, ok, err := local.Get(ctx, "rpt-1")
	require.NoError(t, err)
	assert.False(t, ok)
	pending, err := local.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSave_LocalFailureIsFatal(t *testing.T) {
	gw := &fakeGateway{upsertFn: func(context.Context, store.Report) (store.Report, error) {
		return store.Report{}, errOffline
	}}
	mr := miniredis.RunT(t)
	local, err := cache.Open(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	defer local.Close()
	r := New(gw, local, zap.NewNop(), Options{})
	mr.Close()

	_, err = r.Save(context.Background(), newReport("rpt-1", "zone1"))
	var storageErr *cache.StorageError
	require.ErrorAs(t, err, &storageErr)
}

func TestDrainQueue_IsolatesPerIDFailures(t *testing.T) {
	online := false
	gw := &fakeGateway{}
	gw.upsertFn = func(_ context.Context, report store.Report) (store.Report, error) {
		if !online || report.ID == "rpt-3" {
			return store.Report{}, errOffline
		}
		report.UpdatedAt = time.Now().UTC()
		return report, nil
	}
	r, local := newTestReconciler(t, gw, Options{})
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		_, err := r.Save(ctx, newReport(fmt.Sprintf("rpt-%d", i), "zone1"))
		require.NoError(t, err)
	}
	pending, err := local.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 5)

	online = true
	gw.upserts = nil
	result, err := r.DrainQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Attempted: 5, Synced: 4, Failed: 1}, result)
	assert.Equal(t, []string{"rpt-1", "rpt-2", "rpt-3", "rpt-4", "rpt-5"}, gw.attempted())

	pending, err = local.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"rpt-3"}, pending)

	failed, _, err := local.Get(ctx, "rpt-3")
	require.NoError(t, err)
	assert.Equal(t, store.SyncFailed, failed.SyncStatus)
	for _, id := range []string{"rpt-4", "rpt-5"} {
		rep, _, err := local.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, store.SyncSynced, rep.SyncStatus, id)
	}
}

func TestDrainQueue_ConflictHoldsLocalEdit(t *testing.T) {
	stamp := time.Date(2026, 10, 2, 9, 0, 0, 0, time.UTC)
	remoteCopy := newReport("rpt-1", "zone1")
	remoteCopy.Status = store.StatusVerificationPending
	remoteCopy.UpdatedAt = stamp.Add(time.Minute)

	var online atomic.Bool
	gw := &fakeGateway{
		upsertFn: func(_ context.Context, report store.Report) (store.Report, error) {
			if !online.Load() {
				return store.Report{}, errOffline
			}
			return store.Report{}, &store.ConflictError{ReportID: report.ID, Expected: report.UpdatedAt}
		},
		queryFn: func(context.Context, store.ReportFilter) ([]store.Report, error) {
			if !online.Load() {
				return nil, errOffline
			}
			return []store.Report{remoteCopy}, nil
		},
	}
	r, local := newTestReconciler(t, gw, Options{})
	ctx := context.Background()

	edit := newReport("rpt-1", "zone1")
	edit.Status = store.StatusCompleted
	edit.UpdatedAt = stamp
	saved, err := r.Save(ctx, edit)
	require.NoError(t, err)
	assert.Equal(t, store.SyncPending, saved.SyncStatus)

	online.Store(true)
	result, err := r.DrainQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Conflicts)

	pending, err := r.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
	conflicts, err := r.Conflicts(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"rpt-1"}, conflicts)

	held, err := r.ReadByID(ctx, "rpt-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, held.Status)
	assert.Equal(t, store.SyncFailed, held.SyncStatus)

	discarded, err := r.Discard(ctx, "rpt-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusVerificationPending, discarded.Status)
	conflicts, err = r.Conflicts(ctx)
	require.NoError(t, err)
	assert.Empty(t, conflicts)
	cached, _, err := local.Get(ctx, "rpt-1")
	require.NoError(t, err)
	assert.Equal(t, store.SyncSynced, cached.SyncStatus)
	assert.Equal(t, store.StatusVerificationPending, cached.Status)
}

func TestDiscard_NeedsRemote(t *testing.T) {
	gw := &fakeGateway{queryFn: func(context.Context, store.ReportFilter) ([]store.Report, error) {
		return nil, errOffline
	}}
	r, local := newTestReconciler(t, gw, Options{})
	ctx := context.Background()
	require.NoError(t, local.MarkConflict(ctx, "rpt-1"))

	_, err := r.Discard(ctx, "rpt-1")
	var remote *store.RemoteError
	require.ErrorAs(t, err, &remote)
	conflicts, err := r.Conflicts(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"rpt-1"}, conflicts)
}

func TestDrainQueue_DropsMissingRecords(t *testing.T) {
	r, local := newTestReconciler(t, &fakeGateway{}, Options{})
	ctx := context.Background()
	require.NoError(t, local.Enqueue(ctx, "ghost"))

	result, err := r.DrainQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Missing)
	pending, err := local.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRead_FallsBackToLocalCache(t *testing.T) {
	gw := &fakeGateway{queryFn: func(context.Context, store.ReportFilter) ([]store.Report, error) {
		return nil, &store.RemoteError{Kind: store.RemoteNetwork, Op: "query reports", Err: errors.New("offline")}
	}}
	r, local := newTestReconciler(t, gw, Options{})
	ctx := context.Background()
	require.NoError(t, local.Put(ctx, newReport("rpt-1", "zone1")))
	require.NoError(t, local.Put(ctx, newReport("rpt-2", "zone2")))

	zone1, err := r.ReadByZone(ctx, "zone1")
	require.NoError(t, err)
	require.Len(t, zone1, 1)
	assert.Equal(t, "rpt-1", zone1[0].ID)

	mine, err := r.ReadByCitizen(ctx, "cit-1")
	require.NoError(t, err)
	assert.Len(t, mine, 2)
}

func TestRead_QueuedLocalEditsWinOverRemote(t *testing.T) {
	remoteCopy := newReport("rpt-1", "zone1")
	remoteOther := newReport("rpt-3", "zone1")
	gw := &fakeGateway{
		upsertFn: func(context.Context, store.Report) (store.Report, error) { return store.Report{}, errOffline },
		queryFn: func(context.Context, store.ReportFilter) ([]store.Report, error) {
			return []store.Report{remoteCopy, remoteOther}, nil
		},
	}
	r, local := newTestReconciler(t, gw, Options{})
	ctx := context.Background()

	edited := newReport("rpt-1", "zone1")
	edited.Status = store.StatusInProgress
	_, err := r.Save(ctx, edited)
	require.NoError(t, err)
	offlineOnly := newReport("rpt-2", "zone1")
	_, err = r.Save(ctx, offlineOnly)
	require.NoError(t, err)

	reports, err := r.ReadByZone(ctx, "zone1")
	require.NoError(t, err)
	byID := map[string]store.Report{}
	for _, rep := range reports {
		byID[rep.ID] = rep
	}
	require.Len(t, byID, 3)
	assert.Equal(t, store.StatusInProgress, byID["rpt-1"].Status)
	assert.Equal(t, store.SyncPending, byID["rpt-2"].SyncStatus)
	assert.Equal(t, store.SyncSynced, byID["rpt-3"].SyncStatus)

	_, ok, err := local.Get(ctx, "rpt-3")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReadByID_NotFound(t *testing.T) {
	r, _ := newTestReconciler(t, &fakeGateway{}, Options{})
	_, err := r.ReadByID(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSave_SerializesSameID(t *testing.T) {
	var inFlight, maxInFlight int32
	gw := &fakeGateway{upsertFn: func(_ context.Context, report store.Report) (store.Report, error) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			m := atomic.LoadInt32(&maxInFlight)
			if n <= m || atomic.CompareAndSwapInt32(&maxInFlight, m, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return report, nil
	}}
	r, _ := newTestReconciler(t, gw, Options{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Save(context.Background(), newReport("rpt-1", "zone1"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxInFlight))
	assert.Len(t, gw.attempted(), 8)
}

func TestDelete(t *testing.T) {
	var deleted []string
	remoteDown := true
	gw := &fakeGateway{deleteFn: func(context.Context, string) error {
		if remoteDown {
			return errors.New("dial tcp: connection refused")
		}
		return nil
	}}
	r, local := newTestReconciler(t, gw, Options{OnDeleted: func(id string) { deleted = append(deleted, id) }})
	ctx := context.Background()
	require.NoError(t, local.Put(ctx, newReport("rpt-1", "zone1")))
	require.NoError(t, local.Enqueue(ctx, "rpt-1"))

	err := r.Delete(ctx, "rpt-1")
	var remote *store.RemoteError
	require.ErrorAs(t, err, &remote)
	_, ok, _ := local.Get(ctx, "rpt-1")
	assert.True(t, ok)

	remoteDown = false
	require.NoError(t, r.Delete(ctx, "rpt-1"))
	_, ok, _ = local.Get(ctx, "rpt-1")
	assert.False(t, ok)
	pending, err := local.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Equal(t, []string{"rpt-1"}, deleted)
}

func TestRun_StopsOnCancel(t *testing.T) {
	r, _ := newTestReconciler(t, &fakeGateway{}, Options{DrainInterval: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRead_RefreshesCacheWhenReaderLeaves(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fresh := newReport("rpt-1", "zone1")
	fresh.UpdatedAt = time.Date(2026, 10, 3, 9, 0, 0, 0, time.UTC)
	gw := &fakeGateway{queryFn: func(context.Context, store.ReportFilter) ([]store.Report, error) {
		cancel()
		return []store.Report{fresh}, nil
	}}
	r, local := newTestReconciler(t, gw, Options{})

	reports, err := r.ReadAll(ctx)
	require.NoError(t, err)
	require.Len(t, reports, 1)

	cached, ok, err := local.Get(context.Background(), "rpt-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, cached.UpdatedAt.Equal(fresh.UpdatedAt))
	assert.Equal(t, store.SyncSynced, cached.SyncStatus)
}
