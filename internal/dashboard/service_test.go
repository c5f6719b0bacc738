package dashboard

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kasirinaja/retailpos/internal/broadcast"
	"kasirinaja/retailpos/internal/cache"
	"kasirinaja/retailpos/internal/domain"
	"kasirinaja/retailpos/internal/lock"
)

type fakeSource struct {
	mu    sync.Mutex
	txs   []domain.Transaction
	calls atomic.Int32
	gate  chan struct{}
	enter chan struct{}

	// loaded is closed once the first call has read its history; that call
	// then returns only after resume is closed.
	loaded chan struct{}
	resume chan struct{}
}

func (f *fakeSource) ListTransactions(_ context.Context, filter domain.TransactionFilter) ([]domain.Transaction, error) {
	n := f.calls.Add(1)
	if f.enter != nil {
		f.enter <- struct{}{}
	}
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	out := make([]domain.Transaction, 0, len(f.txs))
	for _, tx := range f.txs {
		if filter.CashierID != "" && tx.CashierID != filter.CashierID {
			continue
		}
		out = append(out, tx)
	}
	f.mu.Unlock()
	if n == 1 && f.resume != nil {
		close(f.loaded)
		<-f.resume
	}
	return out, nil
}

func (f *fakeSource) ListProducts(context.Context) ([]domain.Product, error) {
	return []domain.Product{{ID: "P1", Category: "grocery"}}, nil
}

func (f *fakeSource) add(tx domain.Transaction) {
	f.mu.Lock()
	f.txs = append(f.txs, tx)
	f.mu.Unlock()
}

type recordingPublisher struct {
	mu         sync.Mutex
	interested map[string]bool
	published  []string
	snapshots  []domain.AnalyticsSnapshot
}

func (p *recordingPublisher) Publish(_ context.Context, scope string, event string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, scope+"|"+event)
	if snapshot, ok := payload.(domain.AnalyticsSnapshot); ok {
		p.snapshots = append(p.snapshots, snapshot)
	}
	return nil
}

func (p *recordingPublisher) lastSnapshot() (domain.AnalyticsSnapshot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.snapshots) == 0 {
		return domain.AnalyticsSnapshot{}, false
	}
	return p.snapshots[len(p.snapshots)-1], true
}

func (p *recordingPublisher) HasSubscribers(scope string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interested[scope]
}

func (p *recordingPublisher) events() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.published...)
}

var fixedNow = time.Now().UTC().Truncate(time.Second)

func sale(cashier string, total string) domain.Transaction {
	return domain.Transaction{
		ID:          cashier + total,
		CashierID:   cashier,
		CashierName: cashier,
		Total:       decimal.RequireFromString(total),
		Status:      domain.TxStatusCompleted,
		CreatedAt:   fixedNow.Add(-time.Hour),
		Items:       []domain.LineItem{{ProductID: "P1", Quantity: 1, FinalPrice: decimal.RequireFromString(total)}},
	}
}

func newTestService(src *fakeSource, pub Publisher, locker lock.Locker) (*Service, *cache.MemoryCache) {
	mem := cache.NewMemoryCache(0)
	svc := New(src, mem, pub, locker, Config{TTL: time.Hour, WarmPeriods: []int{1, 30}}, nil)
	svc.now = func() time.Time { return fixedNow }
	return svc, mem
}

func TestDashboardReadsWithinTTLAreIdentical(t *testing.T) {
	src := &fakeSource{txs: []domain.Transaction{sale("c1", "20.00")}}
	svc, _ := newTestService(src, nil, nil)
	ctx := context.Background()

	first, err := svc.Dashboard(ctx, 30)
	require.NoError(t, err)
	second, err := svc.Dashboard(ctx, 30)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), src.calls.Load())
	assert.Equal(t, 1, first.Current.TotalTransactions)
}

func TestDashboardRejectsBadPeriod(t *testing.T) {
	svc, _ := newTestService(&fakeSource{}, nil, nil)
	_, err := svc.Dashboard(context.Background(), 0)
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = svc.Cashier(context.Background(), "", 7)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestConcurrentMissesCollapse(t *testing.T) {
	src := &fakeSource{gate: make(chan struct{}), txs: []domain.Transaction{sale("c1", "5.00")}}
	svc, _ := newTestService(src, nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = svc.Dashboard(context.Background(), 7)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(src.gate)
	wg.Wait()

	assert.Equal(t, int32(1), src.calls.Load())
}

func TestTransactionChangedRefreshesCacheAndSkipsIdlePush(t *testing.T) {
	src := &fakeSource{txs: []domain.Transaction{sale("c1", "20.00")}}
	pub := &recordingPublisher{interested: map[string]bool{broadcast.UserScope("c1"): true}}
	svc, _ := newTestService(src, pub, nil)
	ctx := context.Background()

	before, err := svc.Cashier(ctx, "c1", 30)
	require.NoError(t, err)
	assert.Equal(t, 1, before.Current.TotalTransactions)

	src.add(sale("c1", "35.00"))
	svc.TransactionChanged("c1")
	svc.Wait()

	after, err := svc.Cashier(ctx, "c1", 30)
	require.NoError(t, err)
	assert.Equal(t, 2, after.Current.TotalTransactions)

	events := pub.events()
	assert.Contains(t, events, "user:c1|"+EventCashier)
	for _, ev := range events {
		assert.NotEqual(t, "role:admin|"+EventDashboard, ev, "admin scope has no subscribers")
	}
}

func TestRefreshAllDropsOverlappingRun(t *testing.T) {
	src := &fakeSource{gate: make(chan struct{}), enter: make(chan struct{}, 1), txs: []domain.Transaction{sale("c1", "1.00")}}
	svc, mem := newTestService(src, nil, nil)

	done := make(chan error, 1)
	go func() { done <- svc.RefreshAll(context.Background()) }()
	<-src.enter

	err := svc.RefreshAll(context.Background())
	assert.ErrorIs(t, err, ErrRefreshInFlight)

	close(src.gate)
	require.NoError(t, <-done)

	_, ok, _ := mem.Get(context.Background(), keyFor("", 30))
	assert.True(t, ok, "store scope warmed")
	_, ok, _ = mem.Get(context.Background(), keyFor("c1", 1))
	assert.True(t, ok, "cashier scope warmed")
}

type heldLock struct{}

func (heldLock) TryLock(context.Context, string, time.Duration) (func(), error) {
	return nil, lock.ErrNotObtained
}

func TestRefreshAllSkipsWhenAnotherInstanceHoldsLock(t *testing.T) {
	src := &fakeSource{}
	svc, _ := newTestService(src, nil, heldLock{})
	err := svc.RefreshAll(context.Background())
	assert.True(t, errors.Is(err, ErrRefreshInFlight))
	assert.Equal(t, int32(0), src.calls.Load())
}

func TestRunStopsOnCancel(t *testing.T) {
	svc, _ := newTestService(&fakeSource{}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not stop")
	}
}

func TestTransactionChangedInvalidatesColdPeriods(t *testing.T) {
	src := &fakeSource{}
	svc, _ := newTestService(src, nil, nil)
	ctx := context.Background()

	before, err := svc.Dashboard(ctx, 14)
	require.NoError(t, err)
	assert.Equal(t, 0, before.Current.TotalTransactions)
	mine, err := svc.Cashier(ctx, "c1", 14)
	require.NoError(t, err)
	assert.Equal(t, 0, mine.Current.TotalTransactions)

	src.add(sale("c1", "20.00"))
	svc.TransactionChanged("c1")
	svc.Wait()

	after, err := svc.Dashboard(ctx, 14)
	require.NoError(t, err)
	assert.Equal(t, 1, after.Current.TotalTransactions)
	mine, err = svc.Cashier(ctx, "c1", 14)
	require.NoError(t, err)
	assert.Equal(t, 1, mine.Current.TotalTransactions)
}

func TestSlowReadDoesNotOverwriteNewerSnapshot(t *testing.T) {
	src := &fakeSource{
		txs:    []domain.Transaction{sale("c1", "20.00")},
		loaded: make(chan struct{}),
		resume: make(chan struct{}),
	}
	svc, mem := newTestService(src, nil, nil)
	ctx := context.Background()

	done := make(chan domain.AnalyticsSnapshot, 1)
	go func() {
		snapshot, _ := svc.Dashboard(ctx, 30)
		done <- snapshot
	}()
	<-src.loaded

	src.add(sale("c2", "35.00"))
	svc.TransactionChanged("c2")
	svc.Wait()

	close(src.resume)
	slow := <-done
	assert.Equal(t, 1, slow.Current.TotalTransactions)

	entry, ok, err := mem.Get(ctx, keyFor("", 30))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, entry.Data.Current.TotalTransactions)
}

func TestOlderRefreshDoesNotOverwriteNewerOne(t *testing.T) {
	src := &fakeSource{loaded: make(chan struct{}), resume: make(chan struct{})}
	pub := &recordingPublisher{interested: map[string]bool{broadcast.RoleScope(domain.RoleAdmin): true}}
	mem := cache.NewMemoryCache(0)
	svc := New(src, mem, pub, nil, Config{TTL: time.Hour, WarmPeriods: []int{30}}, nil)
	svc.now = func() time.Time { return fixedNow }
	ctx := context.Background()

	src.add(sale("c1", "20.00"))
	svc.TransactionChanged("")
	<-src.loaded

	src.add(sale("c2", "35.00"))
	svc.TransactionChanged("")
	require.Eventually(t, func() bool {
		entry, ok, _ := mem.Get(ctx, keyFor("", 30))
		return ok && entry.Data.Current.TotalTransactions == 2
	}, 2*time.Second, 5*time.Millisecond)

	close(src.resume)
	svc.Wait()

	entry, ok, err := mem.Get(ctx, keyFor("", 30))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, entry.Data.Current.TotalTransactions)
	last, ok := pub.lastSnapshot()
	require.True(t, ok)
	assert.Equal(t, 2, last.Current.TotalTransactions)
}

func TestCloseStopsAcceptingChanges(t *testing.T) {
	src := &fakeSource{}
	svc, _ := newTestService(src, nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			svc.TransactionChanged("c1")
		}()
	}
	svc.Close()
	wg.Wait()
	svc.Wait()

	calls := src.calls.Load()
	svc.TransactionChanged("c1")
	svc.Wait()
	assert.Equal(t, calls, src.calls.Load())
}
