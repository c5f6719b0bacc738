// Package dashboard serves cached analytics snapshots and keeps them fresh
// as transactions change.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"kasirinaja/retailpos/internal/analytics"
	"kasirinaja/retailpos/internal/broadcast"
	"kasirinaja/retailpos/internal/cache"
	"kasirinaja/retailpos/internal/domain"
	"kasirinaja/retailpos/internal/lock"
	"kasirinaja/retailpos/internal/metrics"
)

const (
	EventDashboard = "analytics.dashboard"
	EventCashier   = "analytics.cashier"

	refreshLockName = "analytics-refresh"
	asyncTimeout    = 30 * time.Second
)

// ErrRefreshInFlight is returned by RefreshAll when another full refresh,
// local or on another instance, already holds the guard.
var ErrRefreshInFlight = errors.New("analytics refresh already running")

type Source interface {
	ListTransactions(ctx context.Context, filter domain.TransactionFilter) ([]domain.Transaction, error)
	ListProducts(ctx context.Context) ([]domain.Product, error)
}

type Publisher interface {
	Publish(ctx context.Context, scope string, event string, payload any) error
	HasSubscribers(scope string) bool
}

type Config struct {
	TTL             time.Duration
	WarmPeriods     []int
	RefreshInterval time.Duration
	LockTTL         time.Duration
	Location        *time.Location
}

type Service struct {
	source    Source
	cache     cache.SnapshotCache
	publisher Publisher
	locker    lock.Locker
	cfg       Config
	log       *logrus.Entry
	now       func() time.Time

	group      singleflight.Group
	refreshing atomic.Bool
	warm       map[int]bool

	// changes numbers TransactionChanged calls. A snapshot is stamped with the
	// number read before its history was loaded and is only written when no
	// later change touched its scope and no newer write landed for its key.
	changes atomic.Uint64
	writeMu sync.Mutex
	written map[cache.Key]uint64
	floor   map[string]uint64

	lifecycle sync.Mutex
	closed    bool
	pending   sync.WaitGroup
}

func New(source Source, snapshots cache.SnapshotCache, publisher Publisher, locker lock.Locker, cfg Config, log *logrus.Entry) *Service {
	if snapshots == nil {
		snapshots = cache.NoopSnapshotCache{}
	}
	if locker == nil {
		locker = lock.Local{}
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	if len(cfg.WarmPeriods) == 0 {
		cfg.WarmPeriods = []int{1, 7, 30}
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 5 * time.Minute
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = time.Minute
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	warm := make(map[int]bool, len(cfg.WarmPeriods))
	for _, p := range cfg.WarmPeriods {
		warm[p] = true
	}
	return &Service{
		source:    source,
		cache:     snapshots,
		publisher: publisher,
		locker:    locker,
		cfg:       cfg,
		log:       log.WithField("component", "dashboard"),
		now:       time.Now,
		warm:      warm,
		written:   map[cache.Key]uint64{},
		floor:     map[string]uint64{},
	}
}

func (s *Service) Dashboard(ctx context.Context, periodDays int) (domain.AnalyticsSnapshot, error) {
	return s.read(ctx, "", periodDays)
}

func (s *Service) Cashier(ctx context.Context, cashierID string, periodDays int) (domain.AnalyticsSnapshot, error) {
	if cashierID == "" {
		return domain.AnalyticsSnapshot{}, fmt.Errorf("%w: cashier id is required", domain.ErrValidation)
	}
	return s.read(ctx, cashierID, periodDays)
}

func (s *Service) read(ctx context.Context, cashierID string, periodDays int) (domain.AnalyticsSnapshot, error) {
	if periodDays < 1 || periodDays > analytics.MaxPeriodDays {
		return domain.AnalyticsSnapshot{}, fmt.Errorf("%w: period must be between 1 and %d days", domain.ErrValidation, analytics.MaxPeriodDays)
	}
	key := keyFor(cashierID, periodDays)

	entry, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		s.log.WithField("key", key.String()).WithError(err).Warn("analytics cache read failed")
	}
	if ok {
		metrics.AnalyticsCache.WithLabelValues("hit").Inc()
		return entry.Data, nil
	}
	metrics.AnalyticsCache.WithLabelValues("miss").Inc()

	v, err, _ := s.group.Do(key.String(), func() (any, error) {
		snapshot, seq, err := s.recompute(context.WithoutCancel(ctx), cashierID, periodDays)
		if err != nil {
			return nil, err
		}
		s.commit(context.WithoutCancel(ctx), snapshot, seq, false)
		return snapshot, nil
	})
	if err != nil {
		return domain.AnalyticsSnapshot{}, err
	}
	return v.(domain.AnalyticsSnapshot), nil
}

// TransactionChanged recomputes the store scope and the cashier's scope for
// every warm period in the background and pushes the results. Cached cold
// periods of those scopes are expired so the next read recomputes them.
// Calls after Close are ignored.
func (s *Service) TransactionChanged(cashierID string) {
	s.lifecycle.Lock()
	if s.closed {
		s.lifecycle.Unlock()
		s.log.WithField("cashier_id", cashierID).Debug("dashboard closed, change ignored")
		return
	}
	s.pending.Add(1)
	s.lifecycle.Unlock()

	cold := s.invalidate(cashierID)
	go func() {
		defer s.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), asyncTimeout)
		defer cancel()

		for _, key := range cold {
			if err := s.cache.Expire(ctx, key); err != nil {
				s.log.WithField("key", key.String()).WithError(err).Warn("analytics cache expire failed")
			}
		}
		for _, period := range s.cfg.WarmPeriods {
			if err := s.refreshScope(ctx, "", period); err != nil {
				s.log.WithField("period", period).WithError(err).Warn("store analytics refresh failed")
			}
			if cashierID == "" {
				continue
			}
			if err := s.refreshScope(ctx, cashierID, period); err != nil {
				s.log.WithFields(logrus.Fields{"period": period, "cashier_id": cashierID}).WithError(err).Warn("cashier analytics refresh failed")
			}
		}
	}()
}

// Wait blocks until background refreshes started by TransactionChanged finish.
// It must not race with new TransactionChanged calls; use Close on shutdown.
func (s *Service) Wait() {
	s.pending.Wait()
}

// Close stops accepting change notifications and waits for the running ones.
func (s *Service) Close() {
	s.lifecycle.Lock()
	s.closed = true
	s.lifecycle.Unlock()
	s.pending.Wait()
}

// invalidate records a change for the store scope and cashierID's scope and
// returns their cached keys outside the warm set.
func (s *Service) invalidate(cashierID string) []cache.Key {
	scopes := []string{domain.ScopeStore}
	if cashierID != "" {
		scopes = append(scopes, domain.CashierScope(cashierID))
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	seq := s.changes.Add(1)
	var cold []cache.Key
	for _, scope := range scopes {
		s.floor[scope] = seq
	}
	for key := range s.written {
		if s.warm[key.PeriodDays] {
			continue
		}
		for _, scope := range scopes {
			if key.Scope == scope {
				cold = append(cold, key)
			}
		}
	}
	return cold
}

// RefreshAll recomputes every warm window for the store and for each cashier
// seen in that history. Overlapping calls are dropped with ErrRefreshInFlight.
func (s *Service) RefreshAll(ctx context.Context) error {
	if !s.refreshing.CompareAndSwap(false, true) {
		metrics.AnalyticsRefresh.WithLabelValues("skipped").Inc()
		return ErrRefreshInFlight
	}
	defer s.refreshing.Store(false)

	release, err := s.locker.TryLock(ctx, refreshLockName, s.cfg.LockTTL)
	switch {
	case errors.Is(err, lock.ErrNotObtained):
		metrics.AnalyticsRefresh.WithLabelValues("skipped").Inc()
		return ErrRefreshInFlight
	case err != nil:
		s.log.WithError(err).Warn("refresh lock unavailable; proceeding without it")
	default:
		defer release()
	}

	seq := s.changes.Load()
	now := s.now()
	longest := 0
	for _, p := range s.cfg.WarmPeriods {
		longest = max(longest, p)
	}
	history, categories, err := s.load(ctx, "", now, longest)
	if err != nil {
		metrics.AnalyticsRefresh.WithLabelValues("error").Inc()
		return err
	}

	cashiers := map[string]struct{}{}
	for _, tx := range history {
		if tx.CashierID != "" {
			cashiers[tx.CashierID] = struct{}{}
		}
	}

	for _, period := range s.cfg.WarmPeriods {
		s.commit(ctx, s.build(history, categories, "", now, period), seq, true)
		for cashierID := range cashiers {
			s.commit(ctx, s.build(history, categories, cashierID, now, period), seq, true)
		}
	}
	metrics.AnalyticsRefresh.WithLabelValues("ok").Inc()
	return nil
}

// Run refreshes once and then on every tick until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		if err := s.RefreshAll(ctx); err != nil && !errors.Is(err, ErrRefreshInFlight) {
			s.log.WithError(err).Error("scheduled analytics refresh failed")
		}
		select {
		case <-ctx.Done():
			s.Close()
			return nil
		case <-ticker.C:
		}
	}
}

func (s *Service) refreshScope(ctx context.Context, cashierID string, period int) error {
	snapshot, seq, err := s.recompute(ctx, cashierID, period)
	if err != nil {
		return err
	}
	s.commit(ctx, snapshot, seq, true)
	return nil
}

// recompute returns a fresh snapshot and the change number it reflects.
func (s *Service) recompute(ctx context.Context, cashierID string, period int) (domain.AnalyticsSnapshot, uint64, error) {
	seq := s.changes.Load()
	now := s.now()
	history, categories, err := s.load(ctx, cashierID, now, period)
	if err != nil {
		return domain.AnalyticsSnapshot{}, 0, err
	}
	return s.build(history, categories, cashierID, now, period), seq, nil
}

// commit caches snapshot, and pushes it when push is set, unless it was
// superseded. Writes are serialized so pushes leave in cache order.
func (s *Service) commit(ctx context.Context, snapshot domain.AnalyticsSnapshot, seq uint64, push bool) bool {
	key := keyFor(snapshot.CashierID, snapshot.PeriodDays)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if seq < s.floor[key.Scope] || seq < s.written[key] {
		metrics.AnalyticsRefresh.WithLabelValues("superseded").Inc()
		s.log.WithField("key", key.String()).Debug("stale analytics snapshot discarded")
		return false
	}
	s.written[key] = seq
	s.store(ctx, key, snapshot)
	if push {
		s.push(ctx, snapshot)
	}
	return true
}

func (s *Service) load(ctx context.Context, cashierID string, now time.Time, period int) ([]domain.Transaction, map[string]string, error) {
	history, err := s.source.ListTransactions(ctx, domain.TransactionFilter{
		From:      analytics.HistoryStart(now, period, s.cfg.Location),
		CashierID: cashierID,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("load transactions: %w", err)
	}
	products, err := s.source.ListProducts(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("load products: %w", err)
	}
	categories := make(map[string]string, len(products))
	for _, p := range products {
		categories[p.ID] = p.Category
	}
	return history, categories, nil
}

func (s *Service) build(history []domain.Transaction, categories map[string]string, cashierID string, now time.Time, period int) domain.AnalyticsSnapshot {
	report := domain.ReportDashboard
	if cashierID != "" {
		report = domain.ReportCashier
	}
	started := time.Now()
	snapshot := analytics.Compute(analytics.Input{
		Now:          now,
		PeriodDays:   period,
		Location:     s.cfg.Location,
		CashierID:    cashierID,
		Transactions: history,
		Categories:   categories,
	})
	metrics.AnalyticsCompute.WithLabelValues(report).Observe(time.Since(started).Seconds())
	return snapshot
}

func (s *Service) store(ctx context.Context, key cache.Key, snapshot domain.AnalyticsSnapshot) {
	err := s.cache.Set(ctx, key, cache.Entry{
		Data:       snapshot,
		ComputedAt: snapshot.ComputedAt,
		ExpiresAt:  snapshot.ComputedAt.Add(s.cfg.TTL),
	})
	if err != nil {
		s.log.WithField("key", key.String()).WithError(err).Warn("analytics cache write failed")
	}
}

func (s *Service) push(ctx context.Context, snapshot domain.AnalyticsSnapshot) {
	if s.publisher == nil {
		return
	}
	scope, event := broadcast.RoleScope(domain.RoleAdmin), EventDashboard
	if snapshot.CashierID != "" {
		scope, event = broadcast.UserScope(snapshot.CashierID), EventCashier
	}
	if !s.publisher.HasSubscribers(scope) {
		metrics.Pushes.WithLabelValues("skipped").Inc()
		return
	}
	if err := s.publisher.Publish(ctx, scope, event, snapshot); err != nil {
		metrics.Pushes.WithLabelValues("error").Inc()
		s.log.WithField("scope", scope).WithError(err).Warn("analytics push failed")
	}
}

func keyFor(cashierID string, period int) cache.Key {
	if cashierID == "" {
		return cache.Key{Kind: domain.ReportDashboard, PeriodDays: period, Scope: domain.ScopeStore}
	}
	return cache.Key{Kind: domain.ReportCashier, PeriodDays: period, Scope: domain.CashierScope(cashierID)}
}
