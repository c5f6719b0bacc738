package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"

	"kasirinaja/retailpos/internal/broadcast"
	"kasirinaja/retailpos/internal/cache"
	"kasirinaja/retailpos/internal/config"
	"kasirinaja/retailpos/internal/dashboard"
	"kasirinaja/retailpos/internal/domain"
	"kasirinaja/retailpos/internal/httpapi"
	"kasirinaja/retailpos/internal/lock"
	"kasirinaja/retailpos/internal/logging"
	"kasirinaja/retailpos/internal/service"
	"kasirinaja/retailpos/internal/stock"
	"kasirinaja/retailpos/internal/store"
	"kasirinaja/retailpos/internal/store/memory"
	pgstore "kasirinaja/retailpos/internal/store/postgres"
	"kasirinaja/retailpos/internal/txnumber"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel)
	if err := validateSecurityConfig(cfg); err != nil {
		logger.WithError(err).Fatal("invalid security configuration")
	}
	log := logging.Component(logger, "main")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 4)
	health := map[string]httpapi.HealthCheck{}

	if cfg.DatabaseURL != "" {
		if cfg.DBMigrate {
			if err := pgstore.Migrate(cfg.DatabaseURL); err != nil {
				log.WithError(err).Fatal("database migration failed")
			}
			log.Info("database schema up to date")
		}
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.WithError(err).Fatal("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback")
		}
		repo = pg
		closers = append(closers, pg.Close)
		health["database"] = pg.Ping
		if err := seedAccounts(ctx, pg, log); err != nil {
			log.WithError(err).Warn("seeding user accounts failed")
		}
		log.Info("repository: postgres")
	} else {
		repo = memory.NewSeeded()
		log.Info("repository: in-memory")
	}

	var snapshots cache.SnapshotCache
	var locker lock.Locker = lock.Local{}
	if cfg.RedisAddr != "" {
		client := cache.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		redisCache := cache.NewRedisSnapshotCache(client, "")
		if err := redisCache.Ping(ctx); err != nil {
			log.WithError(err).Warn("redis unavailable, using in-process analytics cache")
			_ = client.Close()
		} else {
			snapshots = redisCache
			locker = lock.NewRedis(client)
			closers = append(closers, client.Close)
			health["redis"] = redisCache.Ping
			log.Info("analytics cache: redis")
		}
	}
	if snapshots == nil {
		memCache := cache.NewMemoryCache(time.Minute)
		snapshots = memCache
		closers = append(closers, memCache.Close)
		log.Info("analytics cache: memory")
	}

	hub := broadcast.NewHub(32, logging.Component(logger, "broadcast"))
	var publisher dashboard.Publisher = hub
	if cfg.NATSURL != "" {
		conn, err := broadcast.ConnectNATS(cfg.NATSURL, "retailpos", logging.Component(logger, "nats"))
		if err != nil {
			log.WithError(err).Warn("nats unavailable, pushing to local subscribers only")
		} else {
			natsPublisher := broadcast.NewNATSPublisher(conn)
			publisher = broadcast.Fanout{hub, natsPublisher}
			closers = append(closers, natsPublisher.Close)
			log.Info("analytics push: local + nats")
		}
	}

	base := logrus.NewEntry(logger)
	dash := dashboard.New(repo, snapshots, publisher, locker, dashboard.Config{
		TTL:             cfg.AnalyticsCacheTTL(),
		WarmPeriods:     cfg.AnalyticsWarmPeriods,
		RefreshInterval: cfg.AnalyticsRefreshInterval(),
		LockTTL:         time.Minute,
		Location:        cfg.Location(),
	}, base)

	ledger := stock.NewLedger(repo, logging.Component(logger, "stock"))
	numbers := txnumber.New(repo, cfg.Location(),
		txnumber.WithMaxAttempts(cfg.TxnNumberMaxAttempts),
		txnumber.WithLogger(logging.Component(logger, "txnumber")),
	)
	svc := service.New(repo, ledger, numbers, dash, cfg.StoreID, base)
	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, cfg.ManagerPIN, repo, logging.Component(logger, "auth"))
	api := httpapi.New(svc, dash, hub, auth, httpapi.Options{
		AllowedOrigin: cfg.AllowedOrigin,
		Location:      cfg.Location(),
		Health:        health,
		Log:           logging.Component(logger, "http"),
	})

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	runCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, groupCtx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		log.WithField("addr", cfg.Address()).Info("POS backend listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return dash.Run(groupCtx)
	})
	g.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.WithError(err).Error("server stopped with error")
	}
	dash.Close()

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.WithError(err).Warn("close error")
		}
	}
	log.Info("server stopped")
}

type accountStore interface {
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	CreateUser(ctx context.Context, user domain.UserAccount) error
}

// seedAccounts creates the admin and cashier logins on an empty user table
// from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD. Unset variables create
// nothing.
func seedAccounts(ctx context.Context, users accountStore, log *logrus.Entry) error {
	existing, err := users.ListUsers(ctx)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}

	seeds := []struct {
		env      string
		username string
		name     string
		role     string
	}{
		{"SEED_ADMIN_PASSWORD", "admin", "Store Admin", domain.RoleAdmin},
		{"SEED_CASHIER_PASSWORD", "cashier", "Front Cashier", domain.RoleCashier},
	}
	created := 0
	for _, seed := range seeds {
		password := strings.TrimSpace(os.Getenv(seed.env))
		if password == "" {
			continue
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return err
		}
		err = users.CreateUser(ctx, domain.UserAccount{
			Username:    seed.username,
			DisplayName: seed.name,
			Password:    string(hash),
			Role:        seed.role,
			Active:      true,
		})
		if err != nil && !errors.Is(err, domain.ErrDuplicate) {
			return fmt.Errorf("create %s: %w", seed.username, err)
		}
		created++
	}
	if created == 0 {
		log.Warn("user table is empty and no seed passwords are set; nobody can log in")
	}
	return nil
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if len(cfg.ManagerPIN) < 6 {
		return fmt.Errorf("MANAGER_PIN must be set and at least 6 digits")
	}
	if err := validatePINStrength(cfg.ManagerPIN); err != nil {
		return fmt.Errorf("MANAGER_PIN is too weak: %w", err)
	}
	return nil
}

// validatePINStrength rejects PINs that are all the same digit, sequential
// in either direction, or on a known-weak list.
func validatePINStrength(pin string) error {
	known := map[string]bool{
		"123456": true, "654321": true, "000000": true, "111111": true,
		"121212": true, "112233": true, "123123": true, "159753": true,
	}
	if known[pin] {
		return fmt.Errorf("common PIN not allowed")
	}

	allSame := true
	for i := 1; i < len(pin); i++ {
		if pin[i] != pin[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return fmt.Errorf("all-same-digit PIN not allowed")
	}

	ascending, descending := true, true
	for i := 1; i < len(pin); i++ {
		diff := int(pin[i]) - int(pin[i-1])
		if diff != 1 {
			ascending = false
		}
		if diff != -1 {
			descending = false
		}
	}
	if ascending || descending {
		return fmt.Errorf("sequential PIN not allowed")
	}
	return nil
}
