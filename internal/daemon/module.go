package daemon

import (
	"context"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/vterra/chirp/internal/avatar"
	"github.com/vterra/chirp/internal/bus"
	"github.com/vterra/chirp/internal/config"
	"github.com/vterra/chirp/internal/conn"
	"github.com/vterra/chirp/internal/lock"
	"github.com/vterra/chirp/internal/logging"
	"github.com/vterra/chirp/internal/outbox"
	"github.com/vterra/chirp/internal/presence"
	"github.com/vterra/chirp/internal/rest"
	"github.com/vterra/chirp/internal/session"
	"github.com/vterra/chirp/internal/store"
	intsync "github.com/vterra/chirp/internal/sync"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideBus,
			provideLock,
			provideStore,
			provideTokens,
			provideManager,
			provideQueue,
			provideEngine,
			provideRESTClient,
			provideScheduler,
			provideTracker,
			provideAnnouncer,
			provideAvatarCache,
			providePrefetcher,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideConfig(p Params) (*config.Session, error) {
	return config.LoadSession(session.ConfigPath(p.SessionName))
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.SessionName)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideTokens(cfg *config.Session) conn.TokenSource {
	return conn.StaticToken(cfg.Server.Token)
}

func provideManager(cfg *config.Session, tokens conn.TokenSource, b *bus.Bus, logger *zap.Logger) *conn.Manager {
	attempts := cfg.Channel.MaxAttempts
	if attempts <= 0 {
		attempts = conn.DefaultBackoff.MaxAttempts
	}
	return conn.NewManager(conn.Config{
		URL:    cfg.Server.BaseURL + "/channel",
		SelfID: cfg.Server.UserID,
		Backoff: conn.BackoffPolicy{
			Base:        cfg.Channel.BackoffBase.Or(conn.DefaultBackoff.Base),
			Cap:         cfg.Channel.BackoffCap.Or(conn.DefaultBackoff.Cap),
			MaxAttempts: attempts,
		},
		Heartbeat: cfg.Channel.Heartbeat.Or(30 * time.Second),
	}, tokens, b, logger)
}

func provideQueue(db *store.DB, b *bus.Bus, mgr *conn.Manager, logger *zap.Logger) *outbox.Queue {
	return outbox.NewQueue(outbox.Config{}, db, b, mgr, logger)
}

func provideEngine(cfg *config.Session, db *store.DB, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(intsync.EngineConfig{
		SelfID:        cfg.Server.UserID,
		SweepInterval: cfg.Sync.SweepInterval.Or(0),
	}, db, b, logger)
}

func provideRESTClient(cfg *config.Session, tokens conn.TokenSource, logger *zap.Logger) (*rest.Client, error) {
	return rest.NewClient(rest.Config{BaseURL: cfg.Server.BaseURL}, tokens, logger)
}

func provideScheduler(client *rest.Client, cfg *config.Session, db *store.DB, b *bus.Bus, logger *zap.Logger) *intsync.Scheduler {
	return intsync.NewScheduler(client, db, b, cfg.Sync.PullInterval.Or(0), logger)
}

func provideTracker(cfg *config.Session, b *bus.Bus, logger *zap.Logger) *presence.Tracker {
	return presence.NewTracker(presence.Config{
		TypingTTL: cfg.Presence.TypingTTL.Or(0),
	}, b, logger)
}

func provideAnnouncer(cfg *config.Session, mgr *conn.Manager, logger *zap.Logger) *presence.Announcer {
	return presence.NewAnnouncer(presence.AnnouncerConfig{
		Debounce: cfg.Presence.Debounce.Or(0),
	}, mgr, logger)
}

func provideAvatarCache(db *store.DB, client *rest.Client, logger *zap.Logger) *avatar.Cache {
	return avatar.NewCache(avatar.Config{}, db, client, logger)
}

func providePrefetcher(c *avatar.Cache, b *bus.Bus, logger *zap.Logger) *avatar.Prefetcher {
	return avatar.NewPrefetcher(c, b, logger)
}

func registerLifecycle(
	lc fx.Lifecycle,
	lk *lock.Lock,
	mgr *conn.Manager,
	queue *outbox.Queue,
	engine *intsync.Engine,
	scheduler *intsync.Scheduler,
	tracker *presence.Tracker,
	announcer *presence.Announcer,
	prefetcher *avatar.Prefetcher,
	logger *zap.Logger,
) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Subscribers come up before the channel so nothing published
			// during connect is missed.
			if err := engine.Start(context.Background()); err != nil {
				return err
			}
			if err := tracker.Start(context.Background()); err != nil {
				return err
			}
			if err := queue.Start(context.Background()); err != nil {
				return err
			}
			if err := scheduler.Start(context.Background()); err != nil {
				return err
			}
			if err := prefetcher.Start(context.Background()); err != nil {
				return err
			}

			mgr.SetFallback(queue)
			if err := mgr.Start(context.Background()); err != nil {
				return err
			}
			logger.Info("daemon started")
			return nil
		},
		OnStop: func(_ context.Context) error {
			mgr.Stop()
			announcer.Close()
			prefetcher.Stop()
			scheduler.Stop()
			queue.Stop()
			tracker.Stop()
			engine.Stop()
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
