package daemon

import (
	"context"
	"errors"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/realtime"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/session"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	chatsync "github.com/matheus3301/chatsync/internal/sync"
	"github.com/matheus3301/chatsync/internal/viewmodel"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	Config      *config.Config
	SocketPath  string // optional override for testing; empty = use default
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideRemote,
			provideReconciler,
			provideRealtime,
			provideSender,
			provideViews,
			provideScheduler,
			provideChatService,
			provideMessageService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
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

// provideStore takes the lock as a dependency so the store is never opened
// by a second daemon.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.StorePath(p.SessionName)
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
	if n, err := db.RepairPins(context.Background()); err != nil {
		logger.Warn("pin repair failed", zap.Error(err))
	} else if n > 0 {
		logger.Warn("unpinned chats over the pin limit", zap.Int64("unpinned", n))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideRemote(p Params, logger *zap.Logger) *remote.Client {
	cfg := p.Config
	return remote.New(remote.Options{
		BaseURL: cfg.APIBaseURL,
		Token:   cfg.APIToken,
		Timeout: cfg.RequestTimeoutDuration(),
	}, logger)
}

func provideReconciler(p Params, db *store.DB, rc *remote.Client, b *bus.Bus, m *status.Machine, logger *zap.Logger) *chatsync.Reconciler {
	return chatsync.NewReconciler(db, rc, nil, b, m, logger, chatsync.Options{
		ViewerID: p.Config.ViewerID,
		PageSize: p.Config.PageSize,
	})
}

// provideRealtime returns nil when no realtime URL is configured; the daemon
// then relies on scheduled syncs alone.
func provideRealtime(p Params, rec *chatsync.Reconciler, b *bus.Bus, logger *zap.Logger) *realtime.Client {
	if p.Config.RealtimeURL == "" {
		logger.Info("realtime disabled: no realtime_url configured")
		return nil
	}
	rt := realtime.New(realtime.Options{URL: p.Config.RealtimeURL, Token: p.Config.APIToken}, rec, b, logger)
	rec.SetChannel(rt)
	return rt
}

func provideSender(p Params, db *store.DB, rc *remote.Client, b *bus.Bus, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, rc, b, logger, p.Config.ViewerID)
}

func provideViews(p Params, db *store.DB, rec *chatsync.Reconciler, b *bus.Bus, logger *zap.Logger) *viewmodel.Views {
	return viewmodel.NewViews(db, rec, rec, b, logger, p.Config.ReadDelayDuration())
}

func provideScheduler(p Params, logger *zap.Logger) *Scheduler {
	return NewScheduler(p.Config.SyncSchedule, logger)
}

func provideChatService(p Params, db *store.DB, views *viewmodel.Views, rec *chatsync.Reconciler, sender *outbox.Sender, m *status.Machine, b *bus.Bus, rt *realtime.Client) *api.ChatService {
	var conn api.Connectivity
	if rt != nil {
		conn = rt
	}
	return api.NewChatService(p.SessionName, db, views, rec, sender, m, b, conn)
}

func provideMessageService(db *store.DB, views *viewmodel.Views, sender *outbox.Sender) *api.MessageService {
	return api.NewMessageService(db, views, sender)
}

type lifecycleParams struct {
	fx.In

	Srv       *Server
	Lock      *lock.Lock
	DB        *store.DB
	Rec       *chatsync.Reconciler
	RT        *realtime.Client
	Views     *viewmodel.Views
	Scheduler *Scheduler
	Machine   *status.Machine
	Bus       *bus.Bus
	Logger    *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, lp lifecycleParams) {
	ctx, cancel := context.WithCancel(context.Background())
	logger := lp.Logger

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			lp.Views.Chats.Start(ctx)

			go func() {
				if err := lp.Srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			// The first sync runs in the background; the cached list is
			// served meanwhile.
			go func() {
				if err := lp.Rec.SyncChats(ctx); err != nil && ctx.Err() == nil {
					logger.Warn("initial sync failed, serving cache", zap.Error(err))
				}
			}()

			if lp.RT != nil {
				go watchRealtime(ctx, lp.Bus, lp.Rec, lp.Machine, logger)
				go func() {
					if err := lp.RT.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
						logger.Error("realtime stopped", zap.Error(err))
					}
				}()
			}

			return lp.Scheduler.Start(ctx, lp.Rec)
		},
		OnStop: func(stopCtx context.Context) error {
			lp.Scheduler.Stop(stopCtx)
			cancel()
			lp.Views.CloseAll()
			lp.Rec.Wait()
			lp.Srv.Stop(stopCtx)
			if err := lp.DB.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lp.Lock.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}

// watchRealtime maps realtime connectivity to the state machine. After a
// reconnect the chat list and the open chat's latest page are re-fetched to
// cover pushes missed while disconnected.
func watchRealtime(ctx context.Context, b *bus.Bus, rec *chatsync.Reconciler, m *status.Machine, logger *zap.Logger) {
	ch, unsub := b.Subscribe("realtime.", 16)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			switch evt.Kind {
			case realtime.KindDisconnected:
				if _, err := m.TransitionFrom(status.Ready, status.Reconnecting); err != nil {
					logger.Warn("state change failed", zap.Error(err))
				}
			case realtime.KindConnected:
				if err := rec.SyncChats(ctx); err != nil && ctx.Err() == nil {
					logger.Warn("resync after reconnect failed", zap.Error(err))
				}
				if active := rec.Active(); active != 0 {
					if _, err := rec.FetchPage(ctx, active, 0); err != nil && ctx.Err() == nil {
						logger.Warn("catch-up fetch failed", zap.Int64("chat_id", active), zap.Error(err))
					}
				}
			}
		case <-ctx.Done():
			return
		}
	}
}
