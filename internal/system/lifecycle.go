package system

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/KevinKickass/OpenPrintCore/internal/api/rest"
	"github.com/KevinKickass/OpenPrintCore/internal/api/websocket"
	"github.com/KevinKickass/OpenPrintCore/internal/config"
	"github.com/KevinKickass/OpenPrintCore/internal/dispatch"
	"github.com/KevinKickass/OpenPrintCore/internal/interfaces"
	"github.com/KevinKickass/OpenPrintCore/internal/job"
	"github.com/KevinKickass/OpenPrintCore/internal/presence"
	"github.com/KevinKickass/OpenPrintCore/internal/queue"
	"github.com/KevinKickass/OpenPrintCore/internal/storage"
	"github.com/KevinKickass/OpenPrintCore/internal/transport"
	"github.com/WatchBeam/clock"
	"go.uber.org/zap"
)

// LifecycleManager wires the components together and owns startup and
// shutdown order: storage, broker, presence, dispatcher, REST.
type LifecycleManager struct {
	config     *config.Config
	storage    storage.Store
	broker     transport.Broker
	wsHub      *websocket.Hub
	tracker    *presence.Tracker
	queues     *queue.Manager
	controller *job.Controller
	validator  *job.Validator
	dispatcher *dispatch.Dispatcher
	logger     *zap.Logger

	restServer *rest.Server

	stateMu      sync.RWMutex
	currentState SystemState

	runCtx    context.Context
	runCancel context.CancelFunc

	shutdownChan chan struct{}
	shutdownOnce sync.Once
}

func NewLifecycleManager(
	store storage.Store,
	broker transport.Broker,
	cfg *config.Config,
	logger *zap.Logger,
) (*LifecycleManager, error) {
	validator, err := job.NewValidator()
	if err != nil {
		return nil, fmt.Errorf("failed to build submission validator: %w", err)
	}

	clk := clock.C
	wsHub := websocket.NewHub(logger)
	tracker := presence.NewTracker(clk, cfg.Dispatch.OfflineAfter, logger)
	queues := queue.NewManager(store, logger)
	controller := job.NewController(store, wsHub, cfg.Dispatch.MaxLifetimeRetries, logger)
	direct := transport.NewDirectDeliverer(0, logger)

	dispatcher := dispatch.New(store, queues, controller, tracker, broker, direct, clk, cfg.Dispatch, wsHub, logger)

	return &LifecycleManager{
		config:       cfg,
		storage:      store,
		broker:       broker,
		wsHub:        wsHub,
		tracker:      tracker,
		queues:       queues,
		controller:   controller,
		validator:    validator,
		dispatcher:   dispatcher,
		logger:       logger,
		currentState: StateInitializing,
		shutdownChan: make(chan struct{}),
	}, nil
}

func (lm *LifecycleManager) Config() *config.Config           { return lm.config }
func (lm *LifecycleManager) Storage() storage.Store           { return lm.storage }
func (lm *LifecycleManager) Dispatcher() *dispatch.Dispatcher { return lm.dispatcher }
func (lm *LifecycleManager) Presence() *presence.Tracker      { return lm.tracker }
func (lm *LifecycleManager) Validator() *job.Validator        { return lm.validator }

// Start starts the entire system
func (lm *LifecycleManager) Start() error {
	lm.logger.Info("Starting OpenPrintCore")

	lm.setState(StateInitializing)

	lm.runCtx, lm.runCancel = context.WithCancel(context.Background())

	go lm.wsHub.Run()

	if runner, ok := lm.broker.(interface{ Run(context.Context) }); ok {
		go runner.Run(lm.runCtx)
	}

	go lm.tracker.Run(lm.runCtx)

	if err := lm.dispatcher.Start(lm.runCtx); err != nil {
		lm.setState(StateError)
		return fmt.Errorf("failed to start dispatcher: %w", err)
	}

	if err := lm.startRESTServer(); err != nil {
		lm.setState(StateError)
		return fmt.Errorf("failed to start REST API: %w", err)
	}

	lm.setState(StateRunning)

	lm.logger.Info("System started successfully",
		zap.Int("http_port", lm.config.Server.HTTPPort))

	return nil
}

func (lm *LifecycleManager) startRESTServer() error {
	lm.restServer = rest.NewServer(lm.config, lm, lm.logger, lm.wsHub)
	return lm.restServer.Start()
}

func (lm *LifecycleManager) GetCurrentStatus() interfaces.SystemStatus {
	lm.stateMu.RLock()
	state := lm.currentState
	lm.stateMu.RUnlock()

	status := interfaces.SystemStatus{State: state.String()}

	devices, err := lm.storage.ListDevices(context.Background())
	if err != nil {
		lm.logger.Warn("Failed to list devices for status", zap.Error(err))
		return status
	}

	status.DeviceCount = len(devices)
	for _, device := range devices {
		if lm.tracker.IsOnline(device.ID) {
			status.OnlineDevices++
		}
	}

	return status
}

func (lm *LifecycleManager) setState(next SystemState) {
	lm.stateMu.Lock()
	defer lm.stateMu.Unlock()

	if err := ValidateTransition(lm.currentState, next); err != nil {
		lm.logger.Warn("Forcing system state transition", zap.Error(err))
	}
	lm.currentState = next
}

// Shutdown gracefully shuts down the system
func (lm *LifecycleManager) Shutdown(ctx context.Context) error {
	var shutdownErr error

	lm.shutdownOnce.Do(func() {
		lm.logger.Info("Shutting down system")

		lm.setState(StateStopping)

		shutdownErr = lm.gracefulShutdown(ctx)

		lm.setState(StateStopped)
		close(lm.shutdownChan)
	})

	return shutdownErr
}

func (lm *LifecycleManager) gracefulShutdown(ctx context.Context) error {
	// 1. REST first so no new jobs arrive mid-stop.
	if lm.restServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		if err := lm.restServer.Shutdown(shutdownCtx); err != nil {
			lm.logger.Error("REST API shutdown failed", zap.Error(err))
		}
	}

	// 2. Dispatcher drains its workers. In-flight jobs stay claimed in
	// the store and are recovered on the next start.
	lm.dispatcher.Stop()

	// 3. Background loops (broker, presence sweeper).
	if lm.runCancel != nil {
		lm.runCancel()
	}

	if err := lm.broker.Close(); err != nil {
		lm.logger.Warn("Broker close failed", zap.Error(err))
	}

	lm.logger.Info("Shutdown complete")
	return nil
}
