package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/harun/relay/internal/config"
	"github.com/harun/relay/internal/discord"
	"github.com/harun/relay/internal/logger"
	"github.com/harun/relay/internal/observability"
	"github.com/harun/relay/internal/slack"
	"github.com/harun/relay/internal/telegram"
	"github.com/harun/relay/internal/tracing"
	"github.com/harun/relay/internal/whatsapp"
	"github.com/harun/relay/pkg/admin"
	"github.com/harun/relay/pkg/agentapi"
	"github.com/harun/relay/pkg/attachments"
	"github.com/harun/relay/pkg/channels"
	"github.com/harun/relay/pkg/commandqueue"
	"github.com/harun/relay/pkg/cron"
	"github.com/harun/relay/pkg/inbound"
	"github.com/harun/relay/pkg/interactive"
	"github.com/harun/relay/pkg/outbound"
	"github.com/harun/relay/pkg/session"
	"github.com/harun/relay/pkg/store"
	"github.com/harun/relay/pkg/tasks"
	"github.com/harun/relay/pkg/transcription"
	"github.com/rs/zerolog"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const shutdownTimeout = 10 * time.Second

// Daemon is the relay service: connectors, pipeline and housekeeping.
type Daemon struct {
	config *config.Config
	logger *logger.Logger
	log    zerolog.Logger

	store    *store.Store
	manager  *channels.Manager
	pipeline *inbound.Pipeline
	bridge   *interactive.Bridge
	tasks    *tasks.Registry
	archiver *session.Archiver

	cronService *cron.Service
	adminServer *admin.Server
	seedWatcher *SeedWatcher
	lifecycle   *LifecycleManager

	tracingShutdown func(context.Context) error

	factories    map[channels.ChannelType]channels.Factory
	spanExporter sdktrace.SpanExporter
	version      string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.RWMutex
	running   bool
	startTime time.Time
}

// Option customizes a Daemon.
type Option func(*Daemon)

// WithFactory replaces the connector factory for channelType.
func WithFactory(channelType channels.ChannelType, factory channels.Factory) Option {
	return func(d *Daemon) { d.factories[channelType] = factory }
}

// WithSpanExporter exports spans when tracing is enabled.
func WithSpanExporter(exporter sdktrace.SpanExporter) Option {
	return func(d *Daemon) { d.spanExporter = exporter }
}

// WithVersion tags traces with the build version.
func WithVersion(version string) Option {
	return func(d *Daemon) { d.version = version }
}

// Status is a point-in-time view of the daemon.
type Status struct {
	Running   bool
	StartTime time.Time
	Uptime    time.Duration
}

// New wires every component from cfg. Nothing connects until Start.
func New(cfg *config.Config, log *logger.Logger, opts ...Option) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		config:    cfg,
		logger:    log,
		log:       log.Component("daemon"),
		factories: make(map[channels.ChannelType]channels.Factory),
		lifecycle: NewLifecycleManager(cfg.PIDFile()),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(d)
	}

	if err := d.initialize(); err != nil {
		d.release()
		cancel()
		return nil, err
	}
	return d, nil
}

func (d *Daemon) initialize() error {
	cfg := d.config
	zl := d.logger.GetZerolog()
	observability.EnsureRegistered()

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	if cfg.Tracing.Enabled {
		shutdown, err := tracing.Setup(d.ctx, tracing.Options{
			ServiceName:    cfg.Tracing.ServiceName,
			ServiceVersion: d.version,
			Exporter:       d.spanExporter,
		})
		if err != nil {
			d.log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without spans")
		} else {
			d.tracingShutdown = shutdown
		}
	}

	auditPath := filepath.Join(cfg.DataDir, "audit.log")
	if err := observability.InitAuditLogger(auditPath); err != nil {
		d.log.Warn().Err(err).Msg("Failed to initialize audit logger, using stderr")
	}

	st, err := store.Open(cfg.DatabasePath(), zl)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	d.store = st

	storage, err := attachments.NewStorage(cfg.Storage.Dir, zl)
	if err != nil {
		return fmt.Errorf("failed to create attachment storage: %w", err)
	}

	agent, err := agentapi.New(agentapi.Config{
		BaseURL:     cfg.Agent.BaseURL,
		Timeout:     cfg.Agent.Timeout(),
		MaxAttempts: cfg.Agent.MaxAttempts,
		Backoff:     cfg.Agent.Backoff(),
	}, zl)
	if err != nil {
		return fmt.Errorf("failed to create agent client: %w", err)
	}

	registry := channels.NewRegistry()
	if err := d.registerFactories(registry, zl); err != nil {
		return err
	}
	d.manager = channels.NewManager(channels.ManagerOptions{
		Store:    st,
		Messages: st,
		Registry: registry,
		Logger:   zl,
	})
	d.manager.Subscribe(channels.EventSinkFunc(d.onConnectionEvent))

	d.bridge = interactive.NewBridge(d.manager, zl, interactive.WithTTL(cfg.Interactive.TTL()))
	d.manager.SetInteractiveAnswerHandler(func(connectionID string, answer channels.InteractiveAnswer) {
		if !d.bridge.HandleButton(connectionID, answer) {
			d.log.Debug().Str("connection_id", connectionID).Str("tool_use_id", answer.ToolUseID).Msg("Button answer matched no pending question")
		}
	})

	d.tasks = tasks.NewRegistry(zl, cfg.Pipeline.TaskRetention)

	silent := make([]channels.ChannelType, 0, len(cfg.Pipeline.SilentNewChannels))
	for _, t := range cfg.Pipeline.SilentNewChannels {
		silent = append(silent, channels.ChannelType(t))
	}
	pipeline, err := inbound.New(inbound.Options{
		Conversations: st,
		Messages:      st,
		Sessions:      st,
		Storage:       storage,
		Transcriber: transcription.New(transcription.Config{
			APIKey:  cfg.Transcription.APIKey,
			BaseURL: cfg.Transcription.BaseURL,
			Model:   cfg.Transcription.Model,
		}, zl),
		Tasks:    d.tasks,
		Agent:    agent,
		Channels: d.manager,
		Bridge:   d.bridge,
		Resolver: outbound.NewResolver(storage, nil),
		Queue: commandqueue.New(commandqueue.Options{
			Name:     "inbound",
			Buffer:   cfg.Pipeline.QueueBuffer,
			DedupTTL: time.Duration(cfg.Pipeline.DedupTTLSeconds) * time.Second,
		}),
		Logger:            zl,
		TypingInterval:    cfg.Pipeline.TypingInterval(),
		SilentNewChannels: silent,
	})
	if err != nil {
		return fmt.Errorf("failed to create inbound pipeline: %w", err)
	}
	d.pipeline = pipeline
	d.manager.SetInboundHandler(pipeline)

	d.archiver = session.NewArchiver(st,
		time.Duration(cfg.Session.IdleArchiveMinutes)*time.Minute,
		time.Duration(cfg.Session.RetentionDays)*24*time.Hour)

	d.cronService = cron.NewService(cron.ServiceOptions{
		OnRun: func(name string, status cron.RunStatus, duration time.Duration, err error) {
			ev := d.log.Debug()
			if err != nil {
				ev = d.log.Warn().Err(err)
			}
			ev.Str("job", name).Str("status", string(status)).Dur("duration", duration).Msg("Housekeeping job finished")
		},
	}, zl)
	if err := d.registerJobs(); err != nil {
		return err
	}

	if cfg.Admin.Enabled {
		srv, err := admin.NewServer(admin.ServerOptions{
			Host:               cfg.Admin.Host,
			Port:               cfg.Admin.Port,
			UserID:             cfg.UserID,
			Token:              cfg.Admin.Token,
			RateLimitPerMinute: cfg.Admin.RateLimitPerMinute,
		}, d.manager, d.tasks, d.cronService, zl)
		if err != nil {
			return fmt.Errorf("failed to create admin server: %w", err)
		}
		d.adminServer = srv
	}

	return nil
}

func (d *Daemon) registerFactories(registry *channels.Registry, zl zerolog.Logger) error {
	cfg := d.config
	defaults := map[channels.ChannelType]channels.Factory{
		channels.ChannelWhatsApp: whatsapp.NewFactory(whatsapp.Options{
			BridgeURL:    cfg.WhatsApp.BridgeURL,
			DataDir:      cfg.DataDir,
			ReadyTimeout: cfg.WhatsApp.ReadyTimeout(),
			Logger:       zl,
		}),
		channels.ChannelTelegram: telegram.NewFactory(telegram.Options{Logger: zl}),
		channels.ChannelSlack:    slack.NewFactory(slack.Options{Logger: zl}),
		channels.ChannelDiscord:  discord.NewFactory(discord.Options{Logger: zl}),
	}
	for t, f := range d.factories {
		defaults[t] = f
	}
	for t, f := range defaults {
		if err := registry.RegisterFactory(t, f); err != nil {
			return fmt.Errorf("failed to register %s connector: %w", t, err)
		}
	}
	return nil
}

// Start writes the PID file, seeds connections, starts housekeeping and
// the admin server, then connects the configured user's connections in
// the background.
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	log := tracing.PropagateToLogger(tracing.WithTraceID(d.ctx, tracing.NewTraceID()), d.log)
	log.Info().Str("user_id", d.config.UserID).Msg("Starting relay")

	if err := d.lifecycle.Start(); err != nil {
		d.setStopped()
		return err
	}

	if path := d.config.ConnectionsFile; path != "" {
		if _, err := d.syncSeed(d.ctx); err != nil {
			log.Error().Err(err).Str("path", path).Msg("Failed to load connections file")
		}
		watcher, err := NewSeedWatcher(path, 0, d.reloadSeed, d.logger.GetZerolog())
		if err != nil {
			log.Warn().Err(err).Msg("Connections file will not be watched")
		} else if err := watcher.Start(); err != nil {
			log.Warn().Err(err).Msg("Connections file will not be watched")
			_ = watcher.Stop()
		} else {
			d.seedWatcher = watcher
		}
	}

	d.maskCredentials(d.ctx)

	if err := d.cronService.Start(); err != nil {
		d.abortStart()
		return fmt.Errorf("failed to start cron service: %w", err)
	}

	if d.adminServer != nil {
		if err := d.adminServer.Start(); err != nil {
			d.abortStart()
			return err
		}
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.manager.Bootstrap(d.ctx, d.config.UserID); err != nil {
			d.log.Error().Err(err).Msg("Bootstrap failed")
		}
	}()

	log.Info().Msg("Relay started")
	return nil
}

func (d *Daemon) setStopped() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

func (d *Daemon) abortStart() {
	d.stopServices(context.Background())
	_ = d.lifecycle.Stop()
	d.setStopped()
}

// Stop disconnects every connector, drains the queue and releases
// resources.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	d.log.Info().Msg("Stopping relay")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	d.stopServices(ctx)
	d.cancel()

	if err := d.manager.Shutdown(ctx); err != nil {
		d.log.Error().Err(err).Msg("Failed to disconnect connectors")
	}
	if !d.pipeline.Queue().WaitForActive(5 * time.Second) {
		d.log.Warn().Msg("Timeout waiting for in-flight messages")
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		d.log.Warn().Msg("Timeout waiting for background work")
	}

	d.release()

	if err := d.lifecycle.Stop(); err != nil {
		d.log.Error().Err(err).Msg("Failed to remove PID file")
	}
	d.log.Info().Msg("Relay stopped")
	return nil
}

func (d *Daemon) stopServices(ctx context.Context) {
	if d.seedWatcher != nil {
		if err := d.seedWatcher.Stop(); err != nil {
			d.log.Error().Err(err).Msg("Failed to stop connections file watcher")
		}
		d.seedWatcher = nil
	}
	if d.adminServer != nil {
		if err := d.adminServer.Stop(ctx); err != nil {
			d.log.Error().Err(err).Msg("Failed to stop admin server")
		}
	}
	if d.cronService != nil {
		if err := d.cronService.Stop(ctx); err != nil {
			d.log.Error().Err(err).Msg("Failed to stop cron service")
		}
	}
}

// release closes what initialize opened. It tolerates partial wiring.
func (d *Daemon) release() {
	if d.pipeline != nil {
		if err := d.pipeline.Close(); err != nil {
			d.log.Error().Err(err).Msg("Failed to close inbound queue")
		}
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.log.Error().Err(err).Msg("Failed to close store")
		}
	}
	if d.tracingShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.tracingShutdown(ctx); err != nil {
			d.log.Error().Err(err).Msg("Failed to shutdown tracing")
		}
		cancel()
		d.tracingShutdown = nil
	}
	if err := observability.GetAuditLogger().Close(); err != nil {
		d.log.Error().Err(err).Msg("Failed to close audit logger")
	}
}

// Run starts the daemon and blocks until ctx ends or SIGINT/SIGTERM
// arrives, then stops it.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Start(); err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		d.log.Info().Str("signal", sig.String()).Msg("Received signal")
	case <-ctx.Done():
	}
	return d.Stop()
}

// Status returns the daemon status.
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()
	status := Status{Running: d.running}
	if d.running {
		status.StartTime = d.startTime
		status.Uptime = time.Since(d.startTime)
	}
	return status
}

func (d *Daemon) onConnectionEvent(event channels.Event) {
	log := d.log.With().Str("connection_id", event.ConnectionID).Logger()
	switch event.Type {
	case channels.EventQR:
		log.Info().Msg("Pairing code available")
	case channels.EventStatus:
		ev := log.Info()
		if event.Err != nil {
			ev = log.Warn().Err(event.Err)
		}
		ev.Str("status", string(event.Status)).Msg("Connection status changed")
	}
}

func (d *Daemon) syncSeed(ctx context.Context) ([]string, error) {
	changed, err := SyncSeed(ctx, d.config.ConnectionsFile, d.config.UserID, d.store)
	if err != nil {
		return changed, err
	}
	if len(changed) > 0 {
		d.log.Info().Strs("connections", changed).Msg("Connections file applied")
	}
	return changed, nil
}

// maskCredentials registers every stored connection credential with the
// log redactor.
func (d *Daemon) maskCredentials(ctx context.Context) {
	conns, err := d.store.ListConnections(ctx, "")
	if err != nil {
		d.log.Warn().Err(err).Msg("Failed to list connections for redaction")
		return
	}
	for _, conn := range conns {
		d.logger.AddSecrets(conn.Config.Secrets()...)
	}
}

// reloadSeed applies an edited seed file and reconnects what changed.
func (d *Daemon) reloadSeed() {
	if d.ctx.Err() != nil {
		return
	}
	changed, err := d.syncSeed(d.ctx)
	if err != nil {
		d.log.Error().Err(err).Msg("Failed to reload connections file")
	}
	d.maskCredentials(d.ctx)
	for _, id := range changed {
		if err := d.manager.Reconnect(d.ctx, id); err != nil && !errors.Is(err, context.Canceled) {
			d.log.Error().Err(err).Str("connection_id", id).Msg("Reconnect after reload failed")
		}
	}
}

// Manager exposes the connection manager.
func (d *Daemon) Manager() *channels.Manager {
	return d.manager
}

// Store exposes the database.
func (d *Daemon) Store() *store.Store {
	return d.store
}

// Pipeline exposes the inbound pipeline.
func (d *Daemon) Pipeline() *inbound.Pipeline {
	return d.pipeline
}

// Bridge exposes the interactive question bridge.
func (d *Daemon) Bridge() *interactive.Bridge {
	return d.bridge
}

// Tasks exposes the task registry.
func (d *Daemon) Tasks() *tasks.Registry {
	return d.tasks
}

// Cron exposes the housekeeping scheduler.
func (d *Daemon) Cron() *cron.Service {
	return d.cronService
}

// AdminAddr is the bound admin address, or "" when disabled.
func (d *Daemon) AdminAddr() string {
	if d.adminServer == nil {
		return ""
	}
	return d.adminServer.Addr()
}
