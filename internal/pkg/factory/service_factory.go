package factory

import (
	"context"
	"fmt"
	"time"

	httpapi "github.com/username/chatstate/internal/adapters/api/http"
	wsapi "github.com/username/chatstate/internal/adapters/api/websocket"
	"github.com/username/chatstate/internal/adapters/llm/chatapi"
	"github.com/username/chatstate/internal/adapters/llm/openai"
	"github.com/username/chatstate/internal/adapters/messaging/memory"
	"github.com/username/chatstate/internal/adapters/messaging/nats"
	"github.com/username/chatstate/internal/adapters/speech/browser"
	"github.com/username/chatstate/internal/adapters/storage/file"
	"github.com/username/chatstate/internal/adapters/storage/sqlite"
	ws "github.com/username/chatstate/internal/adapters/websocket"
	"github.com/username/chatstate/internal/domain/codec"
	"github.com/username/chatstate/internal/domain/entities"
	"github.com/username/chatstate/internal/domain/metrics"
	"github.com/username/chatstate/internal/domain/ports"
	"github.com/username/chatstate/internal/domain/services"
	"github.com/username/chatstate/internal/pkg/constants"
	"github.com/username/chatstate/internal/pkg/logutil"
	"github.com/username/chatstate/pkg/config"
	"github.com/username/chatstate/pkg/tokenizer"
)

// WorkspaceServices holds the services of one workspace
type WorkspaceServices struct {
	Name      string
	Store     *services.ConversationStore
	Requests  *services.RequestManager
	Playback  *services.PlaybackCoordinator
	Persister *codec.Persister
	Publisher *services.EventPublisher
	Speech    *browser.Bridge
	AutoSpeak bool
}

// ServiceContainer holds all initialized services
type ServiceContainer struct {
	Storage   ports.BlobStoragePort
	Journal   ports.JournalPort
	Messaging ports.MessagingPort
	Answers   ports.AnswerPort
	Tokenizer *tokenizer.Tokenizer
	Metrics   *metrics.Collector
	Hub       *ws.Hub
	Relay     *wsapi.Handler
	API       *httpapi.APIHandlers

	Workspaces []*WorkspaceServices
	Logger     *logutil.Logger
}

// InitializationOptions holds options for service initialization
type InitializationOptions struct {
	Config                *config.Config
	ValidateConfiguration bool
	EnableHealthChecks    bool
	Logger                *logutil.Logger
}

// ServiceFactory provides methods for creating and initializing services
type ServiceFactory struct {
	logger *logutil.Logger
}

// NewServiceFactory creates a new service factory
func NewServiceFactory(logger *logutil.Logger) *ServiceFactory {
	if logger == nil {
		logger = logutil.NewDefaultLogger()
	}

	return &ServiceFactory{
		logger: logger,
	}
}

// workspaceDef describes a workspace before its services exist
type workspaceDef struct {
	name       string
	storageKey string
	greeting   string
	autoSpeak  bool
}

var workspaceDefs = []workspaceDef{
	{name: constants.WorkspaceChat, storageKey: constants.StorageKeyChat, greeting: entities.DefaultGreeting},
	{name: constants.WorkspaceVoice, storageKey: constants.StorageKeyVoice, greeting: entities.VoiceGreeting, autoSpeak: true},
}

// Initialize creates and wires all services based on configuration.
// Background loops are not started; see Start.
func (sf *ServiceFactory) Initialize(ctx context.Context, opts InitializationOptions) (*ServiceContainer, error) {
	if opts.Logger != nil {
		sf.logger = opts.Logger
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	sf.logger.Info("Starting service initialization", logutil.Fields{
		"validate_config":      opts.ValidateConfiguration,
		"enable_health_checks": opts.EnableHealthChecks,
	})

	if opts.ValidateConfiguration {
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		sf.logger.Info("Configuration validation passed")
	}

	container := &ServiceContainer{
		Metrics: metrics.NewCollector(),
		Logger:  sf.logger,
	}

	if err := sf.initializeAdapters(ctx, cfg, container); err != nil {
		container.Shutdown(ctx)
		return nil, fmt.Errorf("failed to initialize adapters: %w", err)
	}

	if err := sf.initializeWorkspaces(ctx, cfg, container); err != nil {
		container.Shutdown(ctx)
		return nil, fmt.Errorf("failed to initialize workspaces: %w", err)
	}

	sf.initializeAPI(container)

	if opts.EnableHealthChecks {
		if err := sf.performHealthChecks(ctx, container); err != nil {
			container.Shutdown(ctx)
			return nil, fmt.Errorf("health checks failed: %w", err)
		}
		sf.logger.Info("All health checks passed")
	}

	sf.logger.Info("Service initialization completed successfully", logutil.Fields{
		"workspaces": len(container.Workspaces),
	})
	return container, nil
}

// initializeAdapters creates and configures all adapter instances
func (sf *ServiceFactory) initializeAdapters(ctx context.Context, cfg *config.Config, container *ServiceContainer) error {
	if err := sf.initializeStorageAdapter(ctx, cfg, container); err != nil {
		return fmt.Errorf("failed to initialize storage adapter: %w", err)
	}

	if err := sf.initializeMessagingAdapter(cfg, container); err != nil {
		return fmt.Errorf("failed to initialize messaging adapter: %w", err)
	}

	if err := sf.initializeAnswerAdapter(cfg, container); err != nil {
		return fmt.Errorf("failed to initialize answer adapter: %w", err)
	}

	container.Hub = ws.NewHub(sf.logger)
	return nil
}

// initializeStorageAdapter opens the snapshot store. The sqlite backend also
// journals store changes; the file backend has no journal.
func (sf *ServiceFactory) initializeStorageAdapter(ctx context.Context, cfg *config.Config, container *ServiceContainer) error {
	switch cfg.Storage.Backend {
	case "file":
		sf.logger.Info("Initializing storage adapter", logutil.Fields{
			"type": "file",
			"path": cfg.Storage.FilePath,
		})
		store, err := file.NewStore(cfg.Storage.FilePath)
		if err != nil {
			return err
		}
		container.Storage = store

	default:
		sf.logger.Info("Initializing storage adapter", logutil.Fields{
			"type": "sqlite",
			"path": cfg.Database.Path,
		})
		adapter, err := sqlite.NewAdapter(cfg.Database.Path, cfg.Database.MigrationsPath)
		if err != nil {
			return err
		}
		if err := adapter.Migrate(ctx); err != nil {
			adapter.Close()
			return fmt.Errorf("failed to run database migrations: %w", err)
		}
		container.Storage = adapter
		container.Journal = adapter
	}
	return nil
}

// initializeMessagingAdapter connects to NATS when enabled and falls back to
// the in-process bus otherwise
func (sf *ServiceFactory) initializeMessagingAdapter(cfg *config.Config, container *ServiceContainer) error {
	if !cfg.NATS.Enabled {
		sf.logger.Info("Initializing messaging adapter", logutil.Fields{"type": "memory"})
		container.Messaging = memory.NewBus(sf.logger)
		return nil
	}

	sf.logger.Info("Initializing messaging adapter", logutil.Fields{
		"type":      "nats",
		"url":       cfg.NATS.URL,
		"jetstream": cfg.NATS.JetStream.Enabled,
	})
	adapter, err := nats.NewAdapter(cfg.NATS.URL, cfg.NATS.JetStream.Enabled, cfg.NATS.JetStream.RetentionDays, sf.logger)
	if err != nil {
		return err
	}
	container.Messaging = adapter
	return nil
}

// initializeAnswerAdapter creates the answer backend client for the
// configured provider
func (sf *ServiceFactory) initializeAnswerAdapter(cfg *config.Config, container *ServiceContainer) error {
	sf.logger.Info("Initializing answer adapter", logutil.Fields{
		"provider": cfg.Answer.Provider,
		"base_url": cfg.Answer.BaseURL,
		"model":    cfg.Answer.Model,
	})

	// The tokenizer only powers prompt limits and history trimming
	tok, err := tokenizer.NewTokenizer(cfg.Answer.Model)
	if err != nil {
		sf.logger.Warn("Token counting disabled", logutil.Fields{
			"model": cfg.Answer.Model,
			"error": err.Error(),
		})
	} else {
		container.Tokenizer = tok
		sf.logger.Debug("Token counting enabled", logutil.Fields{
			"model":    cfg.Answer.Model,
			"encoding": tok.Encoding(),
		})
	}

	switch cfg.Answer.Provider {
	case "openai-compatible":
		adapterCfg := openai.Config{
			BaseURL:       cfg.Answer.BaseURL,
			APIKey:        cfg.Answer.APIKey,
			Model:         cfg.Answer.Model,
			HistoryTokens: cfg.Answer.MaxPromptTokens,
		}
		var trimmer openai.HistoryTrimmer
		if container.Tokenizer != nil {
			trimmer = container.Tokenizer
		}
		adapter, err := openai.NewAdapter(adapterCfg, trimmer)
		if err != nil {
			return err
		}
		container.Answers = adapter
	default:
		container.Answers = chatapi.NewClient(cfg.Answer.BaseURL, cfg.Answer.Timeout)
	}
	return nil
}

// initializeWorkspaces builds the store, request, playback and publishing
// services of every workspace and wires them together
func (sf *ServiceFactory) initializeWorkspaces(ctx context.Context, cfg *config.Config, container *ServiceContainer) error {
	var tokens ports.TokenCounter
	if container.Tokenizer != nil {
		tokens = container.Tokenizer
	}

	for _, def := range workspaceDefs {
		logger := sf.logger
		persister := codec.NewPersister(container.Storage, codec.PersisterConfig{
			Key:          cfg.Storage.KeyPrefix + def.storageKey,
			Greeting:     def.greeting,
			WriteTimeout: cfg.Storage.WriteTimeout,
		}, logger, container.Metrics)

		store := services.NewConversationStore(persister.Load(ctx), def.greeting, persister, logger)

		requests := services.NewRequestManager(store, container.Answers, tokens, services.RequestConfig{
			Workspace:       def.name,
			SearchingAfter:  cfg.Requests.SearchingAfter,
			ComposingAfter:  cfg.Requests.ComposingAfter,
			Timeout:         cfg.Answer.Timeout,
			MaxPromptTokens: cfg.Answer.MaxPromptTokens,
		}, logger, container.Metrics)

		bridge := browser.NewBridge(def.name, container.Hub, logger)
		bridge.Register(container.Hub)

		playback := services.NewPlaybackCoordinator(bridge, services.SpeechConfig{
			Workspace: def.name,
			Language:  cfg.Speech.Language,
			Rate:      cfg.Speech.Rate,
			Pitch:     cfg.Speech.Pitch,
			Volume:    cfg.Speech.Volume,
		}, logger, container.Metrics)

		workspace := &WorkspaceServices{
			Name:      def.name,
			Store:     store,
			Requests:  requests,
			Playback:  playback,
			Persister: persister,
			Publisher: services.NewEventPublisher(def.name, container.Messaging, container.Journal, logger),
			Speech:    bridge,
			AutoSpeak: def.autoSpeak,
		}
		sf.wireWorkspace(workspace)
		container.Workspaces = append(container.Workspaces, workspace)

		sf.logger.Info("Workspace initialized", logutil.Fields{
			"workspace":     def.name,
			"conversations": len(store.Snapshot().Conversations),
		})
	}
	return nil
}

// wireWorkspace connects a workspace's services to each other
func (sf *ServiceFactory) wireWorkspace(w *WorkspaceServices) {
	w.Publisher.Attach(w.Store, w.Requests, w.Playback)
	w.Playback.Track(w.Store)

	w.Speech.OnVoicesChanged(func() {
		ctx, cancel := context.WithTimeout(context.Background(), constants.MessagingTimeout)
		defer cancel()
		if err := w.Playback.VoicesChanged(ctx); err != nil {
			sf.logger.Warn("Failed to resume parked utterance", logutil.Fields{
				"workspace": w.Name,
				"error":     err.Error(),
			})
		}
	})

	if !w.AutoSpeak {
		return
	}
	// Answers in a spoken workspace are read aloud as they arrive
	w.Requests.OnResult(func(result services.RequestResult) {
		if !result.Succeeded() || result.MessageIndex < 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), constants.MessagingTimeout)
		defer cancel()
		if err := w.Playback.SpeakGlobal(ctx, result.ConversationID, result.MessageIndex, result.Answer); err != nil {
			sf.logger.Warn("Failed to read answer aloud", logutil.Fields{
				"workspace":       w.Name,
				"conversation_id": result.ConversationID,
				"error":           err.Error(),
			})
		}
	})
}

// initializeAPI creates the WebSocket relay and the HTTP handlers
func (sf *ServiceFactory) initializeAPI(container *ServiceContainer) {
	names := make([]string, 0, len(container.Workspaces))
	apiWorkspaces := make([]*httpapi.Workspace, 0, len(container.Workspaces))
	for _, w := range container.Workspaces {
		names = append(names, w.Name)
		apiWorkspaces = append(apiWorkspaces, &httpapi.Workspace{
			Name:      w.Name,
			Store:     w.Store,
			Requests:  w.Requests,
			Playback:  w.Playback,
			AutoSpeak: w.AutoSpeak,
		})
	}

	container.Relay = wsapi.NewHandler(container.Hub, container.Messaging, names, sf.logger)
	container.API = httpapi.NewAPIHandlers(apiWorkspaces, httpapi.Dependencies{
		Storage:     container.Storage,
		Journal:     container.Journal,
		Messaging:   container.Messaging,
		Answers:     container.Answers,
		Metrics:     container.Metrics,
		Connections: container.Relay,
		Logger:      sf.logger,
	})
}

// performHealthChecks verifies all services are functioning correctly
func (sf *ServiceFactory) performHealthChecks(ctx context.Context, container *ServiceContainer) error {
	sf.logger.Info("Performing health checks")

	healthCtx, cancel := context.WithTimeout(ctx, constants.HealthCheckTimeout)
	defer cancel()

	if container.Storage != nil {
		if err := container.Storage.Ping(healthCtx); err != nil {
			return fmt.Errorf("storage health check failed: %w", err)
		}
		sf.logger.Debug("Storage health check passed")
	}

	if container.Messaging != nil {
		if err := container.Messaging.Ping(); err != nil {
			return fmt.Errorf("messaging health check failed: %w", err)
		}
		sf.logger.Debug("Messaging health check passed")
	}

	// Answers may come online later; requests report the failure meanwhile
	if container.Answers != nil {
		if err := container.Answers.Ping(healthCtx); err != nil {
			sf.logger.Warn("Answer backend is not reachable", logutil.Fields{"error": err.Error()})
		}
	}

	return nil
}

// Workspace returns the services of the named workspace
func (container *ServiceContainer) Workspace(name string) (*WorkspaceServices, bool) {
	for _, w := range container.Workspaces {
		if w.Name == name {
			return w, true
		}
	}
	return nil, false
}

// Start launches the hub loop, the snapshot writers and the event relay.
// They stop when ctx is done.
func (container *ServiceContainer) Start(ctx context.Context) error {
	go container.Hub.Run(ctx)

	for _, w := range container.Workspaces {
		go w.Persister.Run(ctx)
	}

	if err := container.Relay.Start(ctx); err != nil {
		return fmt.Errorf("failed to start event relay: %w", err)
	}

	container.Logger.Info("Services started", logutil.Fields{"workspaces": len(container.Workspaces)})
	return nil
}

// Shutdown waits for pending requests, stops playback, writes the last
// snapshots and closes connections
func (container *ServiceContainer) Shutdown(ctx context.Context) error {
	logger := container.Logger
	if logger == nil {
		logger = logutil.NewDefaultLogger()
	}
	logger.Info("Shutting down services")

	if container.Relay != nil {
		if err := container.Relay.Stop(ctx); err != nil {
			logger.Warn("Error stopping event relay", logutil.Fields{"error": err.Error()})
		}
	}

	for _, w := range container.Workspaces {
		waitRequests(ctx, w.Requests, logger, w.Name)
		if err := w.Playback.Close(); err != nil {
			logger.Warn("Error stopping playback", logutil.Fields{"workspace": w.Name, "error": err.Error()})
		}
		w.Persister.Flush(ctx)
	}

	if container.Messaging != nil {
		if err := container.Messaging.Close(); err != nil {
			logger.Warn("Error closing messaging", logutil.Fields{"error": err.Error()})
		}
	}

	if container.Storage != nil {
		if closer, ok := container.Storage.(interface{ Close() error }); ok {
			if err := closer.Close(); err != nil {
				logger.Warn("Error closing storage", logutil.Fields{"error": err.Error()})
			}
		}
	}

	logger.Info("Service shutdown completed")
	return nil
}

// waitRequests lets pending answers land in the store until ctx expires
func waitRequests(ctx context.Context, requests *services.RequestManager, logger *logutil.Logger, workspace string) {
	done := make(chan struct{})
	go func() {
		requests.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		logger.Warn("Abandoning pending requests", logutil.Fields{
			"workspace": workspace,
			"pending":   len(requests.Pending()),
		})
	case <-time.After(constants.AnswerTimeout):
	}
}
