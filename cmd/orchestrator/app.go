package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/Azure-Samples/healthcare-agent-orchestrator/agentfactory"
	"github.com/Azure-Samples/healthcare-agent-orchestrator/analyzer"
	"github.com/Azure-Samples/healthcare-agent-orchestrator/blobstore"
	"github.com/Azure-Samples/healthcare-agent-orchestrator/chatmodel"
	"github.com/Azure-Samples/healthcare-agent-orchestrator/config"
	"github.com/Azure-Samples/healthcare-agent-orchestrator/contextsvc"
	"github.com/Azure-Samples/healthcare-agent-orchestrator/history"
	"github.com/Azure-Samples/healthcare-agent-orchestrator/internal/convlock"
	"github.com/Azure-Samples/healthcare-agent-orchestrator/internal/logging"
	"github.com/Azure-Samples/healthcare-agent-orchestrator/internal/metrics"
	"github.com/Azure-Samples/healthcare-agent-orchestrator/internal/telemetry"
	"github.com/Azure-Samples/healthcare-agent-orchestrator/llm"
	"github.com/Azure-Samples/healthcare-agent-orchestrator/llm/anthropicprovider"
	"github.com/Azure-Samples/healthcare-agent-orchestrator/llm/openaiprovider"
	"github.com/Azure-Samples/healthcare-agent-orchestrator/providers"
	"github.com/Azure-Samples/healthcare-agent-orchestrator/registry"
	"github.com/Azure-Samples/healthcare-agent-orchestrator/turn"
)

// app holds every dependency a subcommand needs once configuration has
// been loaded and validated.
type app struct {
	cfg         *config.Config
	logger      *zap.Logger
	metrics     *metrics.Collector
	telemetry   *telemetry.Providers
	contextSvc  *contextsvc.Service
	controller  *turn.Controller
	redisClient *redis.Client
}

// buildApp takes an already loaded cfg, constructs every collaborator package, and
// returns an app ready to serve or run operator commands. Callers own
// shutdown via app.Close.
func buildApp(cfg *config.Config) (*app, error) {
	logger := logging.New(cfg.Log)

	otelProviders, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
		otelProviders = &telemetry.Providers{}
	}

	blob, redisClient, err := buildBlobStore(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("build blob store: %w", err)
	}

	historyStore := history.NewStore(blob, logger)
	registryStore := registry.NewStore(blob, logger)

	validator, err := chatmodel.NewPatientIDValidator(cfg.Orchestrator.PatientIDPattern)
	if err != nil {
		return nil, fmt.Errorf("build patient id validator: %w", err)
	}

	provider, err := buildLLMProvider(cfg.LLM, logger)
	if err != nil {
		return nil, fmt.Errorf("build llm provider: %w", err)
	}

	az := analyzer.New(provider, cfg.LLM.Model, logger)
	contextSvc := contextsvc.New(registryStore, historyStore, validator, az, logger)

	roster, err := loadAgentRoster(cfg.Orchestrator.AgentsConfigPath, provider, cfg.LLM.Model, cfg.Orchestrator.MaxContextTokens, logger)
	if err != nil {
		return nil, fmt.Errorf("build agent roster: %w", err)
	}

	reg := prometheus.NewRegistry()
	collector := metrics.New("orchestrator", reg)

	var lockManager *convlock.Manager
	if redisClient != nil {
		lockManager = convlock.NewManager(redisClient, logger)
	}

	controller := turn.New(turn.Config{
		RegistryStore: registryStore,
		HistoryStore:  historyStore,
		ContextSvc:    contextSvc,
		Agents:        roster,
		RuleEvaluator: provider,
		RuleModel:     cfg.LLM.Model,
		MaxIterations: cfg.Orchestrator.MaxTurnIterations,
		ClearCommands: cfg.Orchestrator.ClearCommands,
		Validator:     validator,
		TurnDeadline:  secondsToDuration(cfg.Orchestrator.TurnDeadlineSeconds),
		Logger:        logger,
		Metrics:       collector,
		LockManager:   lockManager,
	})

	return &app{
		cfg:         cfg,
		logger:      logger,
		metrics:     collector,
		telemetry:   otelProviders,
		contextSvc:  contextSvc,
		controller:  controller,
		redisClient: redisClient,
	}, nil
}

// Close releases everything buildApp opened.
func (a *app) Close(ctx context.Context) {
	if err := a.telemetry.Shutdown(ctx); err != nil {
		a.logger.Warn("telemetry shutdown failed", zap.Error(err))
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}

// buildBlobStore selects a backend per cfg.Blob.Backend. The Redis
// client is returned separately (even when the blob backend is not
// Redis) so callers can also hand it to convlock.NewManager; it is set
// for the "redis" backend and for the "mongo" backend when
// cfg.Redis.Addr is non-empty, and nil otherwise.
func buildBlobStore(cfg *config.Config, logger *zap.Logger) (blobstore.Facade, *redis.Client, error) {
	switch cfg.Blob.Backend {
	case "file":
		store, err := blobstore.NewFileStore(cfg.Blob.FileBasePath)
		if err != nil {
			return nil, nil, err
		}
		return store, nil, nil

	case "redis":
		store, err := blobstore.NewRedisStore(context.Background(), blobstore.RedisStoreConfig{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			KeyPrefix:    "blob:",
		})
		if err != nil {
			return nil, nil, err
		}
		client := redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
		})
		return store, client, nil

	case "mongo":
		store, err := blobstore.NewMongoStore(context.Background(), blobstore.MongoStoreConfig{
			URI:        cfg.Mongo.URI,
			Database:   cfg.Mongo.Database,
			Collection: cfg.Mongo.Collection,
		})
		if err != nil {
			return nil, nil, err
		}
		var client *redis.Client
		if cfg.Redis.Addr != "" {
			client = redis.NewClient(&redis.Options{
				Addr:         cfg.Redis.Addr,
				Password:     cfg.Redis.Password,
				DB:           cfg.Redis.DB,
				PoolSize:     cfg.Redis.PoolSize,
				MinIdleConns: cfg.Redis.MinIdleConns,
			})
		}
		return store, client, nil

	default:
		return nil, nil, fmt.Errorf("unknown blob backend %q", cfg.Blob.Backend)
	}
}

// buildLLMProvider constructs the configured default vendor adapter.
func buildLLMProvider(cfg config.LLMConfig, logger *zap.Logger) (llm.Provider, error) {
	switch cfg.DefaultProvider {
	case "openai", "azure-openai":
		return openaiprovider.New(providers.OpenAIConfig{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			Timeout: cfg.Timeout,
		}, logger), nil

	case "anthropic", "claude":
		return anthropicprovider.New(providers.ClaudeConfig{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			Timeout: cfg.Timeout,
		}, logger), nil

	default:
		return nil, fmt.Errorf("unknown llm.default_provider %q", cfg.DefaultProvider)
	}
}

// loadAgentRoster reads the YAML-described agent roster from path and
// builds it via the Agent Factory.
func loadAgentRoster(path string, provider llm.Provider, model string, maxContextTok int, logger *zap.Logger) ([]agentfactory.Agent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agents config: %w", err)
	}

	var cfgs []chatmodel.AgentConfig
	if err := yaml.Unmarshal(data, &cfgs); err != nil {
		return nil, fmt.Errorf("parse agents config: %w", err)
	}

	factory := agentfactory.NewFactory(provider, model, maxContextTok, http.DefaultClient, logger)
	return factory.Build(cfgs)
}

// secondsToDuration converts a positive second count to a
// time.Duration, or zero if s is not positive (letting turn.New fall
// back to its own default).
func secondsToDuration(s int) time.Duration {
	if s <= 0 {
		return 0
	}
	return time.Duration(s) * time.Second
}
