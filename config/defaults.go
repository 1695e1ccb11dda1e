package config

import "time"

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server:       DefaultServerConfig(),
		Orchestrator: DefaultOrchestratorConfig(),
		Redis:        DefaultRedisConfig(),
		Blob:         DefaultBlobConfig(),
		Mongo:        DefaultMongoConfig(),
		LLM:          DefaultLLMConfig(),
		Log:          DefaultLogConfig(),
		Telemetry:    DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig returns the default HTTP ingress configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
	}
}

// DefaultOrchestratorConfig returns the default turn/scheduler configuration.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		PatientIDPattern:    `^patient_[0-9]+$`,
		MaxTurnIterations:   30,
		TurnDeadlineSeconds: 120,
		MaxContextTokens:    8000,
		ClearCommands: []string{
			"clear",
			"clear patient",
			"clear context",
			"clear patient context",
		},
		AgentsConfigPath: "agents.yaml",
	}
}

// DefaultRedisConfig returns the default Redis configuration.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultBlobConfig returns the default blob store configuration.
func DefaultBlobConfig() BlobConfig {
	return BlobConfig{
		Backend:        "file",
		FileBasePath:   "./data",
		HistoryPrefix:  "history",
		RegistryPrefix: "registry",
		ArchivePrefix:  "archive",
	}
}

// DefaultMongoConfig returns the default MongoDB configuration.
func DefaultMongoConfig() MongoConfig {
	return MongoConfig{
		URI:        "mongodb://localhost:27017",
		Database:   "orchestrator",
		Collection: "blobs",
	}
}

// DefaultLLMConfig returns the default LLM configuration.
func DefaultLLMConfig() LLMConfig {
	return LLMConfig{
		DefaultProvider: "openai",
		APIKey:          "",
		BaseURL:         "",
		Model:           "gpt-4o",
		Timeout:         2 * time.Minute,
		MaxRetries:      3,
	}
}

// DefaultLogConfig returns the default logging configuration.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig returns the default telemetry configuration.
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "healthcare-agent-orchestrator",
		SampleRate:   0.1,
	}
}
