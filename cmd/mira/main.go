// Command mira runs the assistant backend: websocket gateway, operation
// engine, and hybrid memory service in one process.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/conarylabs/mira/internal/agents"
	"github.com/conarylabs/mira/internal/config"
	"github.com/conarylabs/mira/internal/db"
	"github.com/conarylabs/mira/internal/gateway"
	"github.com/conarylabs/mira/internal/llm"
	"github.com/conarylabs/mira/internal/memory"
	"github.com/conarylabs/mira/internal/memory/embeddings"
	"github.com/conarylabs/mira/internal/memory/embeddings/openai"
	"github.com/conarylabs/mira/internal/memory/vector"
	"github.com/conarylabs/mira/internal/observability"
	"github.com/conarylabs/mira/internal/operations"
	"github.com/conarylabs/mira/internal/tools"

	artifactstore "github.com/conarylabs/mira/internal/artifacts"
	"github.com/conarylabs/mira/pkg/models"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "mira",
		Short:         "Personal AI coding-assistant backend",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var configPath string
	root.PersistentFlags().StringVar(&configPath, "config", "mira.yaml", "path to the config file")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the backend",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(configPath)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(*cobra.Command, []string) {
			fmt.Println(version)
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func serve(configPath string) error {
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	metrics := observability.NewMetrics()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer database.Close()

	// Memory pipeline.
	heads, err := memory.NewHeadRegistry(cfg.Memory.Heads, cfg.Embeddings.Dimension)
	if err != nil {
		return err
	}

	embedProvider, err := openai.New(openai.Config{
		APIKey:    cfg.Embeddings.APIKey,
		BaseURL:   cfg.Embeddings.BaseURL,
		Model:     cfg.Embeddings.Model,
		Dimension: cfg.Embeddings.Dimension,
	})
	if err != nil {
		return fmt.Errorf("embedding provider: %w", err)
	}
	batcher := embeddings.NewBatcher(embedProvider, embeddings.BatcherConfig{
		MaxBatchSize:  cfg.Embeddings.MaxBatchSize,
		MaxRetries:    cfg.Embeddings.MaxRetries,
		RetryDelay:    cfg.Embeddings.RetryDelay,
		MaxConcurrent: cfg.Embeddings.MaxConcurrent,
	})
	batcher.SetBatchObserver(func(size int, err error) {
		status := "success"
		if err != nil {
			status = "error"
		}
		metrics.EmbeddingBatchCounter.WithLabelValues(status).Inc()
		metrics.EmbeddingBatchSize.Observe(float64(size))
	})

	vectors, err := vector.NewQdrantStore(vector.QdrantConfig{
		Host:             cfg.Qdrant.Host,
		Port:             cfg.Qdrant.Port,
		APIKey:           cfg.Qdrant.APIKey,
		UseTLS:           cfg.Qdrant.UseTLS,
		CollectionPrefix: cfg.Qdrant.CollectionPrefix,
	})
	if err != nil {
		return fmt.Errorf("vector store: %w", err)
	}
	defer vectors.Close()

	provider, err := buildProvider(cfg.LLM, logger)
	if err != nil {
		return err
	}

	store := memory.NewStore(database)
	classifier := memory.NewClassifier(
		func(ctx context.Context, system, prompt string) (string, error) {
			return llm.Complete(ctx, provider, cfg.LLM.Model, system, prompt)
		},
		heads,
		memory.ClassifierConfig{
			MinSalienceForEmbed: cfg.Memory.MinSalienceForEmbed,
			SemanticSalience:    cfg.Memory.SemanticSalience,
		},
		logger,
	)
	counter := memory.NewSessionCounter(cfg.Summarization.SummarizeAfterMessages)
	recall := memory.NewRecallEngine(store, vectors, batcher, heads, memory.RecallConfig{
		RecentCount:      cfg.Memory.RecallRecent,
		SemanticCount:    cfg.Memory.RecallSemantic,
		KPerHead:         cfg.Memory.RecallKPerHead,
		WeightRecency:    cfg.Memory.WeightRecency,
		WeightSimilarity: cfg.Memory.WeightSimilarity,
		WeightSalience:   cfg.Memory.WeightSalience,
	}, logger)
	recall.SetDurationObserver(func(d time.Duration) {
		metrics.RecallDuration.Observe(d.Seconds())
	})

	memoryService := memory.NewService(store, vectors, batcher, classifier, counter, recall,
		memory.NewChunker(), heads, memory.ServiceConfig{
			EmbedMinChars: cfg.Memory.EmbedMinChars,
			ReembedAfter:  cfg.Memory.ReembedAfter,
		}, logger)
	memoryService.SetSaveObserver(func(role models.Role, embedded bool) {
		metrics.MessagesSaved.WithLabelValues(string(role), fmt.Sprint(embedded)).Inc()
	})
	if err := memoryService.EnsureCollections(ctx); err != nil {
		return err
	}

	if cfg.Summarization.Enabled {
		memoryService.OnSummarizeTrigger = summarizer(memoryService, provider, cfg.LLM.Model, logger)
	}

	// Tools and engine.
	registry, err := buildRegistry(cfg, logger)
	if err != nil {
		return err
	}

	artifactRepo := artifactstore.NewRepository(database)
	opStore := operations.NewStore(database)
	projects := operations.NewProjectStore(database)

	engine := operations.NewEngine(memoryService, provider, registry, artifactRepo, opStore, projects,
		operations.EngineConfig{
			Model:               cfg.LLM.Model,
			MaxTokens:           cfg.LLM.MaxTokens,
			MaxIterations:       cfg.Operations.MaxIterations,
			Timeout:             cfg.Operations.Timeout,
			SimpleModeEnabled:   cfg.Operations.SimpleModeEnabled,
			SimpleModeMaxLength: cfg.Operations.SimpleModeMaxLength,
			EventBuffer:         cfg.Operations.EventBuffer,
		}, logger)
	engine.SetFinishObserver(func(kind string, status models.OperationStatus, duration time.Duration) {
		metrics.OperationCounter.WithLabelValues(kind, string(status)).Inc()
		metrics.OperationDuration.WithLabelValues(kind).Observe(duration.Seconds())
	})
	engine.SetUsageObserver(func(providerName, model string, usage models.TokenUsage) {
		metrics.LLMTokensUsed.WithLabelValues(providerName, model, "input").Add(float64(usage.Input))
		metrics.LLMTokensUsed.WithLabelValues(providerName, model, "output").Add(float64(usage.Output))
		metrics.LLMTokensUsed.WithLabelValues(providerName, model, "reasoning").Add(float64(usage.Reasoning))
	})

	// Background maintenance.
	scheduler := cron.New()
	_, _ = scheduler.AddFunc("@every 10m", func() {
		if n, err := memoryService.Reconcile(context.Background()); err != nil {
			logger.Warn(context.Background(), "reconcile failed", "error", err)
		} else if n > 0 {
			logger.Info(context.Background(), "re-embedded stale messages", "count", n)
		}
	})
	_, _ = scheduler.AddFunc("@hourly", func() {
		if n, err := memoryService.DeactivateIdleSessions(context.Background(), cfg.Memory.SessionIdleAge); err != nil {
			logger.Warn(context.Background(), "session expiry sweep failed", "error", err)
		} else if n > 0 {
			logger.Info(context.Background(), "deactivated idle sessions", "count", n)
		}
	})
	scheduler.Start()
	defer scheduler.Stop()

	server := gateway.NewServer(cfg.Server, cfg.Heartbeat, engine, memoryService, projects, logger, metrics)
	return server.ListenAndServe(ctx)
}

func buildProvider(cfg config.LLMConfig, logger *observability.Logger) (llm.Provider, error) {
	switch cfg.Provider {
	case "anthropic":
		return llm.NewAnthropicProvider(llm.AnthropicConfig{
			APIKey:     cfg.APIKey,
			BaseURL:    cfg.BaseURL,
			Model:      cfg.Model,
			MaxTokens:  cfg.MaxTokens,
			MaxRetries: cfg.MaxRetries,
			RetryDelay: cfg.RetryDelay,
		})
	case "openai-wire", "":
		return llm.NewOpenAIWireProvider(llm.OpenAIWireConfig{
			APIKey:     cfg.APIKey,
			BaseURL:    cfg.BaseURL,
			Model:      cfg.Model,
			MaxRetries: cfg.MaxRetries,
			RetryDelay: cfg.RetryDelay,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown llm provider: %s", cfg.Provider)
	}
}

func buildRegistry(cfg config.Config, logger *observability.Logger) (*tools.Registry, error) {
	registry := tools.NewRegistry()
	workspace, err := os.Getwd()
	if err != nil {
		return nil, err
	}

	taskList := tools.NewTaskList()
	toolset := []tools.Tool{
		&tools.WriteFileTool{},
		&tools.ReadFileTool{Root: workspace},
		&tools.ListDirTool{Root: workspace},
		&tools.SearchCodebaseTool{Root: workspace},
		&tools.AddTaskTool{List: taskList},
		&tools.ListTasksTool{List: taskList},
		&tools.CompleteTaskTool{List: taskList},
	}

	// Delegation re-enters the router scoped to file-ops and
	// code-intelligence; file-ops includes write_file, which stages artifacts.
	delegateRouter := tools.NewRouter(registry,
		[]tools.Capability{tools.CapCodeIntelligence, tools.CapFileOps}, logger)
	transport := agentsTransport(cfg, delegateRouter, logger)
	toolset = append(toolset, &tools.DelegateTool{Delegator: transport})

	for _, tool := range toolset {
		if err := registry.Register(tool); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func agentsTransport(cfg config.Config, router *tools.Router, logger *observability.Logger) *agents.Transport {
	return agents.NewTransport(agents.TransportConfig{
		Binary:        cfg.Agents.Binary,
		MaxIterations: cfg.Agents.MaxIterations,
		Timeout:       cfg.Agents.Timeout,
	}, router, logger)
}

// summarizer returns the rolling-summary trigger: it condenses the recent
// window into a system message tagged "summary", which routes to the
// summary head.
func summarizer(memoryService *memory.Service, provider llm.Provider, model string, logger *observability.Logger) func(string, int64) {
	return func(sessionID string, count int64) {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		ctx = observability.WithSessionID(ctx, sessionID)

		entries, err := memoryService.Store().LoadRecent(ctx, sessionID, 20)
		if err != nil {
			logger.Warn(ctx, "summary window load failed", "error", err)
			return
		}
		var transcript string
		for i := len(entries) - 1; i >= 0; i-- {
			transcript += fmt.Sprintf("[%s] %s\n", entries[i].Role, entries[i].Content)
		}

		summary, err := llm.Complete(ctx, provider, model,
			"Summarize the conversation below in a compact paragraph that preserves decisions, constraints, and open threads.",
			transcript)
		if err != nil {
			logger.Warn(ctx, "summarization failed", "error", err)
			return
		}
		if _, err := memoryService.SaveMessage(ctx, sessionID, models.RoleSystem, summary, []string{"summary"}); err != nil {
			logger.Warn(ctx, "summary save failed", "error", err)
		}
	}
}
