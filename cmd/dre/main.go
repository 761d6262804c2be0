package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/ncolesummers/doc-research-engine/pkg/config"
	"github.com/ncolesummers/doc-research-engine/pkg/documents"
	"github.com/ncolesummers/doc-research-engine/pkg/domain"
	"github.com/ncolesummers/doc-research-engine/pkg/llm"
	"github.com/ncolesummers/doc-research-engine/pkg/observability"
	"github.com/ncolesummers/doc-research-engine/pkg/search"
	"github.com/ncolesummers/doc-research-engine/pkg/state"
	"github.com/ncolesummers/doc-research-engine/pkg/workflow"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	// Version information (set by build flags)
	Version   = "dev"
	BuildTime = "unknown"

	telemetry *observability.Telemetry
	metrics   *observability.Metrics
	tracer    trace.Tracer
)

func main() {
	var (
		configPath = flag.String("config", "configs/default.yaml", "Path to configuration file")
		envFile    = flag.String("env", ".env", "Path to a dotenv file, ignored when missing")
		version    = flag.Bool("version", false, "Show version information")
		query      = flag.String("query", "", "Research question (read from stdin when empty)")
		mode       = flag.String("mode", "", "Preset overriding research.mode: fast or dev")
		jsonOut    = flag.Bool("json", false, "Print the report as JSON")
	)
	flag.Parse()

	if *version {
		fmt.Printf("Doc Research Engine\n")
		fmt.Printf("Version: %s\n", Version)
		fmt.Printf("Build Time: %s\n", BuildTime)
		os.Exit(0)
	}

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("Failed to load %s: %v", *envFile, err)
	}

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *mode != "" {
		if err := cfg.ApplyMode(*mode); err != nil {
			log.Fatalf("Invalid mode: %v", err)
		}
		if err := cfg.Validate(); err != nil {
			log.Fatalf("Invalid configuration: %v", err)
		}
	}
	// stdout carries the report
	observability.SetLogOutput(os.Stderr)
	observability.SetLogLevel(cfg.Observability.Logging.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := initObservability(cfg); err != nil {
		log.Fatalf("Failed to initialize observability: %v", err)
	}
	defer shutdownObservability()

	ctx, span := tracer.Start(ctx, "main",
		trace.WithAttributes(
			attribute.String("version", Version),
			attribute.String("llm.provider", cfg.LLM.Provider),
		),
	)

	log.Printf("Starting Doc Research Engine v%s (built: %s)", Version, BuildTime)
	log.Printf("Configuration loaded from: %s", *configPath)

	err = run(ctx, cfg, *query, *jsonOut)
	if err != nil {
		span.RecordError(err)
	}
	span.End()
	if err != nil {
		shutdownObservability()
		log.Fatalf("Research failed: %v", err)
	}
}

func initObservability(cfg *config.Config) error {
	telConfig := &observability.TelemetryConfig{
		ServiceName:    "doc-research-engine",
		ServiceVersion: Version,
		Environment:    getEnvironment(),
		OTLPEndpoint:   cfg.Observability.Tracing.Endpoint,
		OTLPInsecure:   cfg.Observability.Tracing.Insecure,
		PrometheusPort: cfg.Observability.Metrics.Port,
		SamplingRate:   cfg.Observability.Tracing.SamplingRate,
		EnableTracing:  cfg.Observability.Tracing.Enabled,
		EnableMetrics:  cfg.Observability.Metrics.Enabled,
	}

	var err error
	telemetry, err = observability.NewTelemetry(telConfig)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	tracer = telemetry.Tracer()

	if cfg.Observability.Metrics.Enabled {
		metrics, err = observability.NewMetrics(telemetry.Meter())
		if err != nil {
			return fmt.Errorf("failed to initialize metrics: %w", err)
		}
		go serveMetrics(cfg.Observability.Metrics.Port)
	}
	return nil
}

// serveMetrics exposes the prometheus exporter for the lifetime of the process
func serveMetrics(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Printf("Metrics server on %s stopped: %v", addr, err)
	}
}

func shutdownObservability() {
	if telemetry == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := telemetry.Shutdown(shutdownCtx); err != nil {
		log.Printf("Error shutting down telemetry: %v", err)
	}
	telemetry = nil
}

func run(ctx context.Context, cfg *config.Config, question string, jsonOut bool) error {
	deps, cleanup, err := buildDeps(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	question, err = readQuestion(question)
	if err != nil {
		return err
	}

	start := time.Now()
	report, err := workflow.Run(ctx, question, cfg, deps)
	if err != nil {
		var failure *domain.FailureResult
		if errors.As(err, &failure) {
			printFailure(failure, jsonOut)
		}
		return err
	}

	printReport(report, time.Since(start), jsonOut)
	return nil
}

// buildDeps wires the configured providers. cleanup releases pooled connections.
func buildDeps(ctx context.Context, cfg *config.Config) (workflow.Deps, func(), error) {
	ctx, span := tracer.Start(ctx, "initialize_components")
	defer span.End()

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (workflow.Deps, func(), error) {
		span.RecordError(err)
		cleanup()
		return workflow.Deps{}, func() {}, err
	}

	ollamaClient := llm.NewOllamaClient(cfg.LLM.Ollama.BaseURL, cfg.LLM.Model, &llm.OllamaOptions{
		Temperature: cfg.LLM.TemperatureLow,
		MaxTokens:   cfg.LLM.MaxTokens,
		TopP:        cfg.LLM.Ollama.TopP,
		TopK:        cfg.LLM.Ollama.TopK,
		EmbedModel:  cfg.LLM.Ollama.EmbedModel,
		Timeout:     config.GetDuration(cfg.LLM.Ollama.Timeout, 2*time.Minute),
	})

	var client domain.LLMClient
	switch cfg.LLM.Provider {
	case "ollama":
		healthCtx, healthSpan := tracer.Start(ctx, "ollama_health_check")
		err := ollamaClient.CheckHealth(healthCtx)
		healthSpan.End()
		if err != nil {
			return fail(fmt.Errorf("ollama health check failed: %w", err))
		}
		log.Println("Ollama connection established")
		client = ollamaClient
	default:
		openaiClient, err := llm.NewOpenAIClient(llm.OpenAIConfig{
			APIKey:      cfg.LLM.OpenAI.APIKey,
			BaseURL:     cfg.LLM.OpenAI.BaseURL,
			Model:       cfg.LLM.Model,
			Temperature: cfg.LLM.TemperatureLow,
			MaxTokens:   cfg.LLM.MaxTokens,
		})
		if err != nil {
			return fail(fmt.Errorf("failed to create openai client: %w", err))
		}
		client = openaiClient
	}

	// Query vectors come from Ollama when an embedding model is configured,
	// otherwise Weaviate vectorizes the query itself.
	var embedder domain.Embedder
	if cfg.LLM.Ollama.EmbedModel != "" {
		instrumented, err := llm.NewInstrumentedEmbedder(ollamaClient, telemetry, "ollama", cfg.LLM.Ollama.EmbedModel)
		if err != nil {
			return fail(err)
		}
		embedder = instrumented
	}

	index, err := search.NewWeaviateClient(search.WeaviateConfig{
		URL:        cfg.Search.URL,
		APIKey:     cfg.Search.APIKey,
		Collection: cfg.Search.Collection,
		Properties: cfg.Search.Properties,
		Timeout:    config.GetDuration(cfg.Search.Timeout, 30*time.Second),
		Breaker: search.CircuitBreakerOptions{
			FailureThreshold: cfg.Search.CircuitBreaker.FailureThreshold,
			SuccessThreshold: cfg.Search.CircuitBreaker.SuccessThreshold,
			OpenDuration:     config.GetDuration(cfg.Search.CircuitBreaker.OpenDuration, 30*time.Second),
		},
	}, embedder)
	if err != nil {
		return fail(fmt.Errorf("failed to create search client: %w", err))
	}

	var docs domain.DocumentStore
	switch cfg.Documents.Type {
	case "memory":
		mem, err := documents.LoadMemoryStore(ctx, cfg.Documents.Path)
		if err != nil {
			return fail(err)
		}
		log.Printf("Preloaded %d documents from %s", mem.Len(), cfg.Documents.Path)
		docs = mem
	case "postgres":
		pg, err := documents.NewPostgresStore(ctx, documents.PostgresConfig{
			DSN:      cfg.Documents.DSN,
			MaxConns: cfg.Documents.MaxConns,
			MinConns: cfg.Documents.MinConns,
		})
		if err != nil {
			return fail(err)
		}
		closers = append(closers, pg.Close)
		docs = pg
	default:
		fs, err := documents.NewFileStore(cfg.Documents.Path)
		if err != nil {
			return fail(err)
		}
		docs = fs
	}

	var sessions state.SessionStore
	switch cfg.Storage.Type {
	case "memory":
		sessions = state.NewMemoryStore()
	case "redis":
		rs, err := state.NewRedisStoreFromURL(ctx, cfg.Storage.RedisURL, cfg.Storage.KeyPrefix,
			config.GetDuration(cfg.Storage.TTL, 0))
		if err != nil {
			return fail(err)
		}
		closers = append(closers, func() {
			if err := rs.Close(); err != nil {
				log.Printf("Error closing redis: %v", err)
			}
		})
		sessions = rs
	default:
		fs, err := state.NewFileStore(cfg.Storage.Path)
		if err != nil {
			return fail(err)
		}
		sessions = fs
	}

	return workflow.Deps{
		LLM:       client,
		Search:    index,
		Documents: docs,
		Sessions:  sessions,
		Telemetry: telemetry,
		Metrics:   metrics,
	}, cleanup, nil
}

func readQuestion(question string) (string, error) {
	if strings.TrimSpace(question) != "" {
		return question, nil
	}
	fmt.Print("Enter your research question: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("failed to read question from stdin: %w", err)
	}
	if strings.TrimSpace(line) == "" {
		return "", fmt.Errorf("no research question provided")
	}
	return strings.TrimSpace(line), nil
}

func printReport(report *domain.Report, elapsed time.Duration, jsonOut bool) {
	if jsonOut {
		printJSON(report)
		return
	}

	fmt.Println("\n=== Research Report ===")
	fmt.Printf("Report ID: %s\n", report.ID)
	fmt.Printf("Session: %s\n", report.SessionID)
	fmt.Printf("Generated: %s\n", report.GeneratedAt.Format(time.RFC3339))
	fmt.Printf("Stopped: %s after %d round(s)\n\n", report.Status, report.Rounds)
	fmt.Println(report.Content)

	printSummary(report.Summary)
	fmt.Printf("\nTokens Used: %d\n", report.TokensUsed.TotalTokens)
	fmt.Printf("Duration: %s\n", elapsed.Round(time.Millisecond))
}

func printFailure(failure *domain.FailureResult, jsonOut bool) {
	if jsonOut {
		printJSON(failure)
		return
	}

	fmt.Println("\n=== Research Failed ===")
	fmt.Printf("Session: %s\n", failure.SessionID)
	fmt.Printf("Phase: %s (round %d)\n", failure.Phase, failure.Rounds)
	fmt.Printf("Reason: %s\n", failure.Reason)

	if len(failure.Insights) > 0 {
		fmt.Println("\nPartial findings:")
		for i, in := range failure.Insights {
			fmt.Printf("%d. %s (%s)\n", i+1, in.Title, in.DocumentID)
			fmt.Printf("   %s\n", in.Summary)
		}
	}
	printSummary(failure.Summary)
}

func printSummary(summary domain.ResultsSummary) {
	fmt.Println("\n--- Results Summary ---")
	fmt.Printf("Queries: %d\n", len(summary.Queries))
	for _, q := range summary.Queries {
		fmt.Printf("  - %s\n", q)
	}
	fmt.Printf("Chunks seen: %d\n", len(summary.ChunkIDs))
	fmt.Printf("Relevant documents: %s\n", strings.Join(summary.RelevantDocuments, ", "))
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		log.Printf("Failed to encode output: %v", err)
	}
}

func getEnvironment() string {
	if env := os.Getenv("ENVIRONMENT"); env != "" {
		return env
	}
	return "development"
}
