package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/zpandasoft/deer-flow/internal/agent"
	"github.com/zpandasoft/deer-flow/internal/config"
	"github.com/zpandasoft/deer-flow/internal/decompose"
	"github.com/zpandasoft/deer-flow/internal/evaluate"
	"github.com/zpandasoft/deer-flow/internal/llm"
	"github.com/zpandasoft/deer-flow/internal/metrics"
	"github.com/zpandasoft/deer-flow/internal/orchestrator"
	"github.com/zpandasoft/deer-flow/internal/report"
	"github.com/zpandasoft/deer-flow/internal/research"
	"github.com/zpandasoft/deer-flow/internal/scheduler"
	"github.com/zpandasoft/deer-flow/internal/state"
	"github.com/zpandasoft/deer-flow/internal/throttle"
)

// errNoModel is returned by the offline invoker used by commands that
// only read or control objectives.
var errNoModel = errors.New("no model configured for this command")

// app bundles everything a command needs.
type app struct {
	cfg     *config.Config
	db      *state.DB
	manager *orchestrator.Manager
	metrics *metrics.Metrics
	client  *llm.Client
	reports *report.Writer
	debug   *scheduler.DebugLogger
	server  *http.Server
}

// newApp opens the store and builds the manager. With online set, a model
// client is created from the configured key; otherwise every model call
// fails with errNoModel.
func newApp(cfg *config.Config, online bool) (*app, error) {
	debug, err := scheduler.NewDebugLogger(cfg.Log.DebugFile)
	if err != nil {
		return nil, fmt.Errorf("create debug logger: %w", err)
	}
	scheduler.SetDebugLogger(debug)

	db, err := state.OpenWithDriver(cfg.Store.Driver, cfg.Store.Path)
	if err != nil {
		debug.Close()
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		debug.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	a := &app{
		cfg:     cfg,
		db:      db,
		metrics: metrics.New(),
		reports: report.NewOsWriter(cfg.Reports.Dir),
		debug:   debug,
	}

	var inv llm.Invoker = llm.InvokerFunc(func(ctx context.Context, prompt string) (string, error) {
		return "", errNoModel
	})
	if online {
		client, err := newLLMClient(cfg)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.client = client
		inv = throttle.Invoker(client, throttle.PerMinute(cfg.LLM.RequestsPerMinute))
	}

	m, err := orchestrator.NewManager(orchestrator.Deps{
		Store:       db,
		Executor:    newRouter(cfg, inv),
		Analyzer:    agent.NewContextAnalyzer(inv),
		Decomposer:  decompose.New(inv, cfg.Scheduler.MaxRetries),
		Gate:        evaluate.NewGate(evaluate.NewLLMEvaluator(inv), cfg.Evaluation.CompletionThreshold),
		Synthesizer: agent.NewSynthesizer(inv),
		Reports:     a.reports,
	},
		orchestrator.WithMaxWorkers(cfg.Scheduler.MaxWorkers),
		orchestrator.WithPollInterval(cfg.Scheduler.PollInterval),
		orchestrator.WithStepTimeout(cfg.Scheduler.StepTimeout),
		orchestrator.WithRetryPolicy(scheduler.RetryPolicy{
			BaseDelay:  cfg.Scheduler.BaseDelay,
			MaxDelay:   cfg.Scheduler.MaxDelay,
			MaxRetries: cfg.Scheduler.MaxRetries,
		}),
		orchestrator.WithAutoAccept(cfg.Workflow.AutoAccept),
		orchestrator.WithObjectiveRetries(cfg.Workflow.MaxRetries),
		orchestrator.WithMetrics(a.metrics),
	)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("create manager: %w", err)
	}
	a.manager = m
	return a, nil
}

func newLLMClient(cfg *config.Config) (*llm.Client, error) {
	cc := llm.ClientConfig{
		Model:         anthropic.Model(cfg.LLM.Model),
		MaxTokens:     cfg.LLM.MaxTokens,
		UseAWSBedrock: cfg.LLM.UseBedrock,
		AWSRegion:     cfg.LLM.AWSRegion,
		AWSProfile:    cfg.LLM.AWSProfile,
	}
	if !cfg.LLM.UseBedrock {
		key, err := config.GetAPIKey(cfg)
		if err != nil {
			return nil, fmt.Errorf("%w (set ANTHROPIC_API_KEY or llm.api_key)", err)
		}
		cc.APIKey = key
	}
	client, err := llm.NewClient(cc)
	if err != nil {
		return nil, fmt.Errorf("create API client: %w", err)
	}
	return client, nil
}

// newRouter routes research steps to Tavily plus page fetches and
// processing steps to the model. Without a search key research steps fail.
func newRouter(cfg *config.Config, inv llm.Invoker) *agent.Router {
	var search research.Searcher
	if key, err := config.GetSearchAPIKey(cfg); err == nil {
		search = throttle.Searcher(
			research.NewTavilyWithClient(key, cfg.Search.Depth, cfg.Search.MaxResults,
				&http.Client{Timeout: cfg.Search.Timeout}),
			throttle.PerMinute(cfg.Search.RequestsPerMinute))
	} else {
		log.Printf("[taskflow] %v; research steps will fail", err)
	}
	fetch := research.NewHTTPFetcher(cfg.Fetch.Timeout, cfg.Fetch.MaxBytes)
	return agent.NewRouter(
		agent.NewResearchExecutor(search, fetch, inv, cfg.Fetch.MaxPages),
		agent.NewProcessingExecutor(inv),
		cfg.Scheduler.StepTimeout,
	)
}

// serveMetrics exposes /metrics when metrics.addr is configured.
func (a *app) serveMetrics() {
	if a.cfg.Metrics.Addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	a.server = &http.Server{Addr: a.cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[taskflow] metrics listener: %v", err)
		}
	}()
}

// Close stops the manager and releases the store.
func (a *app) Close() {
	if a.manager != nil {
		a.manager.Stop()
	}
	if a.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		a.server.Shutdown(ctx)
		cancel()
	}
	if a.client != nil {
		in, out := a.client.Tracker().Total()
		log.Printf("[taskflow] model usage: %d calls, %d input / %d output tokens", a.client.Tracker().Calls(), in, out)
	}
	a.db.Close()
	scheduler.SetDebugLogger(nil)
	a.debug.Close()
}
