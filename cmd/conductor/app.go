package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/entrhq/conductor/pkg/agent"
	"github.com/entrhq/conductor/pkg/agent/ide"
	"github.com/entrhq/conductor/pkg/agent/prompts"
	"github.com/entrhq/conductor/pkg/agent/tools"
	"github.com/entrhq/conductor/pkg/config"
	"github.com/entrhq/conductor/pkg/executor/cli"
	"github.com/entrhq/conductor/pkg/llm/openai"
	"github.com/entrhq/conductor/pkg/llm/tokenizer"
	"github.com/entrhq/conductor/pkg/logging"
	"github.com/entrhq/conductor/pkg/security/workspace"
	"github.com/entrhq/conductor/pkg/telemetry"
	"github.com/entrhq/conductor/pkg/tools/builtin"
)

const (
	tokenizerChars    = "chars"
	tokenizerTiktoken = "tiktoken"

	profileFull     = "full"
	profileReadOnly = "read-only"

	repositoryContextFile = "AGENTS.md"
)

var mainLog *logging.Logger

func init() {
	var err error
	mainLog, err = logging.NewLogger("main")
	if err != nil {
		mainLog.Warnf("Failed to initialize main logger, using stderr fallback: %v", err)
	}
}

// run builds the agent from opts and the config file and hands the terminal
// to the CLI executor.
func run(ctx context.Context, opts *Options) error {
	manager, err := loadConfig(opts)
	if err != nil {
		return err
	}

	guard, err := workspace.NewGuard(opts.WorkspaceDir)
	if err != nil {
		return fmt.Errorf("failed to create workspace guard: %w", err)
	}

	registry, err := buildRegistry(guard, opts.Profile)
	if err != nil {
		return err
	}

	policy, err := manager.Approval().Policy()
	if err != nil {
		return fmt.Errorf("failed to build approval policy: %w", err)
	}

	sink, metrics, err := buildTelemetry()
	if err != nil {
		return err
	}
	if opts.MetricsAddr != "" {
		stop := serveMetrics(opts.MetricsAddr, metrics.Handler())
		defer stop()
	}

	llmSettings := manager.LLM().Settings()
	model := llmSettings.Model
	if model == "" {
		model = openai.DefaultModel
	}

	providerOpts := []openai.ProviderOption{openai.WithModel(model)}
	if llmSettings.BaseURL != "" {
		providerOpts = append(providerOpts, openai.WithBaseURL(llmSettings.BaseURL))
	}
	provider, err := openai.NewProvider(llmSettings.APIKey, providerOpts...)
	if err != nil {
		return err
	}

	estimator, err := buildEstimator(opts.Tokenizer, model)
	if err != nil {
		return err
	}

	systemPrompt := prompts.NewPromptBuilder().
		WithTools(registry.List()).
		WithProfile(opts.Profile).
		WithCustomInstructions(opts.Prompt).
		WithRepositoryContext(readRepositoryContext(guard.Root())).
		Build()

	client, err := agent.NewClient(provider, clientConfig(manager, model, systemPrompt, registry, estimator, sink, ideSource(opts.IDEContext)))
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}

	session := manager.Session().Settings()
	agentOpts := []agent.AgentOption{
		agent.WithApprovalTimeout(session.ApprovalTimeout),
		agent.WithMaxConcurrency(session.MaxConcurrency),
		agent.WithTelemetry(sink),
	}
	if session.MaxTurnsPerRequest > 0 {
		agentOpts = append(agentOpts, agent.WithMaxTurns(session.MaxTurnsPerRequest))
	}
	ag, err := agent.NewDefaultAgent(client, registry, policy, agentOpts...)
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}

	mainLog.Infof("Starting session: model=%s workspace=%s mode=%s tools=%v", model, guard.Root(), policy.Mode(), registry.Names())
	return cli.NewExecutor(ag, cli.WithShowThinking(!opts.NoThinking)).Run(ctx)
}

// clientConfig maps the config sections onto agent.Config.
func clientConfig(manager *config.Manager, model, systemPrompt string, registry *tools.Registry,
	estimator tokenizer.Estimator, sink telemetry.Sink, source ide.Source) agent.Config {
	llmSettings := manager.LLM().Settings()
	session := manager.Session().Settings()

	return agent.Config{
		Sink:      sink,
		Estimator: estimator,
		Retry:     manager.Retry().Policy(),
		IDE:       source,

		Model:              model,
		DefaultModel:       openai.DefaultModel,
		FallbackModel:      llmSettings.FallbackModel,
		NextSpeakerModel:   llmSettings.NextSpeakerModel,
		SummarizationModel: llmSettings.SummarizationModel,
		ClassifierModel:    llmSettings.ClassifierModel,
		SimpleModel:        llmSettings.SimpleModel,
		ComplexModel:       llmSettings.ComplexModel,

		SystemInstruction: systemPrompt,
		Tools:             registry.Declarations(),

		MaxSessionTurns:             session.MaxSessionTurns,
		TokenLimit:                  session.TokenLimit,
		CompressionThreshold:        session.CompressionThreshold,
		CompressionPreserveFraction: session.CompressionPreserveFraction,
		SkipNextSpeakerCheck:        session.SkipNextSpeakerCheck,
		DisableLoopDetection:        session.DisableLoopDetection,
	}
}

// buildRegistry registers the builtin tools and restricts them to profile.
func buildRegistry(guard *workspace.Guard, profile string) (*tools.Registry, error) {
	registry, err := tools.NewRegistry(builtin.All(guard)...)
	if err != nil {
		return nil, fmt.Errorf("failed to register tools: %w", err)
	}
	if profile == profileReadOnly {
		return registry.Restrict(builtin.ReadOnlyProfile)
	}
	return registry, nil
}

// buildEstimator returns the chars/4 heuristic unless tiktoken was asked for.
func buildEstimator(name, model string) (tokenizer.Estimator, error) {
	if name != tokenizerTiktoken {
		return tokenizer.CharEstimator{}, nil
	}
	tk, err := tokenizer.NewForModel(model)
	if err != nil {
		return nil, fmt.Errorf("failed to load tiktoken encoding: %w", err)
	}
	return tk, nil
}

// buildTelemetry fans events out to the log and to Prometheus.
func buildTelemetry() (telemetry.Sink, *telemetry.PrometheusSink, error) {
	metrics, err := telemetry.NewPrometheusSink()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create metrics sink: %w", err)
	}
	logger, err := logging.NewLogger("telemetry")
	if err != nil {
		mainLog.Warnf("Telemetry logger fell back to stderr: %v", err)
	}
	return telemetry.Multi{telemetry.NewLogSink(logger), metrics}, metrics, nil
}

// serveMetrics exposes handler on addr/metrics and returns a stop function.
func serveMetrics(addr string, handler http.Handler) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			mainLog.Errorf("Metrics server stopped: %v", err)
		}
	}()
	mainLog.Infof("Serving metrics on %s/metrics", addr)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			mainLog.Warnf("Metrics server shutdown: %v", err)
		}
	}
}

// ideSource reads editor state from a JSON file kept up to date by an
// editor integration. A missing or unreadable file means no editor.
func ideSource(path string) ide.Source {
	if path == "" {
		return nil
	}
	return ide.SourceFunc(func() *ide.Context {
		data, err := os.ReadFile(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				mainLog.Warnf("Failed to read editor context %s: %v", path, err)
			}
			return nil
		}
		var c ide.Context
		if err := json.Unmarshal(data, &c); err != nil {
			mainLog.Warnf("Ignoring malformed editor context %s: %v", path, err)
			return nil
		}
		return &c
	})
}

// readRepositoryContext returns the workspace's AGENTS.md, if any.
func readRepositoryContext(root string) string {
	data, err := os.ReadFile(filepath.Join(root, repositoryContextFile))
	if err != nil {
		return ""
	}
	return string(data)
}
