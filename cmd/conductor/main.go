// Package main provides the conductor terminal agent. It wires the
// configuration file, the OpenAI transport, the builtin tools and the
// approval policy into a DefaultAgent driven by the CLI executor.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/entrhq/conductor/pkg/agent/approval"
	"github.com/entrhq/conductor/pkg/config"
)

const version = "0.1.0"

// Options holds the command line configuration. Empty values defer to the
// config file.
type Options struct {
	ConfigPath   string
	WorkspaceDir string
	Model        string
	APIKey       string
	BaseURL      string
	Mode         string
	Tokenizer    string
	Profile      string
	MetricsAddr  string
	IDEContext   string
	Prompt       string
	NoThinking   bool
	ShowVersion  bool
}

func main() {
	opts, err := parseFlags(os.Args[1:], os.Stderr)
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	if opts.ShowVersion {
		fmt.Printf("Conductor v%s\n", version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts); err != nil && !errors.Is(err, context.Canceled) {
		stop()
		log.Fatalf("Application error: %v", err)
	}
}

// parseFlags parses command line flags.
func parseFlags(args []string, stderr io.Writer) (*Options, error) {
	opts := &Options{}
	fs := pflag.NewFlagSet("conductor", pflag.ContinueOnError)
	fs.SetOutput(stderr)

	fs.StringVarP(&opts.ConfigPath, "config", "c", "", "Config file (.yaml, .yml or .json; default ~/.conductor/config.yaml)")
	fs.StringVarP(&opts.WorkspaceDir, "workspace", "w", ".", "Workspace directory the tools are confined to")
	fs.StringVarP(&opts.Model, "model", "m", "", "Model to use, or \"auto\" to let the router choose")
	fs.StringVar(&opts.APIKey, "api-key", "", "OpenAI API key (or set OPENAI_API_KEY)")
	fs.StringVar(&opts.BaseURL, "base-url", "", "OpenAI-compatible API base URL (or set OPENAI_BASE_URL)")
	fs.StringVar(&opts.Mode, "mode", "", "Approval mode: default, autoEdit or yolo")
	fs.StringVar(&opts.Tokenizer, "tokenizer", tokenizerChars, "Token estimator: chars or tiktoken")
	fs.StringVar(&opts.Profile, "profile", profileFull, "Tool profile: full or read-only")
	fs.StringVar(&opts.MetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	fs.StringVar(&opts.IDEContext, "ide-context", "", "JSON file with the editor state, re-read before every request")
	fs.StringVarP(&opts.Prompt, "prompt", "p", "", "Custom instructions added to the system prompt")
	fs.BoolVar(&opts.NoThinking, "no-thinking", false, "Hide model reasoning")
	fs.BoolVarP(&opts.ShowVersion, "version", "v", false, "Show version and exit")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Conductor - a terminal agent with approval-gated tools\n\n")
		fmt.Fprintf(stderr, "Usage: conductor [options]\n\n")
		fmt.Fprintf(stderr, "Options:\n")
		fs.PrintDefaults()
		fmt.Fprintf(stderr, "\nExamples:\n")
		fmt.Fprintf(stderr, "  conductor -w ./project\n")
		fmt.Fprintf(stderr, "  conductor --model gpt-4.1-mini --mode autoEdit\n")
		fmt.Fprintf(stderr, "  conductor --tokenizer tiktoken --metrics-addr :9090\n")
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return opts, nil
}

// validate checks values that do not need the config file.
func (o *Options) validate() error {
	if o.Mode != "" {
		if _, err := approval.ParseMode(o.Mode); err != nil {
			return err
		}
	}
	switch o.Tokenizer {
	case tokenizerChars, tokenizerTiktoken:
	default:
		return fmt.Errorf("unknown tokenizer %q (want %s or %s)", o.Tokenizer, tokenizerChars, tokenizerTiktoken)
	}
	switch o.Profile {
	case profileFull, profileReadOnly:
	default:
		return fmt.Errorf("unknown profile %q (want %s or %s)", o.Profile, profileFull, profileReadOnly)
	}

	info, err := os.Stat(o.WorkspaceDir)
	if err != nil {
		return fmt.Errorf("workspace directory error: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("workspace path '%s' is not a directory", o.WorkspaceDir)
	}
	return nil
}

// loadConfig reads the config file and applies flag overrides on top.
func loadConfig(opts *Options) (*config.Manager, error) {
	path := opts.ConfigPath
	if path == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	manager, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", path, err)
	}

	overrides := map[string]any{}
	if opts.Model != "" {
		overrides["model"] = opts.Model
	}
	if opts.APIKey != "" {
		overrides["api_key"] = opts.APIKey
	}
	if opts.BaseURL != "" {
		overrides["base_url"] = opts.BaseURL
	}
	if len(overrides) > 0 {
		if err := manager.LLM().SetData(overrides); err != nil {
			return nil, err
		}
	}
	if opts.Mode != "" {
		if err := manager.Approval().SetData(map[string]any{"mode": opts.Mode}); err != nil {
			return nil, err
		}
	}
	return manager, nil
}
