// HubPilot is the AI co-pilot service behind the HubSpot CRM dashboard.
//
// It exposes an HTTP API for submitting messages to co-pilot sessions
// and following their transcripts, and a CLI for one-shot questions.
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	hubpilot serve                  Start the API server
//	hubpilot init [dir]             Initialize a working directory
//	hubpilot ask [-mode m] <text>   Ask a single question
//	hubpilot tools                  List the tools offered to the model
//	hubpilot version                Print version and build information
//	hubpilot -o json version        Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/hubpilot/internal/agent"
	"github.com/nugget/hubpilot/internal/api"
	"github.com/nugget/hubpilot/internal/buildinfo"
	"github.com/nugget/hubpilot/internal/config"
	"github.com/nugget/hubpilot/internal/connwatch"
	"github.com/nugget/hubpilot/internal/conversation"
	"github.com/nugget/hubpilot/internal/events"
	"github.com/nugget/hubpilot/internal/generation"
	"github.com/nugget/hubpilot/internal/hubspot"
	"github.com/nugget/hubpilot/internal/llm"
	"github.com/nugget/hubpilot/internal/mqtt"
	"github.com/nugget/hubpilot/internal/schema"
	"github.com/nugget/hubpilot/internal/session"
	"github.com/nugget/hubpilot/internal/tools"
	"github.com/nugget/hubpilot/internal/usage"
)

// main constructs the OS-level environment and delegates to [run], so
// the whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand rather
// than with the flag package so that run can be called concurrently
// from tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case command != "":
			cmdArgs = append(cmdArgs, args[i])
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-"):
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		return runAsk(ctx, stdout, stderr, configPath, outputFmt, cmdArgs)
	case "tools":
		return runTools(stdout, outputFmt)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "HubPilot - AI co-pilot for the HubSpot CRM dashboard")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: hubpilot [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                 Start the API server")
	fmt.Fprintln(w, "  init [dir]            Initialize a working directory (default: .)")
	fmt.Fprintln(w, "  ask [-mode m] <text>  Ask a single question (modes: chat, optimize, audit)")
	fmt.Fprintln(w, "  tools                 List the tools offered to the model")
	fmt.Fprintln(w, "  version               Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/hubpilot/config.yaml, /etc/hubpilot/config.yaml")
	return nil
}

// runTools lists the tool catalog a server would offer.
func runTools(w io.Writer, outputFmt string) error {
	registry, err := newToolRegistry(hubspot.NewClient("", "", 0, nil), nil, nil)
	if err != nil {
		return err
	}
	decls := registry.Declarations()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(decls)
	}
	fmt.Fprint(w, schema.Catalog(decls))
	return nil
}

// runAsk handles "hubpilot ask". It runs one message through an
// in-memory session and prints the turns it produced.
func runAsk(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string, args []string) error {
	mode := ""
	var words []string
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-mode" && i+1 < len(args):
			mode = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-mode="):
			mode = strings.TrimPrefix(args[i], "-mode=")
		default:
			words = append(words, args[i])
		}
	}
	text := strings.Join(words, " ")
	if strings.TrimSpace(text) == "" {
		return errors.New("usage: hubpilot ask [-mode chat|optimize|audit] <text>")
	}

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}
	// Logs go to stderr so stdout carries only the answer.
	logger := config.NewLogger(stderr, slog.LevelWarn, cfg.LogFormat)

	c, err := newCore(cfg, logger, nil, nil, nil)
	if err != nil {
		return err
	}
	sessions := session.NewManager(c.loop, logger, session.WithDefaultMode(schema.Mode(cfg.Generation.DefaultMode)))
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sessions.Shutdown(shutdownCtx)
	}()

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	id := "cli-" + session.NewID()
	if _, err := sessions.Submit(session.Submission{SessionID: id, Text: text, Mode: schema.Mode(mode)}); err != nil {
		return fmt.Errorf("ask: %w", err)
	}
	runErr := sessions.Wait(ctx, id)

	turns, err := sessions.Turns(id)
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}
	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(turns); err != nil {
			return err
		}
	} else {
		fmt.Fprint(stdout, conversation.Markdown(turns))
	}

	if runErr != nil {
		return fmt.Errorf("%s: %w", session.UserMessage(runErr), runErr)
	}
	return nil
}

// runServe handles "hubpilot serve". It loads config, opens the
// stores, starts the dependency watchers and optional MQTT publisher,
// and serves the API until a shutdown signal arrives.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := config.NewLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting HubPilot", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}

	// Reconfigure the logger now that the level and format are known.
	{
		level, _ := config.ParseLogLevel(cfg.LogLevel) // validated above
		logger = config.NewLogger(stdout, level, cfg.LogFormat)
	}
	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"model", cfg.Gemini.Model,
		"data_dir", cfg.DataDir,
		"hubspot", cfg.HubSpot.Token != "",
		"mqtt", cfg.MQTT.Configured(),
	)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	bus := events.New()

	usageStore, err := usage.NewStore(filepath.Join(cfg.DataDir, "usage.db"))
	if err != nil {
		return fmt.Errorf("open usage store: %w", err)
	}
	defer usageStore.Close()

	convStore, err := conversation.NewStore(filepath.Join(cfg.DataDir, "conversations.db"))
	if err != nil {
		return fmt.Errorf("open conversation store: %w", err)
	}
	defer convStore.Close()

	c, err := newCore(cfg, logger, bus, usageStore, usageStore)
	if err != nil {
		return err
	}

	// --- Dependency watchers ---
	connMgr := connwatch.NewManager(logger)
	defer connMgr.Stop()

	connMgr.Watch(ctx, connwatch.WatcherConfig{
		Name:     "gemini",
		Probe:    connwatch.PingProbe(c.gemini),
		Required: true,
		Backoff:  connwatch.DefaultBackoffConfig(),
		Logger:   logger,
	})
	if c.crm.Configured() {
		crmWatcher := connMgr.Watch(ctx, connwatch.WatcherConfig{
			Name:    "hubspot",
			Probe:   connwatch.PingProbe(c.crm),
			Backoff: connwatch.DefaultBackoffConfig(),
			Logger:  logger,
		})
		c.crm.SetWatcher(crmWatcher)
	} else {
		logger.Info("hubspot tools will report not configured (no token)")
	}

	sessions := session.NewManager(c.loop, logger,
		session.WithStore(convStore),
		session.WithEventBus(bus),
		session.WithDefaultMode(schema.Mode(cfg.Generation.DefaultMode)),
	)

	// --- MQTT publisher ---
	var mqttPub *mqtt.Publisher
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("load mqtt instance id: %w", err)
		}
		logger.Info("mqtt instance ID loaded", "instance_id", instanceID)

		mqttPub = mqtt.New(cfg.MQTT, instanceID, bus, sessions, logger)
		go func() {
			if err := mqttPub.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()

		connMgr.Watch(ctx, connwatch.WatcherConfig{
			Name: "mqtt",
			Probe: func(pCtx context.Context) error {
				awaitCtx, awaitCancel := context.WithTimeout(pCtx, 2*time.Second)
				defer awaitCancel()
				return mqttPub.AwaitConnection(awaitCtx)
			},
			Backoff: connwatch.DefaultBackoffConfig(),
			Logger:  logger,
		})
		logger.Info("mqtt publishing enabled", "broker", cfg.MQTT.Broker, "prefix", cfg.MQTT.TopicPrefix)
	} else {
		logger.Info("mqtt publishing disabled (not configured)")
	}

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, sessions, logger)
	server.SetTools(c.registry)
	server.SetUsageStore(usageStore)
	server.SetSessionLister(convStore)
	server.SetHealth(connMgr)
	server.SetEventBus(bus)

	// --- Signal handling and graceful shutdown ---
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := sessions.Shutdown(shutdownCtx); err != nil {
			logger.Warn("sessions did not stop in time", "error", err)
		}
		if mqttPub != nil {
			if err := mqttPub.Stop(shutdownCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("HubPilot stopped")
	return nil
}

// core is the generation pipeline shared by serve and ask.
type core struct {
	gemini   *llm.GeminiClient
	crm      *hubspot.Client
	registry *tools.Registry
	gen      *generation.Client
	loop     *agent.Loop
}

// newCore wires the Gemini backend, the resilient generation client,
// the tool registry and the agent loop. bus, rec and querier may be
// nil.
func newCore(cfg *config.Config, logger *slog.Logger, bus *events.Bus, rec generation.UsageRecorder, querier tools.UsageQuerier) (*core, error) {
	if cfg.Gemini.APIKey == "" {
		return nil, errors.New("gemini.api_key is not set")
	}

	gemini := llm.NewGeminiClient(cfg.Gemini.APIKey, cfg.Gemini.Model, logger, llm.WithBaseURL(cfg.Gemini.BaseURL))

	genOpts := []generation.Option{
		generation.WithPolicy(generation.Policy{
			MaxAttempts: cfg.Generation.MaxAttempts,
			BaseDelay:   cfg.Generation.BaseDelay,
			Multiplier:  cfg.Generation.Multiplier,
		}),
		generation.WithEventBus(bus),
	}
	if rec != nil {
		genOpts = append(genOpts, generation.WithUsage(rec, cfg.Gemini.Pricing))
	}
	gen := generation.NewClient(gemini, logger, genOpts...)

	crm := hubspot.NewClient(cfg.HubSpot.BaseURL, cfg.HubSpot.Token, cfg.HubSpot.Timeout, logger)
	registry, err := newToolRegistry(crm, querier, logger)
	if err != nil {
		return nil, err
	}

	loop := agent.NewLoop(gen, schema.DefaultRegistry(), registry, logger,
		agent.WithMaxRounds(cfg.Generation.MaxRounds),
		agent.WithEventBus(bus),
	)
	return &core{gemini: gemini, crm: crm, registry: registry, gen: gen, loop: loop}, nil
}

// newToolRegistry registers the CRM tools and, when querier is set,
// the usage tool, then checks every declared tool has a handler.
func newToolRegistry(crm tools.CRMReader, querier tools.UsageQuerier, logger *slog.Logger) (*tools.Registry, error) {
	registry := tools.NewRegistry(logger)
	if err := tools.RegisterHubSpot(registry, crm); err != nil {
		return nil, fmt.Errorf("register hubspot tools: %w", err)
	}
	declared := tools.HubSpotDeclarations()
	if querier != nil {
		if err := tools.RegisterUsage(registry, querier); err != nil {
			return nil, fmt.Errorf("register usage tool: %w", err)
		}
		declared = append(declared, tools.UsageSummaryDeclaration)
	}
	if err := registry.Check(declared); err != nil {
		return nil, fmt.Errorf("tool catalog out of sync: %w", err)
	}
	return registry, nil
}

// loadConfig locates and parses the YAML configuration file. If
// explicit is non-empty, that exact path is used.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
