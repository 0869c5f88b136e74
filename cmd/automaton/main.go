// Automaton is a self-sustaining autonomous agent.
//
// It runs a think/act loop against a hosted (or local Ollama) model,
// pays for its own inference out of a credit balance, and suspends
// itself between bursts of work. A heartbeat scheduler wakes it when
// something needs attention. Configuration is loaded from a single YAML
// file discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	automaton run                  Run the agent until interrupted
//	automaton init [dir]           Initialize a data directory with defaults
//	automaton status               Print the persisted agent status
//	automaton wake <reason>        Ask a sleeping agent to wake up
//	automaton send <from> <text>   Queue an inbox message
//	automaton version              Print version and build information
//	automaton -o json status       Output as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/automaton/internal/agent"
	"github.com/nugget/automaton/internal/api"
	"github.com/nugget/automaton/internal/buildinfo"
	"github.com/nugget/automaton/internal/config"
	"github.com/nugget/automaton/internal/events"
	"github.com/nugget/automaton/internal/financial"
	"github.com/nugget/automaton/internal/heartbeat"
	"github.com/nugget/automaton/internal/httpkit"
	"github.com/nugget/automaton/internal/llm"
	"github.com/nugget/automaton/internal/loopdetect"
	"github.com/nugget/automaton/internal/mqtt"
	"github.com/nugget/automaton/internal/skills"
	"github.com/nugget/automaton/internal/state"
	"github.com/nugget/automaton/internal/tools"
	"github.com/nugget/automaton/internal/usage"
)

// main constructs the OS-level environment and delegates to [run], so
// the whole lifecycle can be driven from tests.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. ctx controls the process lifetime;
// cancelling it triggers graceful shutdown. Logs go to stdout. Arguments
// are parsed by hand because the flag package's globals make run unsafe
// to call from parallel tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
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
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "run":
		return runAgent(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "status":
		return runStatus(ctx, stdout, configPath, outputFmt)
	case "wake":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: automaton wake <reason>")
		}
		return runWake(ctx, stdout, configPath, strings.Join(cmdArgs, " "))
	case "send":
		if len(cmdArgs) < 2 {
			return fmt.Errorf("usage: automaton send <from> <text>")
		}
		return runSend(ctx, stdout, configPath, cmdArgs[0], strings.Join(cmdArgs[1:], " "))
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
	rows := [][2]string{
		{"version", info.Version},
		{"git_commit", info.GitCommit},
		{"build_time", info.BuildTime},
		{"go_version", info.GoVersion},
		{"platform", info.OS + "/" + info.Arch},
	}
	for _, r := range rows {
		fmt.Fprintf(w, "  %-12s %s\n", r[0]+":", r[1])
	}
	if info.Modified != "" {
		fmt.Fprintln(w, "  (built from a modified tree)")
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Automaton - self-sustaining autonomous agent")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: automaton [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  run                  Run the agent until interrupted")
	fmt.Fprintln(w, "  init [dir]           Initialize a data directory with defaults (default: .)")
	fmt.Fprintln(w, "  status               Show the persisted agent status")
	fmt.Fprintln(w, "  wake <reason>        Request that a sleeping agent wake up")
	fmt.Fprintln(w, "  send <from> <text>   Queue an inbox message for the agent")
	fmt.Fprintln(w, "  version              Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/automaton/config.yaml, /etc/automaton/config.yaml")
	return nil
}

// runAgent handles "automaton run". It wires the store, financial gate,
// inference client, tools, heartbeat scheduler and optional status
// surfaces, then drives the agent loop until ctx is cancelled.
func runAgent(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting automaton", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger = cfg.NewLogger(stdout)
	slog.SetDefault(logger)

	logger.Info("config loaded",
		"path", cfgPath,
		"db", cfg.DBPath,
		"model", cfg.Inference.Model,
		"ollama", cfg.OllamaMode(),
		"port", cfg.Listen.Port,
	)

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("close store failed", "error", err)
		}
	}()

	bus := events.New()
	gate := newGate(cfg, logger)
	client := newLLMClient(cfg, logger)

	registry := tools.NewRegistry(logger)
	tools.RegisterBuiltins(registry, tools.BuiltinDeps{
		Store:      store,
		Gate:       gate,
		OllamaMode: cfg.OllamaMode(),
	})

	spend := mqtt.NewDailySpend(time.Local)
	loop, err := agent.NewLoop(agent.Config{
		Store:     store,
		Gate:      gate,
		Inference: client,
		Tools:     registry,
		Detector:  loopdetect.New(cfg.Loop.RepetitionWindow),
		Pricing:   usage.FromConfig(cfg.Pricing),
		Identity: agent.Identity{
			Name:           cfg.Name,
			Address:        cfg.Identity.Address,
			CreatorAddress: cfg.Identity.CreatorAddress,
			SandboxID:      cfg.Identity.SandboxID,
			GenesisPrompt:  cfg.Identity.GenesisPrompt,
		},
		Observers:  []agent.Observer{agent.BusObserver{Bus: bus}, spend},
		Limits:     agent.LimitsFromConfig(cfg.Loop),
		OllamaMode: cfg.OllamaMode(),
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("create agent loop: %w", err)
	}

	// --- Heartbeat ---
	entries, err := heartbeat.LoadFile(cfg.Heartbeat.ConfigPath)
	if err != nil {
		return fmt.Errorf("load heartbeat config: %w", err)
	}
	if err := heartbeat.Sync(ctx, store, entries); err != nil {
		return fmt.Errorf("sync heartbeat entries: %w", err)
	}
	var taskGate *financial.Gate
	if !cfg.OllamaMode() {
		taskGate = gate
	}
	sched, err := heartbeat.New(heartbeat.Config{
		Store:    store,
		Tasks:    heartbeat.BuiltinTasks(heartbeat.TaskDeps{Store: store, Gate: taskGate, Logger: logger}),
		Bus:      bus,
		Interval: cfg.Heartbeat.TickInterval,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("create heartbeat scheduler: %w", err)
	}
	sched.Start(ctx)
	defer sched.Stop()
	logger.Info("heartbeat started", "entries", len(entries), "tick", cfg.Heartbeat.TickInterval)

	var wg sync.WaitGroup

	// --- Status API ---
	var server *api.Server
	if cfg.Listen.Port > 0 {
		server = api.NewServer(api.Config{
			Address: cfg.Listen.Address,
			Port:    cfg.Listen.Port,
			Name:    cfg.Name,
			Store:   store,
			Gate:    gate,
			Bus:     bus,
			Logger:  logger,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := server.Start(ctx); err != nil {
				logger.Error("status server failed", "error", err)
			}
		}()
	}

	// --- MQTT ---
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.InstanceID(ctx, store)
		if err != nil {
			return fmt.Errorf("mqtt instance id: %w", err)
		}
		pub := mqtt.New(cfg.MQTT, instanceID, spend, &statusAdapter{
			store: store,
			gate:  gate,
			model: client.DefaultModel(),
		}, logger)
		pub.SetBus(bus)
		if cfg.MQTT.AcceptInbox {
			pub.SetMessageHandler(mqtt.InboxHandler(store, logger))
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := pub.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := pub.Stop(stopCtx); err != nil {
				logger.Warn("mqtt publisher stop failed", "error", err)
			}
		}()
	}

	runner := newHostRunner(loop, store.Runner(), cfg.Runner, logger)
	runner.skills = skills.NewLoader(cfg.SkillsDir, logger)
	runner.bus = bus

	runErr := runner.run(ctx)

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	runner.shutdown(shutdownCtx)
	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("status server shutdown failed", "error", err)
		}
	}
	wg.Wait()
	return runErr
}

// runStatus prints the persisted status. Credit fields stay empty
// because the command does not poll the provider.
func runStatus(ctx context.Context, w io.Writer, configPath, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	st, err := api.CollectStatus(ctx, cfg.Name, store, nil)
	if err != nil {
		return fmt.Errorf("collect status: %w", err)
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}

	fmt.Fprintf(w, "%s: %s\n", st.Name, st.State)
	fmt.Fprintf(w, "  %-14s %d\n", "turns:", st.TurnCount)
	fmt.Fprintf(w, "  %-14s %d\n", "unread inbox:", st.UnreadInbox)
	if st.StartTime != nil {
		fmt.Fprintf(w, "  %-14s %s\n", "started:", st.StartTime.Format(time.RFC3339))
	}
	if st.SleepUntil != nil {
		fmt.Fprintf(w, "  %-14s %s\n", "sleep until:", st.SleepUntil.Format(time.RFC3339))
	}
	if st.WakeRequest != "" {
		fmt.Fprintf(w, "  %-14s %s\n", "wake request:", st.WakeRequest)
	}
	for _, e := range st.Heartbeat {
		next := "-"
		if e.NextRun != nil {
			next = e.NextRun.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "  heartbeat %-20s %-16s enabled=%t next=%s\n", e.Name, e.Schedule, e.Enabled, next)
	}
	return nil
}

// runWake writes a wake request. The running agent's host loop picks it
// up on its next poll.
func runWake(ctx context.Context, w io.Writer, configPath, reason string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Scheduler().RequestWake(ctx, reason); err != nil {
		return fmt.Errorf("request wake: %w", err)
	}
	fmt.Fprintf(w, "wake requested: %s\n", reason)
	return nil
}

// runSend queues an inbox message.
func runSend(ctx context.Context, w io.Writer, configPath, from, content string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	msg := &state.InboxMessage{
		ID:         uuid.Must(uuid.NewV7()).String(),
		From:       from,
		Content:    content,
		ReceivedAt: time.Now().UTC(),
	}
	if err := store.InsertInboxMessage(ctx, msg); err != nil {
		return fmt.Errorf("queue message: %w", err)
	}
	fmt.Fprintf(w, "queued %s\n", msg.ID)
	return nil
}

// newLogger creates the bootstrap logger used before the configuration
// is known.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	return slog.New(config.NewHandler(w, level, format))
}

// loadConfig locates, parses and validates the configuration file.
// Returns the parsed config and the path that was loaded.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

// openStore creates the data directory and opens the state database.
func openStore(cfg *config.Config) (*state.Store, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}
	store, err := state.Open(cfg.DBDriver, cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}
	return store, nil
}

// newGate builds the financial gate. The token balance source is only
// wired when both a wallet and an endpoint are configured.
func newGate(cfg *config.Config, logger *slog.Logger) *financial.Gate {
	httpClient := httpkit.NewClient(
		httpkit.WithTimeout(30*time.Second),
		httpkit.WithRetry(2, time.Second),
		httpkit.WithLogger(logger),
	)
	gc := financial.GateConfig{
		Credits: financial.NewCreditsClient(cfg.Credits.APIURL, cfg.Credits.APIKey, httpClient),
		Thresholds: financial.Thresholds{
			Normal:   cfg.Survival.NormalCents,
			Critical: cfg.Survival.CriticalCents,
			Dead:     cfg.Survival.DeadCents,
		},
		Logger: logger,
	}
	if cfg.Credits.WalletAddress != "" && cfg.Credits.TokenAPIURL != "" {
		gc.Tokens = financial.NewTokenBalanceClient(cfg.Credits.TokenAPIURL, cfg.Credits.WalletAddress, httpClient)
	}
	return financial.NewGate(gc)
}

// newLLMClient returns the Ollama client in local mode and the hosted
// provider's client otherwise.
func newLLMClient(cfg *config.Config, logger *slog.Logger) llm.Client {
	if cfg.OllamaMode() {
		return llm.NewOllamaClient(llm.OllamaConfig{
			BaseURL:   cfg.Ollama.URL,
			Model:     cfg.Ollama.Model,
			MaxTokens: cfg.Inference.MaxTokens,
			Logger:    logger,
		})
	}
	return llm.NewOpenAIClient(llm.OpenAIConfig{
		BaseURL:         cfg.Credits.APIURL,
		APIKey:          cfg.Credits.APIKey,
		Model:           cfg.Inference.Model,
		LowComputeModel: cfg.Inference.LowComputeModel,
		MaxTokens:       cfg.Inference.MaxTokens,
		Logger:          logger,
	})
}

// statusAdapter satisfies [mqtt.StatusSource] from the store and gate.
type statusAdapter struct {
	store *state.Store
	gate  *financial.Gate
	model string
}

func (a *statusAdapter) Snapshot(ctx context.Context) (mqtt.Snapshot, error) {
	st, err := a.store.Reader().AgentState(ctx)
	if err != nil {
		return mqtt.Snapshot{}, err
	}
	count, err := a.store.TurnCount(ctx)
	if err != nil {
		return mqtt.Snapshot{}, err
	}
	recent, err := a.store.RecentTurns(ctx, 1)
	if err != nil {
		return mqtt.Snapshot{}, err
	}

	fin := a.gate.Last()
	snap := mqtt.Snapshot{
		State:        st,
		Tier:         a.gate.Tier(fin.CreditsCents),
		CreditsCents: fin.CreditsCents,
		TurnCount:    count,
		DefaultModel: a.model,
	}
	if len(recent) > 0 {
		snap.LastTurn = recent[0].Timestamp
	}
	return snap, nil
}

var _ mqtt.StatusSource = (*statusAdapter)(nil)
