package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"sort"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"gopkg.in/yaml.v3"

	"github.com/sparkvisionsa/valuetech-bridge/internal/api"
	"github.com/sparkvisionsa/valuetech-bridge/internal/bridge"
	"github.com/sparkvisionsa/valuetech-bridge/internal/config"
	"github.com/sparkvisionsa/valuetech-bridge/internal/dispatch"
	"github.com/sparkvisionsa/valuetech-bridge/internal/journal"
	"github.com/sparkvisionsa/valuetech-bridge/internal/lock"
	"github.com/sparkvisionsa/valuetech-bridge/internal/log"
	"github.com/sparkvisionsa/valuetech-bridge/internal/resolve"
	"github.com/sparkvisionsa/valuetech-bridge/internal/storage"
	"github.com/sparkvisionsa/valuetech-bridge/internal/tui/batch"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	case "serve":
		return runServe(args)
	case "send":
		return runSend(args)
	case "batch":
		return runBatch(args)
	case "resolve":
		return runResolve(args)

	// --- NOUNS ---
	case "journal":
		return runJournalNoun(args)
	case "config":
		return runConfigNoun(args)

	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

func printUsage() {
	fmt.Print(`bridge - supervises the automation worker and relays commands to it

Usage:
  bridge <command> [flags]

Commands:
  serve                      Run the bridge with the local control API
  send <action> [k=v ...]    Send one command and print the response
  batch <action> [k=v ...]   Run a long command with a live progress view
  resolve                    Show which worker executable would be started

Resources:
  journal tail               Show recently journaled commands
  config check               Validate the configuration
  config show                Print the effective configuration

General:
  version                    Show version information
  help                       Show this help message

Every command accepts --config <path> (default: $BRIDGE_CONFIG, then built-in defaults).
Field values are parsed as JSON when possible, otherwise taken as strings.
`)
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	info := currentVersionInfo()
	if *jsonOut {
		return printJSON(info)
	}
	fmt.Printf("bridge %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    strings.TrimSpace(gitCommit),
		BuildTime: strings.TrimSpace(buildDate),
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}
	if info.Commit == "" || info.Commit == "unknown" {
		info.Commit = readBuildSetting("vcs.revision", "unknown")
	}
	if len(info.Commit) > 12 {
		info.Commit = info.Commit[:12]
	}
	if info.BuildTime == "" || info.BuildTime == "unknown" {
		info.BuildTime = readBuildSetting("vcs.time", "unknown")
	}
	return info
}

func readBuildSetting(key, fallback string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return fallback
	}
	for _, setting := range info.Settings {
		if setting.Key == key && setting.Value != "" {
			return setting.Value
		}
	}
	return fallback
}

// --- SERVE ---

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return serve(ctx, cfg)
}

// serve runs the bridge until ctx ends or a component fails. Nothing in it
// blocks on the worker, so cancelling ctx always reaches the shutdown path.
func serve(ctx context.Context, cfg *config.Config) int {
	log.SetupWith(os.Stderr, cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("bridge starting", "version", version, "config", cfg.SourceFile)

	instance, err := lock.Acquire(cfg.Lock.Path)
	if err != nil {
		logger.Error("failed to acquire instance lock", "path", cfg.Lock.Path, "error", err)
		return 1
	}
	defer instance.Release()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	svc, err := bridge.New(ctx, cfg)
	if err != nil {
		logger.Error("failed to start bridge", "error", err)
		return 1
	}
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), cfg.Worker.GracefulTimeout+cfg.Worker.KillGrace+5*time.Second)
		defer done()
		if err := svc.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown incomplete", "error", err)
		}
		logger.Info("bridge stopped")
	}()

	errCh := make(chan error, 1)

	if cfg.API.Enabled {
		server, err := api.New(api.Config{Listen: cfg.API.Listen, Token: cfg.API.Token}, svc, svc, log.WithComponent("api"))
		if err != nil {
			logger.Error("failed to configure API", "error", err)
			return 1
		}
		go func() {
			if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	// Start the worker up front so the first caller does not pay for it.
	// Commands have no deadline, so this must not hold up the select below.
	go func() {
		if _, err := svc.Auth.Ping(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("initial worker ping failed", "error", err)
		}
	}()

	logger.Info("bridge running (press Ctrl+C to stop)")

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
		return 0
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		return 1
	}
}

// --- SEND / BATCH ---

func runSend(args []string) int {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	data := fs.String("data", "", "Command fields as a JSON object")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: bridge send <action> [--data JSON] [key=value ...]")
		return 1
	}
	action := fs.Arg(0)
	fields, err := parseFields(*data, fs.Args()[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid fields: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	log.SetupWith(os.Stderr, cfg.Service.LogLevel, cfg.Service.LogFormat)

	return withService(cfg, func(ctx context.Context, svc *bridge.Service) int {
		resp, err := svc.Send(ctx, action, fields)
		if err != nil {
			var cmdErr *dispatch.CommandError
			if errors.As(err, &cmdErr) {
				fmt.Fprintf(os.Stderr, "%s failed: %s (%s)\n", action, cmdErr.Message, cmdErr.Status)
				return 2
			}
			fmt.Fprintf(os.Stderr, "%s: %v\n", action, err)
			return 1
		}
		return printJSON(resp)
	})
}

func runBatch(args []string) int {
	fs := flag.NewFlagSet("batch", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	data := fs.String("data", "", "Command fields as a JSON object")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: bridge batch <action> [--data JSON] [key=value ...]")
		return 1
	}
	action := fs.Arg(0)
	fields, err := parseFields(*data, fs.Args()[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid fields: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	// The terminal belongs to the progress view.
	log.SetupWith(os.Stderr, "error", cfg.Service.LogFormat)

	return withService(cfg, func(ctx context.Context, svc *bridge.Service) int {
		progress, unsubscribe := svc.SubscribeChan()
		defer unsubscribe()

		outcome := svc.Submit(ctx, action, fields)
		model := batch.New(action, outcome, svc.Control, progress, cfg.Progress.Grace)
		final, err := tea.NewProgram(model).Run()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Progress view failed: %v\n", err)
			return 1
		}

		resp, done, err := final.(batch.Model).Result()
		switch {
		case !done:
			fmt.Fprintf(os.Stderr, "Detached; stopping worker (command %d abandoned)\n", outcome.ID())
			return 1
		case err != nil:
			fmt.Fprintf(os.Stderr, "%s: %v\n", action, err)
			return 1
		default:
			return printJSON(resp)
		}
	})
}

// withService runs fn against a fresh Service and shuts it down afterwards.
// SIGINT abandons the wait and stops the worker.
func withService(cfg *config.Config, fn func(ctx context.Context, svc *bridge.Service) int) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := bridge.New(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start bridge: %v\n", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Worker.GracefulTimeout+cfg.Worker.KillGrace+5*time.Second)
		defer cancel()
		if err := svc.Shutdown(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "Shutdown incomplete: %v\n", err)
		}
	}()
	return fn(ctx, svc)
}

// parseFields merges a JSON object with key=value pairs; pairs win.
func parseFields(data string, pairs []string) (map[string]any, error) {
	fields := make(map[string]any)
	if strings.TrimSpace(data) != "" {
		if err := json.Unmarshal([]byte(data), &fields); err != nil {
			return nil, fmt.Errorf("--data must be a JSON object: %w", err)
		}
	}
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("expected key=value, got %q", pair)
		}
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			value = raw
		}
		fields[key] = value
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return fields, nil
}

// --- RESOLVE ---

type resolveResult struct {
	Strategy   string   `json:"strategy"`
	Path       string   `json:"path"`
	Args       []string `json:"args,omitempty"`
	Entry      string   `json:"entry"`
	Blake3     string   `json:"blake3"`
	Pinned     bool     `json:"pinned"`
	Strategies []string `json:"strategies"`
}

func runResolve(args []string) int {
	fs := flag.NewFlagSet("resolve", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	log.SetupWith(os.Stderr, cfg.Service.LogLevel, cfg.Service.LogFormat)

	chain := resolve.FromLayout(bridge.Layout(cfg.Worker.Layout))
	target, err := chain.Resolve()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Resolution failed: %v\n", err)
		return 1
	}
	if err := resolve.VerifyChecksum(target, cfg.Worker.Checksum); err != nil {
		fmt.Fprintf(os.Stderr, "Checksum pin failed: %v\n", err)
		return 1
	}
	digest, err := resolve.ComputeBlake3(target.Entry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to hash %s: %v\n", target.Entry, err)
		return 1
	}

	result := resolveResult{
		Strategy:   target.Strategy,
		Path:       target.Path,
		Args:       target.Args,
		Entry:      target.Entry,
		Blake3:     digest,
		Pinned:     cfg.Worker.Checksum != "",
		Strategies: chain.Strategies(),
	}
	if *jsonOut {
		return printJSON(result)
	}
	fmt.Printf("strategy: %s\n", result.Strategy)
	fmt.Printf("command:  %s\n", target.String())
	fmt.Printf("entry:    %s\n", result.Entry)
	fmt.Printf("blake3:   %s\n", result.Blake3)
	if result.Pinned {
		fmt.Println("checksum: pinned, verified")
	}
	return 0
}

// --- JOURNAL ---

func runJournalNoun(args []string) int {
	if len(args) < 1 || isHelpToken(args[0]) {
		fmt.Println("Usage: bridge journal tail [--config PATH] [-n N] [--json]")
		if len(args) < 1 {
			return 1
		}
		return 0
	}

	switch args[0] {
	case "tail":
		return runJournalTail(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown journal action: %s\n", args[0])
		return 1
	}
}

func runJournalTail(args []string) int {
	fs := flag.NewFlagSet("tail", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	limit := fs.Int("n", 20, "Number of entries to show")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if !cfg.Journal.Enabled {
		fmt.Fprintln(os.Stderr, "Journal is disabled (journal.enabled: false)")
		return 1
	}
	log.SetupWith(os.Stderr, cfg.Service.LogLevel, cfg.Service.LogFormat)

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, cfg.Journal.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open journal: %v\n", err)
		return 1
	}
	defer db.Close()

	entries, err := journal.Recent(ctx, db, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read journal: %v\n", err)
		return 1
	}
	if *jsonOut {
		return printJSON(entries)
	}
	if len(entries) == 0 {
		fmt.Println("No commands journaled.")
		return 0
	}
	for _, e := range entries {
		line := fmt.Sprintf("%s  #%-5d %-22s %-13s", e.SubmittedAt.Local().Format(time.DateTime), e.CommandID, e.Action, e.Status)
		if e.CompletedAt != nil {
			line += " " + e.Duration.Round(time.Millisecond).String()
		}
		if e.Error != "" {
			line += "  " + e.Error
		}
		fmt.Println(line)
	}
	return 0
}

// --- CONFIG ---

func runConfigNoun(args []string) int {
	if len(args) < 1 || isHelpToken(args[0]) {
		fmt.Println("Usage: bridge config <check|show> [--config PATH]")
		if len(args) < 1 {
			return 1
		}
		return 0
	}

	switch args[0] {
	case "check":
		return runConfigCheck(args[1:])
	case "show":
		return runConfigShow(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", args[0])
		return 1
	}
}

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Printf("Configuration check FAILED: %v\n", err)
		return 1
	}

	source := cfg.SourceFile
	if source == "" {
		source = "(built-in defaults)"
	}
	fmt.Printf("Configuration OK: %s\n", source)

	var warnings []string
	if _, err := resolve.FromLayout(bridge.Layout(cfg.Worker.Layout)).Resolve(); err != nil {
		warnings = append(warnings, fmt.Sprintf("worker not resolvable: %v", err))
	}
	if cfg.API.Enabled && !strings.HasPrefix(cfg.API.Listen, "127.0.0.1:") && !strings.HasPrefix(cfg.API.Listen, "localhost:") {
		warnings = append(warnings, fmt.Sprintf("api.listen %s is not loopback-only", cfg.API.Listen))
	}
	sort.Strings(warnings)
	for _, w := range warnings {
		fmt.Printf("WARNING: %s\n", w)
	}
	return 0
}

func runConfigShow(args []string) int {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}
	if cfg.API.Token != "" {
		cfg.API.Token = "********"
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render config: %v\n", err)
		return 1
	}
	fmt.Print(string(data))
	return 0
}

// --- HELPERS ---

func loadConfig(flagValue string) (*config.Config, error) {
	return config.LoadOrDefaults(config.Resolve(flagValue))
}

func printJSON(v any) int {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
		return 1
	}
	fmt.Println(string(data))
	return 0
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}
