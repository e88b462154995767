package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"

	"github.com/threadkit/threadkit/internal/chat"
	"github.com/threadkit/threadkit/internal/chat/engine"
	enganthropic "github.com/threadkit/threadkit/internal/chat/engine/anthropic"
	engopenai "github.com/threadkit/threadkit/internal/chat/engine/openai"
	"github.com/threadkit/threadkit/internal/chat/threadstore"
	"github.com/threadkit/threadkit/internal/config"
	"github.com/threadkit/threadkit/internal/lockfile"
	"github.com/threadkit/threadkit/internal/websearch"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
	// Commit is set via -ldflags at build time.
	Commit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "init":
		initCmd(os.Args[2:])
	case "serve":
		serveCmd(os.Args[2:])
	case "version":
		fmt.Printf("threadkit %s (%s)\n", Version, Commit)
	default:
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `threadkit

Usage:
  threadkit init [flags]
  threadkit serve [flags]
  threadkit version

Commands:
  init      Write a starter config file.
  serve     Run the thread protocol server using the local config file.
  version   Print build information.

`)
}

func initCmd(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)

	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	agentsPath := fs.String("agents", "", "Agent definition YAML path")
	provider := fs.String("provider", "openai", "Model backend: openai|anthropic")
	listen := fs.String("listen", "", "HTTP listen address (default 127.0.0.1:8177)")

	_ = fs.Parse(args)

	if *agentsPath == "" {
		fs.Usage()
		os.Exit(2)
	}

	cfg := &config.Config{
		ListenAddr: *listen,
		AgentsPath: *agentsPath,
		Provider:   *provider,
	}
	if err := config.Save(*cfgPath, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "init failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Config written: %s\n", filepath.Clean(*cfgPath))
}

func serveCmd(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	_ = fs.Parse(args)

	cfg, err := config.Load(filepath.Clean(*cfgPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := newLogger(cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}

	if err := serve(cfg, log); err != nil {
		log.Error("server exited", "err", err)
		os.Exit(1)
	}
}

func serve(cfg *config.Config, log *slog.Logger) error {
	agents, err := engine.LoadAgents(cfg.AgentsPath)
	if err != nil {
		return fmt.Errorf("load agents: %w", err)
	}

	completer, err := newCompleter(cfg)
	if err != nil {
		return err
	}
	tools, err := builtinTools(cfg, log)
	if err != nil {
		return err
	}
	eng, err := engine.NewLoop(completer, agents, func(o *engine.LoopOptions) {
		o.Tools = tools
	})
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.LockPath()), 0o700); err != nil {
		return err
	}
	lock, err := lockfile.Acquire(cfg.LockPath())
	if err != nil {
		if errors.Is(err, lockfile.ErrHeld) {
			return fmt.Errorf("another threadkit instance is using this state dir: %w", err)
		}
		return err
	}
	defer func() { _ = lock.Release() }()

	store, err := threadstore.Open(cfg.DBPath())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	svc, err := chat.NewService(store, eng, func(o *chat.Options) {
		o.Logger = log
		o.DefaultAgent = cfg.DefaultAgent
		o.AutoTitle = !cfg.DisableAutoTitle
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Listen(),
		Handler:           chat.NewHandler(svc, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		cancel()
	}()

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", srv.Addr, "db", cfg.DBPath())
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// builtinTools assembles the server-side tool implementations that are
// available to agents by name. Agents still have to declare the tool in
// their definition for the model to see it.
func builtinTools(cfg *config.Config, log *slog.Logger) (map[string]engine.ToolFunc, error) {
	if strings.TrimSpace(cfg.WebSearchAPIKey) == "" {
		return nil, nil
	}
	ws, err := websearch.New(cfg.WebSearchAPIKey, func(o *websearch.Options) {
		o.Provider = cfg.WebSearchProvider
	})
	if err != nil {
		return nil, fmt.Errorf("web search: %w", err)
	}
	log.Info("web_search tool enabled", "provider", cfg.WebSearchProvider)
	return map[string]engine.ToolFunc{"web_search": ws.ToolFunc()}, nil
}

func newCompleter(cfg *config.Config) (engine.Completer, error) {
	switch strings.TrimSpace(cfg.Provider) {
	case "openai":
		return engopenai.New(func(o *engopenai.Options) {
			if cfg.Model != "" {
				o.Model = cfg.Model
			}
		}), nil
	case "anthropic":
		return enganthropic.New(func(o *enganthropic.Options) {
			if cfg.Model != "" {
				o.Model = anthropicsdk.Model(cfg.Model)
			}
		}), nil
	default:
		return nil, fmt.Errorf("unknown provider: %s", cfg.Provider)
	}
}

// --- logger ---

func newLogger(format string, level string) (*slog.Logger, error) {
	var h slog.Handler

	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		lvl = slog.LevelInfo
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level: %s", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "json":
		h = slog.NewJSONHandler(os.Stdout, opts)
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unknown log format: %s", format)
	}

	return slog.New(h), nil
}
