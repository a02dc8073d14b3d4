package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aulament/tutorchat/internal/api"
	"github.com/aulament/tutorchat/internal/archive"
	"github.com/aulament/tutorchat/internal/chat"
	"github.com/aulament/tutorchat/internal/config"
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
	case "chat":
		chatCmd(os.Args[2:])
	case "history":
		historyCmd(os.Args[2:])
	case "version":
		fmt.Printf("tutorchat %s (%s)\n", Version, Commit)
	default:
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `tutorchat

Usage:
  tutorchat chat [flags]
  tutorchat history [flags]
  tutorchat version

Commands:
  chat       Open the interactive conversation with the tutoring assistant.
  history    Print an archived transcript without contacting the backend.
  version    Print build information.

`)
}

func chatCmd(args []string) {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	threadID := fs.String("thread", "", "Thread id to resume (default: config thread_id, else create on demand)")
	transport := fs.String("transport", "", "Delivery path: stream|poll (default: config transport, else stream)")
	_ = fs.Parse(args)

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if strings.TrimSpace(*threadID) != "" {
		cfg.ThreadID = strings.TrimSpace(*threadID)
	}
	if strings.TrimSpace(*transport) != "" {
		cfg.Transport = strings.TrimSpace(*transport)
	}

	log, logClose := newLogger(cfg)
	defer logClose()

	client, err := api.New(api.Options{
		BaseURL: cfg.BaseURL,
		Token:   cfg.ResolveToken(),
		Logger:  log,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "api client: %v\n", err)
		os.Exit(1)
	}

	var arch *archive.Store
	if strings.TrimSpace(cfg.ArchivePath) != "" {
		arch, err = archive.Open(cfg.ArchivePath)
		if err != nil {
			log.Warn("open archive failed, continuing without it", "path", cfg.ArchivePath, "error", err)
			arch = nil
		} else {
			defer arch.Close()
		}
	}

	opts := chat.Options{
		Backend:      client,
		Logger:       log,
		StudentID:    cfg.StudentID,
		AssistantID:  cfg.AssistantID,
		ThreadID:     cfg.ThreadID,
		Transport:    chat.Transport(strings.TrimSpace(cfg.Transport)),
		TickInterval: msDuration(cfg.Tuning.TickIntervalMs),
		CharsPerTick: cfg.Tuning.CharsPerTick,
		PollInterval: msDuration(cfg.Tuning.PollIntervalMs),
		SettleDelay:  msDuration(cfg.Tuning.SettleDelayMs),
		IdleTimeout:  msDuration(cfg.Tuning.IdleTimeoutMs),
	}
	if opts.Transport == "" {
		opts.Transport = chat.TransportStream
	}
	if arch != nil {
		opts.Archive = arch
	}

	orc, err := chat.New(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "orchestrator: %v\n", err)
		os.Exit(1)
	}
	defer orc.Dispose()

	if err := runUI(orc); err != nil {
		fmt.Fprintf(os.Stderr, "ui: %v\n", err)
		os.Exit(1)
	}
}

func historyCmd(args []string) {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	archivePath := fs.String("archive", "", "Archive db path (default: config archive_path)")
	threadID := fs.String("thread", "", "Thread id to print (default: most recently updated)")
	_ = fs.Parse(args)

	path := strings.TrimSpace(*archivePath)
	if path == "" {
		if cfg, err := config.Load(*cfgPath); err == nil {
			path = strings.TrimSpace(cfg.ArchivePath)
		}
	}
	if path == "" {
		path = config.DefaultArchivePath()
	}

	arch, err := archive.Open(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open archive: %v\n", err)
		os.Exit(1)
	}
	defer arch.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	id := strings.TrimSpace(*threadID)
	if id == "" {
		threads, err := arch.Threads(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "list threads: %v\n", err)
			os.Exit(1)
		}
		if len(threads) == 0 {
			fmt.Println("no hay conversaciones archivadas")
			return
		}
		id = threads[0].ThreadID
	}

	messages, err := arch.Messages(ctx, id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read transcript: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("thread %s (%d mensajes)\n\n", id, len(messages))
	for _, m := range messages {
		label := "Tutor"
		if m.Role == chat.RoleUser {
			label = "Estudiante"
		}
		fmt.Printf("%s [%s]:\n%s\n\n", label, m.CreatedAt.Format("2006-01-02 15:04"), m.PlainText())
	}
}

// newLogger writes to a file next to the config so the TUI keeps the
// terminal to itself. Falls back to discarding when the file cannot open.
func newLogger(cfg *config.Config) (*slog.Logger, func()) {
	level := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(cfg.LogLevel)) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var w io.Writer = io.Discard
	closeFn := func() {}
	logPath := filepath.Join(filepath.Dir(config.DefaultConfigPath()), "tutorchat.log")
	if f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600); err == nil {
		w = f
		closeFn = func() { _ = f.Close() }
	}

	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if strings.ToLower(strings.TrimSpace(cfg.LogFormat)) == "text" {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	return slog.New(h), closeFn
}

func msDuration(ms int) time.Duration {
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}
