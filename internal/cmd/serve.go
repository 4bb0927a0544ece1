package cmd

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"deckhand/internal/config"
	"deckhand/internal/core"
	"deckhand/internal/notify"
	"deckhand/internal/project"
	"deckhand/internal/realtime"
)

const defaultPort = 8420

var (
	servePort      int
	serveStaticDir string
	serveMax       int
	serveSettings  string
	serveProjects  string
	serveDebug     bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the deckhand daemon",
	Long: `serve starts the daemon. It owns every PTY session, ingests claude
hook events on /api/hooks, and serves the WebSocket and REST API the
other subcommands and UI clients talk to.`,
	RunE: runServe,
}

func init() {
	cfg := loadServeConfig()
	serveCmd.Flags().IntVar(&servePort, "port", cfg.Port, "TCP port to listen on")
	serveCmd.Flags().StringVar(&serveStaticDir, "static-dir", cfg.StaticDir, "directory of UI assets to serve at / (empty disables)")
	serveCmd.Flags().IntVar(&serveMax, "max-sessions", cfg.MaxSessions, "maximum concurrent sessions")
	serveCmd.Flags().StringVar(&serveSettings, "settings", cfg.SettingsFile, "settings file (default searches settings.yaml and ~/.config/deckhand)")
	serveCmd.Flags().StringVar(&serveProjects, "projects", cfg.ProjectsFile, "projects registry file")
	serveCmd.Flags().BoolVar(&serveDebug, "debug", false, "log at debug level")
	rootCmd.AddCommand(serveCmd)
}

// serveConfig holds daemon configuration loaded from environment
// variables. Flags override it.
type serveConfig struct {
	Port         int
	StaticDir    string
	MaxSessions  int
	SettingsFile string
	ProjectsFile string
}

func loadServeConfig() serveConfig {
	cfg := serveConfig{
		Port:         defaultPort,
		MaxSessions:  10,
		ProjectsFile: defaultProjectsFile(),
	}

	if v := os.Getenv("DECKHAND_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Port = n
		}
	}
	if v := os.Getenv("DECKHAND_STATIC_DIR"); v != "" {
		cfg.StaticDir = v
	}
	if v := os.Getenv("DECKHAND_MAX_SESSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxSessions = n
		}
	}
	if v := os.Getenv("DECKHAND_SETTINGS"); v != "" {
		cfg.SettingsFile = v
	}
	if v := os.Getenv("DECKHAND_PROJECTS"); v != "" {
		cfg.ProjectsFile = v
	}

	return cfg
}

func defaultProjectsFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "projects.json"
	}
	return filepath.Join(home, ".config", "deckhand", "projects.json")
}

// notifierFunc adapts a function to notify.Notifier so the realtime
// server can be bound after the core that notifies through it.
type notifierFunc func(notify.Notification)

func (f notifierFunc) Show(n notify.Notification) { f(n) }

func runServe(cmd *cobra.Command, args []string) error {
	level := slog.LevelInfo
	if serveDebug {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	var settings *config.Settings
	var err error
	if serveSettings != "" {
		settings, err = config.Load(serveSettings)
	} else {
		settings, err = config.LoadDefault()
	}
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	if dir := filepath.Dir(serveProjects); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
	}
	store, err := project.NewFileStore(serveProjects)
	if err != nil {
		return fmt.Errorf("open project store: %w", err)
	}

	// The realtime server is both the client surface and the notification
	// sink; it needs the core, and the core needs the notifier. Late-bind.
	var rt *realtime.Server
	c := core.New(core.Options{
		Settings:    settings,
		Store:       store,
		MaxSessions: serveMax,
		Notifier: notifierFunc(func(n notify.Notification) {
			if rt != nil {
				rt.Show(n)
			}
		}),
		Log: log,
	})
	if err := c.InitClaudeEvents(); err != nil {
		return fmt.Errorf("init claude events: %w", err)
	}
	rt = realtime.New(c, serveStaticDir, log)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", servePort),
		Handler: rt.Handler(),
	}

	// Graceful shutdown on signals.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Info("shutting down")
		rt.Shutdown()
		c.Shutdown()
		httpServer.Close()
	}()

	log.Info("deckhand daemon running", "addr", fmt.Sprintf("http://localhost:%d", servePort), "projects", serveProjects)
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}
