package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"relaybot/internal/audit"
	"relaybot/internal/backend"
	"relaybot/internal/config"
	"relaybot/internal/format"
)

var (
	version    = "0.1.0"
	logger     = slog.Default()
	configPath string // overridable via --config flag
	logLevel   string // overridable via --log-level flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "relaybot",
		Short:   "Telegram relay for a company-policy question-answering backend",
		Long:    "relaybot forwards Telegram questions to a remote QA backend and relays the answers back.",
		Version: version,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json or config.yaml (default: ~/.relaybot/config.json if present)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log level (debug, info, warn, error)")

	root.AddCommand(serveCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(askCmd())
	root.AddCommand(chatCmd())
	root.AddCommand(auditCmd())
	root.AddCommand(configCmd())
	root.AddCommand(initCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(daemonCmd())
	return root
}

// resolveConfigPath returns the --config flag, else the default path when
// that file exists, else "" (environment and defaults only).
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	if p := config.DefaultConfigPath(); fileExists(p) {
		return p
	}
	return ""
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// loadConfig loads the configuration and installs the configured logger.
// The returned func closes the log file, if any.
func loadConfig() (*config.Config, func(), error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	l, closeFn, err := newLogger(cfg.Log, os.Stderr)
	if err != nil {
		return nil, nil, err
	}
	logger = l
	slog.SetDefault(l)
	return cfg, closeFn, nil
}

// newLogger builds a text logger at the configured level, writing to
// log.file when set and to w otherwise.
func newLogger(lc config.LogConfig, w io.Writer) (*slog.Logger, func(), error) {
	level, err := parseLevel(lc.Level)
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() {}
	if lc.File != "" {
		if err := os.MkdirAll(filepath.Dir(lc.File), 0o755); err != nil {
			return nil, nil, fmt.Errorf("cannot create log directory: %w", err)
		}
		f, err := os.OpenFile(lc.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("cannot open log file: %w", err)
		}
		w = f
		closeFn = func() { f.Close() }
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})), closeFn, nil
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

func newBackend(cfg *config.Config) *backend.Client {
	return backend.New(backend.Config{
		BaseURL:       cfg.Backend.BaseURL,
		Approach:      cfg.Backend.Approach,
		HealthTimeout: seconds(cfg.Backend.HealthTimeoutSeconds),
		InfoTimeout:   seconds(cfg.Backend.InfoTimeoutSeconds),
		QueryTimeout:  seconds(cfg.Backend.QueryTimeoutSeconds),
		Logger:        logger,
	})
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := configPath
			if cfgPath == "" {
				cfgPath = config.DefaultConfigPath()
			}
			if fileExists(cfgPath) && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", cfgPath)
			}
			if err := config.Save(cfgPath, config.Defaults()); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath)
			fmt.Fprintf(cmd.OutOrStdout(), "Config written to %s\nSet TELEGRAM_BOT_TOKEN (or telegram.token) before running 'relaybot serve'.\n", cfgPath)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the backend status report",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closeLog, err := loadConfig()
			if err != nil {
				return err
			}
			defer closeLog()

			report, err := backend.Report(cmd.Context(), newBackend(cfg))
			if err != nil {
				logger.Warn("document info unavailable", "err", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), format.FormatStatus(report))
			return nil
		},
	}
}

func askCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ask [question]",
		Short: "Send one question to the backend and print the formatted answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closeLog, err := loadConfig()
			if err != nil {
				return err
			}
			defer closeLog()

			question := strings.Join(args, " ")
			result, err := newBackend(cfg).Query(cmd.Context(), question)
			if err != nil {
				fmt.Fprintln(cmd.OutOrStdout(), format.FormatError())
				return err
			}
			for _, chunk := range format.FormatAnswer(result, cfg.Relay.MaxMessageRunes) {
				fmt.Fprintln(cmd.OutOrStdout(), chunk)
			}
			return nil
		},
	}
}

func auditCmd() *cobra.Command {
	var (
		limit int
		prune time.Duration
	)
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show recent relay cycles and outcome counts from the audit log",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closeLog, err := loadConfig()
			if err != nil {
				return err
			}
			defer closeLog()
			if !fileExists(cfg.Audit.DBPath) {
				return fmt.Errorf("no audit log at %s (enable audit.enabled and run 'relaybot serve')", cfg.Audit.DBPath)
			}

			store, err := audit.NewSQLiteStore(cfg.Audit.DBPath, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := cmd.Context()
			if prune > 0 {
				n, err := store.Prune(ctx, prune)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "pruned %d entries\n", n)
			}

			counts, err := store.CountByOutcome(ctx)
			if err != nil {
				return err
			}
			entries, err := store.Recent(ctx, limit)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{"outcomes": counts, "recent": entries})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of recent entries")
	cmd.Flags().DurationVar(&prune, "prune", 0, "delete entries older than this first (e.g. 720h)")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. backend.baseUrl)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(config.Sanitize(cfg), args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. telegram.mode webhook)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := configPath
			if cfgPath == "" {
				cfgPath = config.DefaultConfigPath()
			}
			// Only the file is edited; environment overrides are never saved.
			cfg := config.Defaults()
			if fileExists(cfgPath) {
				loaded, err := config.LoadFile(cfgPath)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				cfg = loaded
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			resolved, err := config.Resolve(cfg)
			if err != nil {
				return err
			}
			if err := config.Validate(resolved); err != nil {
				return err
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values (secrets masked)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			data, _ := json.MarshalIndent(config.Sanitize(cfg), "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			p := resolveConfigPath()
			if p == "" {
				p = config.DefaultConfigPath() + " (not present; using defaults and environment)"
			}
			fmt.Fprintln(cmd.OutOrStdout(), p)
		},
	})

	return cmd
}

// exitCode returns 2 for missing transport configuration and 1 otherwise.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, config.ErrMissingToken), errors.Is(err, config.ErrMissingWebhookURL):
		return 2
	default:
		return 1
	}
}
