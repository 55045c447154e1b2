package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"relaybot/internal/audit"
	"relaybot/internal/backend"
	"relaybot/internal/config"
	"relaybot/internal/telegram"
)

func doctorCmd() *cobra.Command {
	var offline bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your relaybot installation",
		Long: `Verifies that relaybot's configuration, Telegram token, backend, audit
database and listen port are correctly set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			d := &doctor{out: cmd.OutOrStdout()}
			fmt.Fprintf(d.out, "relaybot doctor v%s\n", version)
			fmt.Fprintf(d.out, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			// 1. Config file
			cfgPath := resolveConfigPath()
			if cfgPath == "" {
				d.warn("Config file", "none found, using defaults and environment")
			} else {
				d.pass("Config file", cfgPath)
			}

			// 2. Config loads and validates
			cfg, err := config.Load(cfgPath)
			if err != nil {
				d.fail("Config validation", err.Error())
				return d.summary()
			}
			d.pass("Config validation", "valid")

			// 3. Transport settings
			if err := config.RequireTransport(cfg); err != nil {
				d.fail("Telegram config", err.Error())
			} else {
				d.pass("Telegram config", fmt.Sprintf("mode %s", cfg.Telegram.Mode))
			}

			if !offline {
				// 4. Telegram token
				if cfg.Telegram.Token != "" {
					tg, err := telegram.Dial(telegram.Config{
						Token:       cfg.Telegram.Token,
						APIEndpoint: cfg.Telegram.APIEndpoint,
						HTTPClient:  backend.SharedHTTPClient(10 * time.Second),
						Logger:      logger,
					})
					if err != nil {
						d.fail("Telegram token", err.Error())
					} else {
						d.pass("Telegram token", "@"+tg.Username())
					}
				}

				// 5. Backend health
				be := newBackend(cfg)
				ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
				report, err := backend.Report(ctx, be)
				cancel()
				switch {
				case !report.Operational:
					d.fail("Backend", "unreachable at "+be.BaseURL())
				case err != nil:
					d.warn("Backend", "healthy but document info failed: "+err.Error())
				case !report.HasDocument:
					d.warn("Backend", "healthy, no document uploaded yet")
				default:
					d.pass("Backend", fmt.Sprintf("%s (%d chunks)", report.DocumentTitle, report.ChunkCount))
				}
			}

			// 6. Audit database
			if cfg.Audit.Enabled {
				if err := checkAuditDB(cfg.Audit.DBPath); err != nil {
					d.fail("Audit database", err.Error())
				} else {
					d.pass("Audit database", cfg.Audit.DBPath)
				}
			}

			// 7. Listen port
			if err := checkPort(cfg.ListenAddr()); err != nil {
				d.warn("Listen port", fmt.Sprintf("%s may be in use: %v", cfg.ListenAddr(), err))
			} else {
				d.pass("Listen port", cfg.ListenAddr()+" available")
			}

			// 8. Log file
			if cfg.Log.File != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.Log.File), 0o755); err != nil {
					d.warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
				} else {
					d.pass("Log file", cfg.Log.File)
				}
			}

			return d.summary()
		},
	}
	cmd.Flags().BoolVar(&offline, "offline", false, "skip Telegram and backend network checks")
	return cmd
}

type doctor struct {
	out                    io.Writer
	passed, warned, failed int
}

func (d *doctor) pass(check, detail string) {
	d.passed++
	fmt.Fprintf(d.out, "  [PASS] %-20s %s\n", check, detail)
}

func (d *doctor) fail(check, detail string) {
	d.failed++
	fmt.Fprintf(d.out, "  [FAIL] %-20s %s\n", check, detail)
}

func (d *doctor) warn(check, detail string) {
	d.warned++
	fmt.Fprintf(d.out, "  [WARN] %-20s %s\n", check, detail)
}

func (d *doctor) summary() error {
	fmt.Fprintf(d.out, "\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
	fmt.Fprintf(d.out, "Results: %d passed, %d warnings, %d failed\n", d.passed, d.warned, d.failed)
	if d.failed > 0 {
		fmt.Fprintf(d.out, "\nPlease fix the failed checks before running 'relaybot serve'.\n")
		return fmt.Errorf("%d check(s) failed", d.failed)
	}
	if d.warned > 0 {
		fmt.Fprintf(d.out, "\nrelaybot should work but consider fixing the warnings.\n")
	} else {
		fmt.Fprintf(d.out, "\nAll checks passed! relaybot is ready to run.\n")
	}
	return nil
}

// checkAuditDB opens (creating and migrating if needed) the audit database.
func checkAuditDB(dbPath string) error {
	store, err := audit.NewSQLiteStore(dbPath, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	version, err := store.SchemaVersion()
	if err != nil {
		return fmt.Errorf("cannot read schema version: %w", err)
	}
	if version == 0 {
		return fmt.Errorf("schema not initialized")
	}
	return nil
}

func checkPort(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}
