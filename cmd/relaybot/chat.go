package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"relaybot/internal/bus"
	"relaybot/internal/console"
	"relaybot/internal/relay"
)

func chatCmd() *cobra.Command {
	var noSpinner bool
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive console session against the backend",
		Long: `Runs the same relay flow as the Telegram bot, with the terminal as the chat.
Commands (/start, /help, /status) work as in Telegram. An empty line or /quit exits.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closeLog, err := loadConfig()
			if err != nil {
				return err
			}
			defer closeLog()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			con := console.New(console.Config{
				In:      cmd.InOrStdin(),
				Out:     cmd.OutOrStdout(),
				Spinner: !noSpinner,
				Logger:  logger,
			})
			router := relay.NewRouter(logger)
			relay.New(relay.Config{
				Backend:         newBackend(cfg),
				Messenger:       con,
				Bus:             bus.NewEventBus(logger),
				MaxMessageRunes: cfg.Relay.MaxMessageRunes,
				Logger:          logger,
			}).Register(router)

			return con.Run(ctx, router)
		},
	}
	cmd.Flags().BoolVar(&noSpinner, "no-spinner", false, "disable the thinking animation")
	return cmd
}
