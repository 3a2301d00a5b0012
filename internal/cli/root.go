// Package cli is the evrctl admin command tree.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/robertarktes/event-reservations/internal/app"
	"github.com/robertarktes/event-reservations/internal/booking"
	"github.com/robertarktes/event-reservations/internal/config"
	"github.com/robertarktes/event-reservations/internal/notify"
	"github.com/robertarktes/event-reservations/internal/observability"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Format string // "json" | "text"

	open Opener
}

var ValidFormats = []string{"text", "json"}

// Session is an opened backend plus the coordinator over it.
type Session struct {
	Config      *config.Config
	Backend     *app.Backend
	Coordinator *booking.Coordinator
	Logger      observability.Logger
}

func (s *Session) Close() {
	s.Backend.Close()
}

type Opener func(ctx context.Context) (*Session, error)

// OpenFromEnv loads configuration from the environment and opens the
// configured backend. Logs go to stderr so stdout stays parseable.
func OpenFromEnv(ctx context.Context) (*Session, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := observability.NewLoggerWithOutput(os.Stderr, cfg.LogLevel)
	b, err := app.Open(ctx, cfg, logger)
	if err != nil {
		b.Close()
		return nil, err
	}
	return &Session{
		Config:      cfg,
		Backend:     b,
		Coordinator: app.NewCoordinator(cfg, b, notify.NewHub(), logger),
		Logger:      logger,
	}, nil
}

func NewRootCommand() *cobra.Command {
	return newRootCommand(OpenFromEnv)
}

func newRootCommand(open Opener) *cobra.Command {
	opts := &RootOptions{open: open}

	cmd := &cobra.Command{
		Use:   "evrctl",
		Short: "Administer the event reservation engine",
		Long: `evrctl manages events, schema migrations and occupancy checks against the
backend selected by STORE_BACKEND.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewEventCommand(opts))
	cmd.AddCommand(NewReconcileCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
