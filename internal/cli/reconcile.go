package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/robertarktes/event-reservations/internal/domain"
	"github.com/robertarktes/event-reservations/internal/reconcile"
)

func NewReconcileCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Compare every event's occupancy with its active reservations",
		Long: `Run one reconciliation pass and list the events whose occupancy does not
match the number of ACTIVE reservations. Exits 1 when drift is found.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := rootOpts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			drift, err := reconcile.NewWorker(s.Backend.Store, s.Logger, 0).RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			if drift == nil {
				drift = []domain.Drift{}
			}
			err = outputFormatter{format: rootOpts.Format, w: cmd.OutOrStdout()}.write(drift, func(w io.Writer) {
				if len(drift) == 0 {
					fmt.Fprintln(w, "no drift")
					return
				}
				for _, d := range drift {
					fmt.Fprintf(w, "%s  occupancy %d, active %d\n", d.EventID, d.Occupancy, d.Active)
				}
			})
			if err != nil {
				return err
			}
			if len(drift) > 0 {
				return &ExitError{Code: ExitFailure, Message: fmt.Sprintf("%d events drifted", len(drift))}
			}
			return nil
		},
	}
}
