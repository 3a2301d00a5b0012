package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/robertarktes/event-reservations/migrations"
)

type migrateView struct {
	Backend string   `json:"backend"`
	Applied []string `json:"applied"`
}

func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Long: `Apply the embedded SQL migrations to CockroachDB. MongoDB indexes and the
in-memory store need no migration; opening them is enough.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := rootOpts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			view := migrateView{Backend: s.Config.StoreBackend, Applied: []string{}}
			if s.Backend.Pool != nil {
				applied, err := migrations.Apply(cmd.Context(), s.Backend.Pool)
				if err != nil {
					return err
				}
				view.Applied = append(view.Applied, applied...)
			}
			return outputFormatter{format: rootOpts.Format, w: cmd.OutOrStdout()}.write(view, func(w io.Writer) {
				if len(view.Applied) == 0 {
					fmt.Fprintf(w, "%s: nothing to apply\n", view.Backend)
					return
				}
				for _, name := range view.Applied {
					fmt.Fprintf(w, "applied %s\n", name)
				}
			})
		},
	}
}
