package commands

import (
	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/peterje/dbgmcp/internal/shepherd"
)

func NewShepherdCommand(log logr.Logger, _ *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:    "shepherd",
		Short:  "Runs the process that owns debugger sessions for 'serve --shepherd'",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			log := log.WithName("shepherd")
			store, closeHistory := openHistory(log)
			defer closeHistory()
			return shepherd.Run(cmd.Context(), log, newRegistry(log, store))
		},
	}
}
