// Package commands implements the dbgmcp command line.
package commands

import (
	"fmt"
	"os"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/peterje/dbgmcp/internal/db"
	"github.com/peterje/dbgmcp/internal/flavor"
	"github.com/peterje/dbgmcp/internal/history"
	"github.com/peterje/dbgmcp/internal/logger"
	"github.com/peterje/dbgmcp/internal/sessions"
)

// Version is stamped at build time with -ldflags "-X ...commands.Version=...".
var Version = "dev"

// rootOptions holds the persistent flags shared by every subcommand.
type rootOptions struct {
	flavorsPath string
	home        string
}

func NewRootCmd(log *logger.Logger) (*cobra.Command, error) {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "dbgmcp",
		Short: "Drives gdb, lldb, pdb and other debugger REPLs for agents",
		Long: `dbgmcp runs interactive debuggers as sessions that can be driven one
command at a time.

	The sessions are exposed as MCP tools over stdio, or as an HTTP and
	WebSocket API backed by an optional long-lived shepherd process.`,
		SilenceUsage: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			if opts.home != "" {
				if err := os.Setenv(db.DBGMCP_HOME, opts.home); err != nil {
					return fmt.Errorf("set %s: %w", db.DBGMCP_HOME, err)
				}
			}
			return nil
		},
		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			log.Flush()
		},
	}

	rootCmd.CompletionOptions.HiddenDefaultCmd = true

	flags := rootCmd.PersistentFlags()
	log.AddLevelFlag(flags)
	flags.StringVar(&opts.flavorsPath, "flavors", "", "YAML file with additional debugger flavors")
	flags.StringVar(&opts.home, "home", "", "Directory for the history database and shepherd socket (default ~/.dbgmcp)")

	rootCmd.AddCommand(
		NewMCPCommand(log.Logger, opts),
		NewServeCommand(log.Logger, opts),
		NewShepherdCommand(log.Logger, opts),
		NewFlavorsCommand(opts),
		NewVersionCommand(),
	)

	set, err := flavor.Load("")
	if err != nil {
		return nil, fmt.Errorf("could not load builtin flavors: %w", err)
	}
	for _, f := range set.Sorted() {
		rootCmd.AddCommand(NewFlavorAliasCommand(log.Logger, opts, f.Name))
	}

	return rootCmd, nil
}

func (o *rootOptions) flavors() (flavor.Set, error) {
	return flavor.Load(o.flavorsPath)
}

// openHistory opens the history store. History is optional: on failure the
// error is logged and a nil store is returned along with a no-op close.
func openHistory(log logr.Logger) (*history.Store, func()) {
	database, err := db.OpenDefault()
	if err != nil {
		log.Error(err, "history disabled")
		return nil, func() {}
	}
	store := history.New(database, log.WithName("history"))
	if n, err := store.MarkStale(); err != nil {
		log.Error(err, "could not mark stale sessions")
	} else if n > 0 {
		log.Info("marked stale sessions stopped", "count", n)
	}
	return store, func() { database.Close() }
}

// newRegistry creates an in-process registry recording into store, if any.
func newRegistry(log logr.Logger, store *history.Store) *sessions.Registry {
	if store == nil {
		return sessions.NewRegistry(log.WithName("sessions"), nil)
	}
	return sessions.NewRegistry(log.WithName("sessions"), store)
}
