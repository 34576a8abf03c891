package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/peterje/dbgmcp/internal/mcpserver"
	"github.com/peterje/dbgmcp/internal/preflight"
)

// stopTimeout bounds how long shutdown waits for debuggers to quit.
const stopTimeout = 15 * time.Second

type mcpOptions struct {
	flavors []string
	generic bool
}

func NewMCPCommand(log logr.Logger, root *rootOptions) *cobra.Command {
	opts := &mcpOptions{}
	mcpCmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serves debugger tools over MCP stdio",
		Long: `Serves debugger tools to an MCP client over stdin and stdout.

	Every selected flavor contributes <flavor>_start, <flavor>_command and
	<flavor>_terminate tools, plus <flavor>_load and <flavor>_wait where the
	debugger supports them. All sessions are stopped when the client goes away.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMCP(cmd.Context(), log, root, *opts)
		},
	}
	mcpCmd.Flags().StringArrayVar(&opts.flavors, "flavor", nil, "Flavor to expose (repeatable; default all)")
	mcpCmd.Flags().BoolVar(&opts.generic, "generic", false, "Also expose repl_* tools for arbitrary REPL programs")
	return mcpCmd
}

// NewFlavorAliasCommand returns a command equivalent to "mcp --flavor name".
func NewFlavorAliasCommand(log logr.Logger, root *rootOptions, name string) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: fmt.Sprintf("Serves %s tools over MCP stdio", name),
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMCP(cmd.Context(), log, root, mcpOptions{flavors: []string{name}})
		},
	}
}

func runMCP(ctx context.Context, log logr.Logger, root *rootOptions, opts mcpOptions) error {
	log = log.WithName("mcp")

	set, err := root.flavors()
	if err != nil {
		return err
	}
	preflight.CheckAll(log, set)

	store, closeHistory := openHistory(log)
	defer closeHistory()
	registry := newRegistry(log, store)
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		registry.StopAll(stopCtx)
	}()

	srv, err := mcpserver.New(log, registry, set, mcpserver.Options{
		Flavors: opts.flavors,
		Generic: opts.generic,
		Version: Version,
	})
	if err != nil {
		return err
	}

	if err := srv.ServeStdio(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("mcp server: %w", err)
	}
	return nil
}
