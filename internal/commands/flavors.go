package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/peterje/dbgmcp/internal/models"
	"github.com/peterje/dbgmcp/internal/preflight"
)

func NewFlavorsCommand(root *rootOptions) *cobra.Command {
	var asJSON bool
	flavorsCmd := &cobra.Command{
		Use:     "flavors",
		Aliases: []string{"doctor"},
		Short:   "Lists debugger flavors and whether their programs are installed",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			set, err := root.flavors()
			if err != nil {
				return err
			}
			statuses := preflight.Check(set)
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(statuses)
			}
			return printFlavors(cmd.OutOrStdout(), statuses)
		},
	}
	flavorsCmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	return flavorsCmd
}

func printFlavors(w io.Writer, statuses []models.FlavorStatus) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tPROGRAM\tINSTALLED\tPATH\tDESCRIPTION")
	for _, s := range statuses {
		installed := "no"
		if s.Installed {
			installed = "yes"
		}
		path := s.Path
		if path == "" {
			path = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", s.Name, s.Program, installed, path, s.Description)
	}
	return tw.Flush()
}

func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Prints the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), Version)
		},
	}
}
