package cli

import (
	"fmt"

	"github.com/fmueller/whisperd/internal/version"
	"github.com/spf13/cobra"
)

func newVersionCmd() *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Args:  cobra.NoArgs,
		// Printing the version needs neither configuration nor a logger.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := version.Get()
			fmt.Fprintf(cmd.OutOrStdout(), "whisperd v%s\n", info.String())
			if verbose {
				fmt.Fprintf(cmd.OutOrStdout(), "commit: %s\nbuilt: %s\ngo: %s\n", info.Commit, info.Date, info.GoVersion)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&verbose, "long", "l", false, "Print commit, build date and Go version")
	return cmd
}
