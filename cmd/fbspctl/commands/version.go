package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	appversion "github.com/firebird-butler/fbsp-go/internal/version"
)

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), appversion.Full("fbspctl"))
		},
	}
}
