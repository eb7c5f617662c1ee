package commands

import (
	"github.com/reeflective/console"
	"github.com/spf13/cobra"
)

func consoleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "console",
		Short: "Start an interactive fbspctl console",
		Long:  "Launches an interactive console that accepts fbspctl subcommands with completion and history. Type 'exit' to quit.",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			app := console.New("fbspctl")

			menu := app.ActiveMenu()
			menu.SetCommands(func() *cobra.Command {
				root := &cobra.Command{
					Use:           "fbspctl",
					Short:         "CLI client for FBSP services",
					SilenceUsage:  true,
					SilenceErrors: true,
				}
				root.PersistentFlags().AddFlagSet(rootCmd.PersistentFlags())
				root.AddCommand(echoCmd())
				root.AddCommand(romanCmd())
				root.AddCommand(infoCmd())
				root.AddCommand(versionCmd())
				return root
			})
			menu.Prompt().Primary = func() string { return "fbspctl> " }

			return app.Start()
		},
	}
}
