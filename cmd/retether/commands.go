package main

import "github.com/spf13/cobra"

// registerCommands wires every subcommand into rootCmd. The teacher's
// platform-conditional registerPlatformCommands has no counterpart to
// branch on here — this relay's command set is the same on every host it
// runs on — so there is just the one unconditional registration point.
func registerCommands(rootCmd *cobra.Command) {
	rootCmd.AddCommand(newServeCmd())
}
