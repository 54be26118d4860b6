// Command retether runs the reverse-tethering relay: it accepts one framed
// TCP stream of raw IPv4 packets from a device-side client, terminates TCP
// and proxies UDP against the real network on the device's behalf, and
// writes synthesized reply packets back over the same stream.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "retether",
		Short: "Userspace reverse-tethering relay",
	}
	registerCommands(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
