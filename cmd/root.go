package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "appbridge",
	Short: "appbridge — command relay for remote-driving creative desktop apps",
	Long: `appbridge relays named commands from CLI clients and automation tools
to plugin instances running inside creative applications (Illustrator,
InDesign, Photoshop), correlating each asynchronous response back to the
request that caused it.`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.Version = Version
}
