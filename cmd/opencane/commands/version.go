package commands

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// Version is set via -ldflags "-X .../commands.Version=..." at build time.
var Version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("opencane %s (%s)\n", Version, runtime.Version())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
