package cli

import (
	"fmt"

	"github.com/harun/onebot/pkg/protocol"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version and protocol version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "onebot %s (OneBot %s)\n", version, protocol.Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
