package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version はビルド時に -ldflags で埋め込む
var Version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "バージョンを表示",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "towncapture %s\n", Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
