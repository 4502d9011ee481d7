package main

import (
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"

	"github.com/shaharia-lab/flutterbridge"
)

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().BoolVarP(&versionM, "module", "m", false, "module version information")
}

var versionM bool
var versionCmd = &cobra.Command{
	Use:   "version [-m]",
	Short: "Show the version of flutterbridge",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "flutterbridge %s (protocol %s, %s %s/%s)\n",
			flutterbridge.Version, flutterbridge.ProtocolVersion, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		if !versionM {
			return
		}
		info, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}
		for _, dep := range info.Deps {
			fmt.Fprintf(cmd.OutOrStdout(), "\t%s %s\n", dep.Path, dep.Version)
		}
	},
}
