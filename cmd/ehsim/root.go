// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// version is set at link time.
var version = "dev"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "ehsim",
		Short: "Emerald Hill compression engine simulator.",
		Long: `ehsim attaches the eh engine to an in-memory device, pushes pages ` +
			`through the compression ring from concurrent producers and checks ` +
			`delivery order and decompression round trips.`,
		SilenceUsage: true,
	}
	root.AddCommand(newRunCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the ehsim version.",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "ehsim %s %s/%s %s\n",
				version, runtime.GOOS, runtime.GOARCH, runtime.Version())
		},
	}
}
