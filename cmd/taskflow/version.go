package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zpandasoft/deer-flow/internal/version"
)

// Version returns the release and, when stamped, the build revision.
func Version() string {
	return version.String()
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("taskflow version %s\n", Version())
	},
}
