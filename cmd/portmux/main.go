package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:           "portmux",
		Short:         "Session multiplexer between pages and host channels",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCommand(), newProbeCommand(), newConfigCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "portmux: %v\n", err)
		os.Exit(1)
	}
}
