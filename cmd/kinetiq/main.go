package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:           "kinetiq",
		Short:         "Clinical biomechanics analysis pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is ./config/config.yaml)")
	root.AddCommand(serveCMD(&cfgPath), migrateCMD(&cfgPath), runCMD(&cfgPath), workerCMD(&cfgPath), memoryEvalCMD(&cfgPath))
	return root
}
