package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/mohammad-safakhou/kinetiq/config"
	"github.com/mohammad-safakhou/kinetiq/internal/agent/core"
	"github.com/mohammad-safakhou/kinetiq/internal/logging"
	"github.com/spf13/cobra"
)

const version = "dev"

func runCMD(cfgPath *string) *cobra.Command {
	var inPath, mode string
	var persist bool
	run := &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline once for a JSON request and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(*cfgPath)
			if err != nil {
				return err
			}
			if mode != "" {
				cfg.Pipeline.Mode = mode
			}
			logger, err := logging.New(cfg.General.LogLevel, cfg.General.Development)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			raw, err := os.ReadFile(inPath)
			if err != nil {
				return fmt.Errorf("read request: %w", err)
			}
			var req core.PipelineRequest
			if err := json.Unmarshal(raw, &req); err != nil {
				return fmt.Errorf("decode request: %w", err)
			}

			a, err := newApp(cmd.Context(), cfg, logger, appOptions{inMemory: !persist})
			if err != nil {
				return err
			}
			defer a.Close()

			res := a.orch.RunPipeline(cmd.Context(), req)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(res); err != nil {
				return err
			}
			if !res.Success && res.Error != nil {
				return fmt.Errorf("pipeline failed: %s: %s", res.Error.Kind, res.Error.Message)
			}
			return nil
		},
	}
	run.Flags().StringVarP(&inPath, "input", "i", "", "path to a JSON pipeline request")
	run.Flags().StringVar(&mode, "mode", "", "pipeline mode override (single or two_phase)")
	run.Flags().BoolVar(&persist, "persist", false, "write results to the configured postgres instead of memory")
	_ = run.MarkFlagRequired("input")
	return run
}
