package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/mohammad-safakhou/kinetiq/config"
	"github.com/mohammad-safakhou/kinetiq/internal/logging"
	"github.com/mohammad-safakhou/kinetiq/internal/memory/semantic"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func memoryEvalCMD(cfgPath *string) *cobra.Command {
	var casesPath string
	var limit int
	cmd := &cobra.Command{
		Use:   "memory-eval",
		Short: "Measure recall and latency of semantic memory against a YAML query set",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(*cfgPath)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.General.LogLevel, cfg.General.Development)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			raw, err := os.ReadFile(casesPath)
			if err != nil {
				return fmt.Errorf("read cases: %w", err)
			}
			var cases []semantic.QueryExpectation
			if err := yaml.Unmarshal(raw, &cases); err != nil {
				return fmt.Errorf("decode cases: %w", err)
			}

			a, err := newApp(cmd.Context(), cfg, logger, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()
			if a.memory == nil {
				return fmt.Errorf("memory.semantic.enabled is false")
			}

			summary, err := semantic.Evaluate(cmd.Context(), a.memory, limit, cases)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(summary)
		},
	}
	cmd.Flags().StringVar(&casesPath, "cases", "", "YAML file of query expectations")
	cmd.Flags().IntVar(&limit, "limit", 5, "results per query")
	_ = cmd.MarkFlagRequired("cases")
	return cmd
}
