package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kilianp07/homeenergy/config"
	"github.com/kilianp07/homeenergy/core/history"
	"github.com/kilianp07/homeenergy/pkg/export"
)

var (
	historyFormat      string
	historyAppliance   string
	historySince       time.Duration
	historyUnreachable bool
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Export recorded balancing decisions",
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().StringVar(&historyFormat, "format", "json", "output format: json or csv")
	historyCmd.Flags().StringVar(&historyAppliance, "appliance", "", "only decisions touching this appliance")
	historyCmd.Flags().DurationVar(&historySince, "since", 0, "only decisions newer than this duration")
	historyCmd.Flags().BoolVar(&historyUnreachable, "unreachable", false, "only decisions where the threshold could not be met")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	store, err := history.Open(cfg.History)
	if err != nil {
		return err
	}
	defer store.Close()
	q := history.LogQuery{ApplianceID: historyAppliance, UnreachableOnly: historyUnreachable}
	if historySince > 0 {
		q.Start = time.Now().Add(-historySince)
	}
	records, err := store.Query(context.Background(), q)
	if err != nil {
		return err
	}
	return export.Write(cmd.OutOrStdout(), historyFormat, records)
}
