package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kilianp07/homeenergy/app"
	"github.com/kilianp07/homeenergy/config"
	"github.com/kilianp07/homeenergy/core/balancer"
	"github.com/kilianp07/homeenergy/core/controller"
	"github.com/kilianp07/homeenergy/core/history"
	"github.com/kilianp07/homeenergy/core/registry"
	"github.com/kilianp07/homeenergy/core/settings"
	"github.com/kilianp07/homeenergy/infra/logger"
)

var applyDirectives bool

var rebalanceCmd = &cobra.Command{
	Use:   "rebalance",
	Short: "Compute the shed directives for the stored appliances",
	RunE:  runRebalance,
}

func init() {
	rebalanceCmd.Flags().BoolVar(&applyDirectives, "apply", false, "apply and persist the directives")
	rootCmd.AddCommand(rebalanceCmd)
}

func runRebalance(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logg := logger.New("rebalance-command")
	st, err := app.OpenStore(ctx, cfg, logg)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logg.Errorf("store close: %v", err)
		}
	}()

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if !applyDirectives {
		apps, err := st.LoadAppliances(ctx)
		if err != nil {
			return err
		}
		if !cfg.Threshold.AutoBalanceEnabled {
			return enc.Encode(map[string]any{
				"threshold_kw": cfg.Threshold.MaxThresholdKw,
				"current_kw":   balancer.CurrentKw(apps),
				"directives":   []any{},
				"disabled":     true,
			})
		}
		directives, err := balancer.Rebalance(apps, cfg.Threshold.MaxThresholdKw)
		if err != nil && !errors.Is(err, balancer.ErrThresholdUnreachable) {
			return err
		}
		return enc.Encode(map[string]any{
			"threshold_kw": cfg.Threshold.MaxThresholdKw,
			"current_kw":   balancer.CurrentKw(apps),
			"directives":   directives,
			"unreachable":  err != nil,
			"disabled":     false,
		})
	}

	hist, err := history.Open(cfg.History)
	if err != nil {
		return err
	}
	ctrl, err := controller.New(registry.New(), st,
		controller.WithSettings(settings.Static(cfg.Threshold)),
		controller.WithHistory(hist),
		controller.WithLogger(logg),
	)
	if err != nil {
		_ = hist.Close()
		return err
	}
	defer ctrl.Close()
	if err := ctrl.Load(ctx); err != nil {
		return err
	}
	out, err := ctrl.Rebalance(ctx)
	if eerr := enc.Encode(out); eerr != nil {
		return eerr
	}
	return err
}
