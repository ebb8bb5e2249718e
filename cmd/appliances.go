package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kilianp07/homeenergy/app"
	"github.com/kilianp07/homeenergy/config"
	"github.com/kilianp07/homeenergy/core/balancer"
	"github.com/kilianp07/homeenergy/core/model"
	"github.com/kilianp07/homeenergy/infra/logger"
)

var appliancesCmd = &cobra.Command{
	Use:   "appliances",
	Short: "List the stored appliances and the household usage",
	RunE:  runAppliances,
}

func init() {
	rootCmd.AddCommand(appliancesCmd)
}

func runAppliances(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logg := logger.New("appliances-command")
	st, err := app.OpenStore(ctx, cfg, logg)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logg.Errorf("store close: %v", err)
		}
	}()
	apps, err := st.LoadAppliances(ctx)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, a := range apps {
		state := "off"
		if a.IsOn {
			state = "on"
		}
		critical := ""
		if a.IsCritical {
			critical = " critical"
		}
		fmt.Fprintf(out, "%-12s %-20s %7.0f W  %-6s %-3s%s\n", a.ID, a.Name, a.RatedPowerWatts, a.Priority, state, critical)
	}
	u := model.Classify(balancer.CurrentKw(apps), cfg.Threshold.MaxThresholdKw)
	fmt.Fprintf(out, "usage: %.2f / %.2f kW (%d%%, %s)\n", u.CurrentKw, u.ThresholdKw, u.Percent, u.Status)
	return nil
}
