package main

import (
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"ctfrange/cmd/ctfranged/ui"
	"ctfrange/config"
	"ctfrange/internal/adapter/sqlite"
	"ctfrange/internal/machine"

	"github.com/spf13/cobra"
)

func instancesCmd(configPath *string) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "instances",
		Short: "List machine instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			store, err := sqlite.Open(filepath.Join(cfg.DataDir, "ctfrange.db"))
			if err != nil {
				return err
			}
			defer store.Close()

			var instances []machine.Instance
			if all {
				instances, err = store.ListAll(cmd.Context())
			} else {
				instances, err = store.ListRunning(cmd.Context())
			}
			if err != nil {
				return err
			}

			if len(instances) == 0 {
				fmt.Println(ui.WarnMsg("no instances"))
				return nil
			}

			now := time.Now()
			rows := make([][]string, 0, len(instances))
			for _, inst := range instances {
				rows = append(rows, []string{
					inst.ID,
					inst.Contest + "/" + inst.Challenge,
					inst.Owner().OwnerKey(),
					ui.Status(string(inst.Status)),
					port(inst.Port),
					remaining(inst, now),
				})
			}
			fmt.Println(ui.Table(
				[]string{"ID", "CHALLENGE", "OWNER", "STATUS", "PORT", "REMAINING"},
				rows))
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Include stopped and failed instances")
	return cmd
}

func port(p int) string {
	if p == 0 {
		return "-"
	}
	return strconv.Itoa(p)
}

func remaining(inst machine.Instance, now time.Time) string {
	if inst.Status != machine.StatusRunning || inst.ExpiresAt.IsZero() {
		return "-"
	}
	d := inst.ExpiresAt.Sub(now)
	if d <= 0 {
		return "expired"
	}
	return d.Truncate(time.Second).String()
}
