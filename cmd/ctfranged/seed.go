package main

import (
	"fmt"
	"path/filepath"

	"ctfrange/cmd/ctfranged/ui"
	"ctfrange/config"
	"ctfrange/internal/adapter/sqlite"

	"github.com/spf13/cobra"
)

func seedCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "seed <file>",
		Short: "Import challenges and machine templates from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			seed, err := config.LoadSeed(args[0])
			if err != nil {
				return err
			}

			store, err := sqlite.Open(filepath.Join(cfg.DataDir, "ctfrange.db"))
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := cmd.Context()
			for _, entry := range seed.Challenges {
				if err := store.UpsertChallenge(ctx, entry.Challenge()); err != nil {
					return err
				}
				if mc, ok := entry.Config(); ok {
					if err := store.UpsertConfig(ctx, mc); err != nil {
						return err
					}
				}
			}

			fmt.Println(ui.SuccessMsg("seeded %d challenges", len(seed.Challenges)))
			return nil
		},
	}
}
