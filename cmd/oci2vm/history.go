package main

import (
	"github.com/maxdollinger/docker2vm/internal/db"
	"github.com/spf13/cobra"
)

func newHistoryCmd(a *app) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent conversions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := db.OpenStore(cmd.Context(), a.cfg.HistoryPath())
			if err != nil {
				return err
			}
			defer store.Close()

			conversions, err := store.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if conversions == nil {
				conversions = []*db.Conversion{}
			}
			return a.printJSON(conversions)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "number of conversions to show, 0 for all")
	return cmd
}
