package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCacheCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect the blob cache",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Print the blob cache directory",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			_, err := fmt.Fprintln(a.stdout, a.blobCache().BlobsDir())
			return err
		},
	})

	return cmd
}
