// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"fmt"

	"github.com/ManuGH/fastgpu/internal/fsutil"
	"github.com/spf13/cobra"
)

func newSetupCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Create the work directory layout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dirs, err := fsutil.SetupDirs(path)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, d := range dirs.All() {
				fmt.Fprintln(out, d)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "path", ".", "work directory")
	return cmd
}
