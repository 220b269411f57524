// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/ManuGH/fastgpu/internal/config"
	"github.com/ManuGH/fastgpu/internal/fsutil"
	"github.com/ManuGH/fastgpu/internal/history"
	"github.com/ManuGH/fastgpu/internal/persistence/sqlite"
	"github.com/ManuGH/fastgpu/internal/pool"
	"github.com/spf13/cobra"
)

type statusReport struct {
	pool.Status
	Runs      []history.Run `json:"runs,omitempty"`
	Integrity []string      `json:"integrity,omitempty"`
}

func newStatusCmd() *cobra.Command {
	var (
		path    string
		limit   int
		format  string
		verify  bool
		cfgPath string
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue counts, held slots and recent runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if format != "text" && format != "json" {
				return fmt.Errorf("--format must be text or json, got %q", format)
			}
			dirs, err := fsutil.Layout(path)
			if err != nil {
				return err
			}
			if _, err := os.Stat(dirs.ToRun); err != nil {
				return fmt.Errorf("%s is not a work directory (run setup first): %w", dirs.Root, err)
			}

			snap, err := pool.Snapshot(dirs)
			if err != nil {
				return err
			}
			report := statusReport{Status: snap}

			cfg, err := config.NewLoader(config.ResolvePath(path, cfgPath)).Load()
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			dbPath := history.Path(dirs.Root, cfg.History.Path)
			if _, err := os.Stat(dbPath); err == nil {
				if verify {
					issues, err := sqlite.VerifyIntegrity(dbPath, sqlite.QuickCheck)
					if err != nil {
						return fmt.Errorf("verify history: %w", err)
					}
					report.Integrity = issues
				}
				if limit > 0 {
					store, err := history.Open(dbPath)
					if err != nil {
						return fmt.Errorf("open history: %w", err)
					}
					report.Runs, err = store.Recent(cmd.Context(), limit)
					_ = store.Close()
					if err != nil {
						return fmt.Errorf("read history: %w", err)
					}
				}
			} else if !errors.Is(err, os.ErrNotExist) {
				return err
			}

			if format == "json" {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			return writeStatusText(cmd.OutOrStdout(), report)
		},
	}
	f := cmd.Flags()
	f.StringVar(&path, "path", ".", "work directory")
	f.IntVar(&limit, "history", 10, "number of recent runs to show (0 disables)")
	f.StringVar(&format, "format", "text", "output format: text or json")
	f.BoolVar(&verify, "verify", false, "run an integrity check on the history database")
	f.StringVar(&cfgPath, "config", "", "YAML config file")
	return cmd
}

func writeStatusText(out io.Writer, r statusReport) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "path\t%s\n", r.Path)
	for _, dir := range []string{fsutil.DirToRun, fsutil.DirRunning, fsutil.DirComplete, fsutil.DirFail} {
		fmt.Fprintf(tw, "%s\t%d\n", dir, r.Queue[dir])
	}
	if len(r.Slots) == 0 {
		fmt.Fprintln(tw, "slots\tnone held")
	}
	for _, s := range r.Slots {
		if s.Lock == nil {
			fmt.Fprintf(tw, "slot %d\tlocked\n", s.ID)
			continue
		}
		fmt.Fprintf(tw, "slot %d\t%s (pid %d, since %s)\n",
			s.ID, s.Lock.Script, s.Lock.PID, s.Lock.LockedAt.Local().Format(time.DateTime))
	}
	if r.Integrity != nil {
		fmt.Fprintf(tw, "history integrity\t%v\n", r.Integrity)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(r.Runs) == 0 {
		return nil
	}
	fmt.Fprintln(out)
	tw = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tSCRIPT\tSLOT\tSTATE\tEXIT\tDURATION")
	for _, run := range r.Runs {
		exit := "-"
		if run.ExitCode != nil {
			exit = fmt.Sprint(*run.ExitCode)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n",
			run.StartedAt.Local().Format(time.DateTime), run.Script, run.Slot, run.State, exit,
			run.Duration().Truncate(time.Millisecond))
	}
	return tw.Flush()
}
