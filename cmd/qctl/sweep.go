package main

import (
	"fmt"

	"github.com/masa23/quarantined/objectstorage"
	"github.com/masa23/quarantined/quarantine"
	"github.com/masa23/quarantined/sweeper"
	"github.com/spf13/cobra"
)

func newSweepCmd(a *app) *cobra.Command {
	var opts sweeper.Options
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Remove quarantined messages past the retention period",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Days <= 0 {
				opts.Days = a.conf.Quarantine.RetentionDays
			}

			lock, err := sweeper.NewLocker(a.conf.Lock)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if err := lock.Acquire(ctx); err != nil {
				return err
			}
			defer lock.Release(ctx)

			q := quarantine.New(a.conf.Quarantine.Dir, a.conf.Quarantine.Compress)
			s := sweeper.New(a.store, q, a.conf.Server, a.conf.Quarantine.SweepBatch, a.log, a.metrics)
			if archive := a.conf.Quarantine.Archive; archive.Bucket != "" && !opts.DryRun {
				client, err := objectstorage.NewClient(archive)
				if err != nil {
					return err
				}
				s.WithArchiver(sweeper.NewObjectArchive(objectstorage.NewArchiver(client, archive.Bucket, archive.Prefix), q))
			}

			rep, err := s.Sweep(ctx, opts)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.DryRun {
				fmt.Fprintf(out, "%d messages would be removed\n", rep.Candidates)
			} else {
				fmt.Fprintf(out, "removed %d, already gone %d, failed %d, flags cleared %d\n",
					rep.Deleted, rep.Missing, rep.Failed, rep.Cleared)
			}
			if rep.MissingLocation > 0 {
				fmt.Fprintf(out, "%d stored messages have no location\n", rep.MissingLocation)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&opts.DryRun, "dry-run", "n", false, "Only show what would be removed")
	cmd.Flags().BoolVarP(&opts.LocalOnly, "local-only", "l", false, "Only messages ingested by this server")
	cmd.Flags().IntVarP(&opts.Days, "days", "d", 0, "Retention in days (default from config)")
	return cmd
}
