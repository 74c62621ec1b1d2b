package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/masa23/quarantined/config"
	"github.com/masa23/quarantined/mapsync"
	"github.com/spf13/cobra"
)

func newMapsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "maps",
		Short: "Inspect and regenerate map files",
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show whether each map file is current",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc := mapsync.NewService(a.conf.Maps, a.store, a.log, a.metrics)
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "MAP\tMODEL\tSTATE\tFILE\tLAST CHANGE")
			for _, m := range a.conf.Maps.Resolved {
				st, err := svc.Status(cmd.Context(), m)
				if err != nil {
					return err
				}
				state := "current"
				if st.Stale {
					state = "stale"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", m.Name, m.Model, state, stamp(st.FileTime), stamp(st.LastChanged))
			}
			return w.Flush()
		},
	}

	var all, force bool
	regenerate := &cobra.Command{
		Use:   "regenerate [map...]",
		Short: "Rewrite stale map files",
		RunE: func(cmd *cobra.Command, args []string) error {
			maps, err := selectMaps(a.conf, args, all)
			if err != nil {
				return err
			}
			svc := mapsync.NewService(a.conf.Maps, a.store, a.log, a.metrics)
			var failed error
			for _, m := range maps {
				if !force {
					stale, err := svc.NeedsUpdate(cmd.Context(), m)
					if err != nil {
						return err
					}
					if !stale {
						fmt.Fprintf(cmd.OutOrStdout(), "%s: current\n", m.Name)
						continue
					}
				}
				if err := svc.Regenerate(cmd.Context(), m); err != nil {
					failed = errors.Join(failed, fmt.Errorf("%s: %w", m.Name, err))
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: regenerated\n", m.Name)
			}
			return failed
		},
	}
	regenerate.Flags().BoolVarP(&all, "all", "a", false, "All configured maps")
	regenerate.Flags().BoolVarP(&force, "force", "f", false, "Regenerate even when current")

	cmd.AddCommand(status, regenerate)
	return cmd
}

func selectMaps(conf *config.Config, names []string, all bool) ([]config.Map, error) {
	if all {
		return conf.Maps.Resolved, nil
	}
	if len(names) == 0 {
		return nil, errors.New("name a map or pass --all")
	}
	var maps []config.Map
	for _, name := range names {
		m, ok := conf.Maps.LookupMap(name)
		if !ok {
			return nil, fmt.Errorf("%w: %s", mapsync.ErrUnknownMap, name)
		}
		maps = append(maps, m)
	}
	return maps, nil
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
