package main

import (
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/masa23/quarantined/mapsync"
	"github.com/masa23/quarantined/store"
	"github.com/spf13/cobra"
)

func newListsCmd(a *app) *cobra.Command {
	var userID uint64
	owner := func() store.Owner {
		if userID == 0 {
			return store.Owner{Admin: true}
		}
		return store.Owner{UserID: userID}
	}
	cmd := &cobra.Command{
		Use:   "lists",
		Short: "Edit the entries behind a map",
	}
	cmd.PersistentFlags().Uint64VarP(&userID, "user", "u", 0, "Act as this user id (default: admin)")

	show := &cobra.Command{
		Use:   "show <map>",
		Short: "List the entries of a map",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := mapsync.NewLists(a.store, &a.conf.Maps).Entries(cmd.Context(), args[0], owner())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tUSER\tENTRY")
			for _, e := range entries {
				fmt.Fprintf(w, "%d\t%d\t%s\n", e.ID, e.UserID, e.Line)
			}
			return w.Flush()
		},
	}

	add := &cobra.Command{
		Use:   "add <map> field=value...",
		Short: "Add an entry",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			values := make(map[string]string, len(args)-1)
			for _, kv := range args[1:] {
				k, v, ok := strings.Cut(kv, "=")
				if !ok {
					return fmt.Errorf("expected field=value, got %q", kv)
				}
				values[strings.ToLower(strings.TrimSpace(k))] = v
			}
			id, err := mapsync.NewLists(a.store, &a.conf.Maps).Add(cmd.Context(), args[0], owner(), values)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added entry %d\n", id)
			return nil
		},
	}

	del := &cobra.Command{
		Use:   "delete <map> <id>",
		Short: "Delete an entry",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid entry id %q", args[1])
			}
			if err := mapsync.NewLists(a.store, &a.conf.Maps).Delete(cmd.Context(), args[0], id, owner()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted entry %d\n", id)
			return nil
		},
	}

	cmd.AddCommand(show, add, del)
	return cmd
}
