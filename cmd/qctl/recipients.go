package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newRecipientsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recipients",
		Short: "Maintain the per message recipient table",
	}
	var batch int
	backfill := &cobra.Command{
		Use:   "backfill",
		Short: "Create recipient rows for messages that have none",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := a.store.BackfillRecipients(cmd.Context(), batch)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "backfilled %d messages\n", n)
			return nil
		},
	}
	backfill.Flags().IntVarP(&batch, "batch", "b", 500, "Messages per batch")

	var limit int
	messages := &cobra.Command{
		Use:   "messages email...",
		Short: "List the newest messages addressed to the given recipients",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			msgs, err := a.store.MessagesFor(cmd.Context(), args, limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tQUEUE ID\tDATE\tACTION\tSTORED\tFROM\tSUBJECT")
			for _, m := range msgs {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%t\t%s\t%s\n",
					m.ID, m.QueueID, stamp(m.CreatedAt), m.Action, m.MailStored, m.MailFrom, m.Subject)
			}
			return w.Flush()
		},
	}
	messages.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum number of messages")

	cmd.AddCommand(backfill, messages)
	return cmd
}
