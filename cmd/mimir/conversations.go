package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newConversationsCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "conversations",
		Short: "List conversations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, flags)
			if err != nil {
				return err
			}
			convs, err := a.api.ListConversations(cmd.Context())
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTITLE")
			for _, c := range convs {
				fmt.Fprintf(tw, "%s\t%s\n", c.ID, c.Title)
			}
			return tw.Flush()
		},
	}
}
