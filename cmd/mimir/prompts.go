package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/xiaot623/gogo/mimir/internal/domain"
	"github.com/xiaot623/gogo/mimir/internal/prompt"
)

func newPromptsCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prompts",
		Short: "Manage saved prompt templates",
		Long: `Prompt text may reference variables as ${name}. Values are supplied as
TOML when the prompt is rendered.`,
	}
	cmd.AddCommand(
		newPromptsListCmd(flags),
		newPromptsCreateCmd(flags),
		newPromptsUpdateCmd(flags),
		newPromptsDeleteCmd(flags),
		newPromptsRenderCmd(flags),
	)
	return cmd
}

func newPromptsListCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List prompts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, flags)
			if err != nil {
				return err
			}
			prompts, err := a.api.ListPrompts(cmd.Context())
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTITLE\tVARIABLES")
			for _, p := range prompts {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", p.ID, p.Title, strings.Join(prompt.ExtractVariables(p.Text), ","))
			}
			return tw.Flush()
		},
	}
}

func newPromptsCreateCmd(flags *globalFlags) *cobra.Command {
	var title, text string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a prompt",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, flags)
			if err != nil {
				return err
			}
			p, err := a.api.CreatePrompt(cmd.Context(), &domain.CreatePromptRequest{Title: title, Text: text})
			if err != nil {
				return err
			}
			printPrompt(cmd.OutOrStdout(), p)
			return nil
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "prompt title")
	cmd.Flags().StringVar(&text, "text", "", "prompt text")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("text")
	return cmd
}

func newPromptsUpdateCmd(flags *globalFlags) *cobra.Command {
	var title, text string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a prompt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, flags)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			current, err := a.api.GetPrompt(ctx, args[0])
			if err != nil {
				return err
			}
			req := &domain.UpdatePromptRequest{ID: current.ID, Title: current.Title, Text: current.Text}
			if cmd.Flags().Changed("title") {
				req.Title = title
			}
			if cmd.Flags().Changed("text") {
				req.Text = text
			}

			p, err := a.api.UpdatePrompt(ctx, req)
			if err != nil {
				return err
			}
			printPrompt(cmd.OutOrStdout(), p)
			return nil
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "new title")
	cmd.Flags().StringVar(&text, "text", "", "new text")
	return cmd
}

func newPromptsDeleteCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a prompt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, flags)
			if err != nil {
				return err
			}
			if err := a.api.DeletePrompt(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}
}

func newPromptsRenderCmd(flags *globalFlags) *cobra.Command {
	var input string
	cmd := &cobra.Command{
		Use:   "render <id>",
		Short: "Fill a prompt's variables and print the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, flags)
			if err != nil {
				return err
			}
			p, err := a.api.GetPrompt(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			text, err := prompt.Render(p.Text, input)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), text)
			return nil
		},
	}
	cmd.Flags().StringVar(&input, "input", "", `variable values as TOML, e.g. 'name = "Ada"'`)
	return cmd
}

func printPrompt(w io.Writer, p *domain.Prompt) {
	fmt.Fprintf(w, "%s\t%s\n%s\n", p.ID, p.Title, p.Text)
}
