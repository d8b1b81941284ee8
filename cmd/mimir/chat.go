package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/xiaot623/gogo/mimir/internal/adapter/backend"
	"github.com/xiaot623/gogo/mimir/internal/alert"
	"github.com/xiaot623/gogo/mimir/internal/domain"
	"github.com/xiaot623/gogo/mimir/internal/prompt"
	"github.com/xiaot623/gogo/mimir/internal/service"
	"github.com/xiaot623/gogo/mimir/internal/store"
)

const chatHelp = `Type a message and press Enter to send.
Commands: /pause, /sync, /prompt <id>, /cost, /quit`

func newChatCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "chat [conversation-id]",
		Short: "Open an interactive chat session",
		Long: `Open a conversation, or start a new one with the first line you type.
Replies stream in as they arrive.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, flags)
			if err != nil {
				return err
			}
			var conversationID string
			if len(args) == 1 {
				conversationID = args[0]
			}
			return a.chat(cmd.Context(), conversationID, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

// chatSession is one interactive run of the chat command.
type chatSession struct {
	app   *app
	sess  *session
	out   *syncWriter
	lines <-chan string
	cost  *service.CostTracker

	view      *service.ConversationView
	stopWatch func()
	render    *renderer
}

func (a *app) chat(ctx context.Context, conversationID string, in io.Reader, w io.Writer) error {
	sess, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer sess.close()

	out := &syncWriter{w: w}
	var (
		shownMu sync.Mutex
		shown   alert.State
	)
	stopBanner := sess.banner.OnChange(func(s alert.State) {
		shownMu.Lock()
		defer shownMu.Unlock()
		if s.Error != "" && s.Error != shown.Error {
			out.Printf("! %s\n", s.Error)
		}
		if s.Notification != "" && s.Notification != shown.Notification {
			out.Printf("* %s\n", s.Notification)
		}
		shown = s
	})
	defer stopBanner()

	c := &chatSession{
		app:   a,
		sess:  sess,
		out:   out,
		lines: readLines(ctx, in),
		cost:  sess.svc.NewCostTracker(nil),
	}
	if err := c.cost.Start(ctx); err != nil {
		a.log.Warn("cost unavailable", slog.String("error", err.Error()))
	}
	defer c.cost.Stop()
	defer c.close()

	out.Println(chatHelp)
	if conversationID != "" {
		if err := c.open(ctx, sess.svc.Open(conversationID)); err != nil {
			return err
		}
	}

	for {
		line, ok := c.next(ctx)
		if !ok {
			return nil
		}
		if line == "" {
			continue
		}
		if line == "/quit" {
			out.Println("Bye!")
			return nil
		}
		if strings.HasPrefix(line, "/") {
			c.command(ctx, line)
			continue
		}
		c.send(ctx, line)
	}
}

func (c *chatSession) next(ctx context.Context) (string, bool) {
	select {
	case <-ctx.Done():
		return "", false
	case line, ok := <-c.lines:
		return strings.TrimSpace(line), ok
	}
}

func (c *chatSession) open(ctx context.Context, view *service.ConversationView) error {
	c.view = view
	c.render = &renderer{out: c.out}
	if err := view.Mount(ctx); err != nil {
		var apiErr *backend.APIError
		if errors.As(err, &apiErr) && apiErr.ClientError() {
			view.Unmount()
			return fmt.Errorf("open conversation %s: %w", view.ID(), err)
		}
	}
	c.out.Printf("Conversation %s\n", view.ID())
	c.stopWatch = view.Watch(c.render.update)
	c.render.update(view.List())
	return nil
}

func (c *chatSession) close() {
	if c.stopWatch != nil {
		c.stopWatch()
	}
	if c.view != nil {
		c.view.Unmount()
	}
}

func (c *chatSession) send(ctx context.Context, text string) {
	c.sess.banner.Clear()
	if c.view == nil {
		view, _, err := c.sess.svc.StartConversation(ctx, text)
		if view == nil {
			c.report(err)
			return
		}
		c.view = view
		c.render = &renderer{out: c.out}
		c.out.Printf("Conversation %s\n", view.ID())
		c.stopWatch = view.Watch(c.render.update)
		c.render.update(view.List())
		if err != nil {
			c.report(err)
		}
		return
	}
	if _, err := c.view.Submit(ctx, text); err != nil {
		c.report(err)
	}
}

// report prints errors the banner does not show.
func (c *chatSession) report(err error) {
	switch {
	case errors.Is(err, service.ErrEmptyMessage),
		errors.Is(err, service.ErrNotConnected),
		errors.Is(err, service.ErrBusy):
		c.out.Printf("! %s\n", err)
	}
}

func (c *chatSession) command(ctx context.Context, line string) {
	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch name {
	case "/pause":
		if c.view == nil {
			return
		}
		paused := c.view.PauseAll()
		c.sess.banner.SetNotification(fmt.Sprintf("Paused %d stream(s).", len(paused)))
	case "/sync":
		if c.view == nil {
			return
		}
		fetched, err := c.view.Focus(ctx)
		if err == nil && !fetched {
			c.out.Println("* waiting for the reply to finish")
		}
	case "/prompt":
		c.usePrompt(ctx, arg)
	case "/cost":
		if cost := c.cost.Cost(); cost != nil {
			c.out.Printf("* %s\n", formatCost(*cost))
		} else {
			c.out.Println("* cost unavailable")
		}
	default:
		c.out.Printf("! unknown command %s\n%s\n", name, chatHelp)
	}
}

// usePrompt renders a saved prompt and sends it. Variables are read as TOML
// lines up to the first empty line.
func (c *chatSession) usePrompt(ctx context.Context, id string) {
	if id == "" {
		c.out.Println("! usage: /prompt <id>")
		return
	}
	p, err := c.app.api.GetPrompt(ctx, id)
	if err != nil {
		c.out.Printf("! %s\n", alert.Message(err))
		return
	}

	var input strings.Builder
	if vars := prompt.ExtractVariables(p.Text); len(vars) > 0 {
		c.out.Printf("* %s needs %s. Enter TOML, then an empty line:\n", p.Title, strings.Join(vars, ", "))
		for {
			line, ok := c.next(ctx)
			if !ok || line == "" {
				break
			}
			input.WriteString(line)
			input.WriteByte('\n')
		}
	}

	text, err := prompt.Render(p.Text, input.String())
	if err != nil {
		c.out.Printf("! %s\n", err)
		return
	}
	if missing := prompt.Missing(text, nil); len(missing) > 0 {
		c.out.Printf("* unfilled: %s\n", strings.Join(missing, ", "))
	}
	c.out.Printf("> %s\n", text)
	c.send(ctx, text)
}

func readLines(ctx context.Context, in io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return lines
}

// renderer prints message lists incrementally: new messages in full and
// streaming replies as their content grows.
type renderer struct {
	out *syncWriter

	mu      sync.Mutex
	printed []printedMessage
}

type printedMessage struct {
	content string
	open    bool
}

func (r *renderer) update(l store.List) {
	r.mu.Lock()
	defer r.mu.Unlock()

	items := l.Items()
	if len(items) < len(r.printed) {
		r.printed = r.printed[:len(items)]
	}
	for i, msg := range items {
		if i == len(r.printed) {
			r.out.Printf("%s: ", label(msg.Role))
			r.printed = append(r.printed, printedMessage{open: true})
		}
		p := &r.printed[i]
		if !p.open {
			continue
		}
		// a stale list raced a newer one through the watcher
		if msg.IsStreaming && len(msg.Content) < len(p.content) && strings.HasPrefix(p.content, msg.Content) {
			continue
		}
		if strings.HasPrefix(msg.Content, p.content) {
			r.out.Print(msg.Content[len(p.content):])
		} else {
			r.out.Printf("\n%s: %s", label(msg.Role), msg.Content)
		}
		p.content = msg.Content
		if !msg.IsStreaming {
			r.out.Println()
			p.open = false
		}
	}
}

func label(role domain.Role) string {
	if role == domain.RoleAssistant {
		return "assistant"
	}
	return "you"
}

// syncWriter serializes output from the input loop and event callbacks.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Print(a ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprint(s.w, a...)
}

func (s *syncWriter) Println(a ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintln(s.w, a...)
}

func (s *syncWriter) Printf(format string, a ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, format, a...)
}
