package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/xiaot623/gogo/mimir/internal/testbackend"
)

const defaultReply = "This is a canned reply from the development backend."

func newDevBackendCmd(flags *globalFlags) *cobra.Command {
	var (
		addr  string
		dsn   string
		reply string
		delay time.Duration
	)
	cmd := &cobra.Command{
		Use:   "dev-backend",
		Short: "Run a local backend that streams canned replies",
		Long: `Serve the chat REST API and push socket from a local SQLite database.
Every message is answered with --reply, streamed one word at a time.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, flags)
			if err != nil {
				return err
			}
			repo, err := testbackend.NewRepository(dsn)
			if err != nil {
				return err
			}
			defer repo.Close()

			srv := testbackend.New(repo, testbackend.Options{
				Token:      a.cfg.AccessToken,
				AutoReply:  splitWords(reply),
				ChunkDelay: delay,
				Logger:     a.log,
			})

			errCh := make(chan error, 1)
			go func() {
				a.log.Info("dev backend listening", slog.String("addr", addr))
				errCh <- srv.Start(addr)
			}()

			select {
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			case <-cmd.Context().Done():
			}

			a.log.Info("shutting down dev backend")
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	cmd.Flags().StringVar(&dsn, "db", ":memory:", "SQLite data source")
	cmd.Flags().StringVar(&reply, "reply", defaultReply, "text every reply streams")
	cmd.Flags().DurationVar(&delay, "chunk-delay", 80*time.Millisecond, "pause between streamed words")
	return cmd
}

// splitWords splits s into chunks that keep their leading space, so the
// chunks concatenate back to s.
func splitWords(s string) []string {
	var chunks []string
	for i, w := range strings.Fields(s) {
		if i > 0 {
			w = " " + w
		}
		chunks = append(chunks, w)
	}
	return chunks
}
