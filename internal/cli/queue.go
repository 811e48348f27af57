package cli

import (
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/alexjbarnes/listsync/internal/api"
	"github.com/alexjbarnes/listsync/internal/config"
	"github.com/alexjbarnes/listsync/internal/logging"
	"github.com/alexjbarnes/listsync/internal/models"
	"github.com/alexjbarnes/listsync/internal/replay"
	"github.com/alexjbarnes/listsync/internal/session"
	"github.com/spf13/cobra"
)

// QueueEntry is one queued mutation as printed by `queue list`. Headers
// are left out since they carry the bearer token.
type QueueEntry struct {
	Key      uint64    `json:"key"`
	Method   string    `json:"method"`
	URL      string    `json:"url"`
	QueuedAt time.Time `json:"queued_at"`
	BodySize int       `json:"body_size"`
}

// NewQueueCommand creates the queue command group.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and replay the offline mutation queue",
	}

	cmd.AddCommand(newQueueListCommand(rootOpts))
	cmd.AddCommand(newQueueReplayCommand(rootOpts))

	return cmd
}

func newQueueListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List queued mutations in replay order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _, _, err := config.LoadLocal()
			if err != nil {
				return err
			}

			st, err := openState(rootOpts.statePath(path))
			if err != nil {
				return err
			}
			defer st.Close()

			queued, err := st.ListAll()
			if err != nil {
				return err
			}

			entries := make([]QueueEntry, 0, len(queued))
			for _, m := range queued {
				entries = append(entries, queueEntry(m))
			}

			if rootOpts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), entries)
			}

			return printQueue(cmd.OutOrStdout(), entries)
		},
	}
}

func queueEntry(m models.QueuedMutation) QueueEntry {
	e := QueueEntry{
		Key:      m.Key,
		Method:   m.Method,
		URL:      m.URL,
		QueuedAt: time.UnixMilli(m.Timestamp).UTC(),
	}

	if m.Body != nil {
		e.BodySize = len(*m.Body)
	}

	return e
}

func printQueue(w io.Writer, entries []QueueEntry) error {
	if len(entries) == 0 {
		_, err := fmt.Fprintln(w, "queue is empty")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tMETHOD\tURL\tQUEUED AT\tBODY")

	for _, e := range entries {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\n",
			e.Key, e.Method, e.URL, e.QueuedAt.Format(time.RFC3339), e.BodySize)
	}

	return tw.Flush()
}

func newQueueReplayCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "replay",
		Short: "Replay queued mutations once against the server",
		Long: `Replay every queued mutation in insertion order, stopping at the
first one the server cannot take yet. Requires the same server settings
as the daemon and cannot run while the daemon holds the state database.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)

			st, err := openState(rootOpts.statePath(cfg.StatePath))
			if err != nil {
				return err
			}
			defer st.Close()

			token, err := resolveToken(cfg, st, logger)
			if err != nil {
				return fmt.Errorf("reading token: %w", err)
			}

			sess, err := session.New(cfg.ServerURL, cfg.UserID, token)
			if err != nil {
				return err
			}

			sess.OnTokenChange(func(tok string) {
				if err := st.SetToken(tok); err != nil {
					logger.Warn("persisting token failed", slog.String("error", err.Error()))
				}
			})

			engine := replay.New(replay.Config{
				Queue:     st,
				Session:   sess,
				Refresher: api.NewClient(api.Config{Session: sess, Logger: logger}),
				Logger:    logger,
			})

			res, err := engine.Replay(cmd.Context())
			if err != nil {
				return err
			}

			if rootOpts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), res)
			}

			_, err = fmt.Fprintf(cmd.OutOrStdout(), "replayed %d, rejected %d, remaining %d\n",
				res.Replayed, res.Rejected, res.Remaining)

			return err
		},
	}
}
