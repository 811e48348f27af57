// Package cli implements the listsync command line.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"

	"github.com/alexjbarnes/listsync/internal/state"
	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Format    string // "json" | "text"
	StatePath string
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command. version is reported by the
// daemon at startup and to MCP clients.
func NewRootCommand(version string) *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "listsync",
		Short:         "Offline-first sync daemon for shared shopping lists",
		Long:          "listsync proxies a list service, queues writes while offline and replays them when the connection returns.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.StatePath, "state", "", "state database path (default ~/.listsync/state.db)")

	cmd.AddCommand(NewRunCommand(opts, version))
	cmd.AddCommand(NewQueueCommand(opts))
	cmd.AddCommand(NewCacheCommand(opts))

	return cmd
}

// statePath picks the --state flag over the configured path.
func (o *RootOptions) statePath(configured string) string {
	if o.StatePath != "" {
		return o.StatePath
	}
	return configured
}

// openState opens the database at path, or the default location when
// path is empty. The daemon holds the database lock, so local commands
// fail while it runs.
func openState(path string) (*state.State, error) {
	var (
		st  *state.State
		err error
	)

	if path == "" {
		st, err = state.Load()
	} else {
		st, err = state.LoadAt(path)
	}

	if err != nil {
		return nil, fmt.Errorf("%w (if the daemon is running, use POST /_sync/replay instead)", err)
	}

	return st, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
