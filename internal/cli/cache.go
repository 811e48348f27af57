package cli

import (
	"fmt"
	"slices"

	"github.com/alexjbarnes/listsync/internal/config"
	"github.com/spf13/cobra"
)

// NewCacheCommand creates the cache command group.
func NewCacheCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage cached responses",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "clear [partition...]",
		Short: "Drop cache partitions, all of them when none are named",
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

			existing := st.CachePartitions()

			targets := args
			if len(targets) == 0 {
				targets = existing
			}

			cleared := []string{}
			for _, p := range targets {
				if !slices.Contains(existing, p) {
					continue
				}

				if err := st.CacheClear(p); err != nil {
					return fmt.Errorf("clearing %s: %w", p, err)
				}

				cleared = append(cleared, p)
			}

			if rootOpts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), map[string][]string{"cleared": cleared})
			}

			if len(cleared) == 0 {
				_, err = fmt.Fprintln(cmd.OutOrStdout(), "nothing to clear")
				return err
			}

			for _, p := range cleared {
				if _, err := fmt.Fprintf(cmd.OutOrStdout(), "cleared %s\n", p); err != nil {
					return err
				}
			}

			return nil
		},
	})

	return cmd
}
