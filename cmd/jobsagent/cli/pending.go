package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"jobsagent/internal/agent"
	"jobsagent/internal/callback"
	"jobsagent/internal/config"
	"jobsagent/internal/storage"
	"jobsagent/pkg/logx"
)

func newPendingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "Inspect the persisted retry log",
	}
	cmd.AddCommand(newPendingListCmd(), newPendingPurgeCmd())
	return cmd
}

func openStore() (storage.Store, error) {
	cfg, err := config.NewConfigManager(cfgPath).Load()
	if err != nil {
		return nil, err
	}
	st, err := agent.OpenStore(cfg, logx.Nop())
	if errors.Is(err, storage.ErrDisabled) {
		return nil, errors.New("storage.driver is not set; nothing is persisted")
	}
	return st, err
}

func newPendingListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List failed batches awaiting re-send",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			entries, err := st.ListPending(ctx, limit)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tENDPOINT\tRECORDS\tATTEMPTS\tFAILED AT\tLAST ERROR")
			for _, e := range entries {
				size := "?"
				if recs, err := callback.DecodeBatch(e.Payload); err == nil {
					size = fmt.Sprint(len(recs))
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
					e.ID, e.Endpoint, size, e.Attempts, e.FailedAt.Format(time.RFC3339), oneLine(e.LastError))
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum entries to list (0 = all)")
	return cmd
}

func newPendingPurgeCmd() *cobra.Command {
	var (
		endpoint string
		yes      bool
	)
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete persisted batches so they are never re-sent",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("refusing to purge without --yes")
			}
			st, err := openStore()
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			entries, err := st.ListPending(ctx, 0)
			if err != nil {
				return err
			}
			n := 0
			for _, e := range entries {
				if endpoint != "" && e.Endpoint != endpoint {
					continue
				}
				if err := st.DeletePending(ctx, e.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
					return fmt.Errorf("delete %s: %w", e.ID, err)
				}
				n++
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d pending batch(es)\n", n)
			return nil
		},
	}
	cmd.Flags().StringVar(&endpoint, "endpoint", "", "only purge batches for this endpoint")
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm deletion")
	return cmd
}

func oneLine(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if r := []rune(s); len(r) > 60 {
		return string(r[:57]) + "..."
	}
	return s
}
