package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tbourn/go-event-pipeline/internal/domain"
	"github.com/tbourn/go-event-pipeline/internal/queue"
	"github.com/tbourn/go-event-pipeline/internal/utils"
)

func newDLQCmd(opts *rootOptions) *cobra.Command {
	dlq := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect, redrive and purge dead letters",
	}
	dlq.AddCommand(newDLQListCmd(opts), newDLQRedriveCmd(opts), newDLQPurgeCmd(opts))
	return dlq
}

// openDeadLetters opens the store and returns its dead-letter queue.
func openDeadLetters(opts *rootOptions) (*queue.DeadLetters, error) {
	db, err := openDB(opts.cfg)
	if err != nil {
		return nil, err
	}
	return queue.NewDeadLetters(db, queueOptions(opts.cfg)), nil
}

func validQueue(name string) error {
	if name == "" {
		return nil
	}
	_, _, err := domain.ParseQueueName(name)
	return err
}

func newDLQListCmd(opts *rootOptions) *cobra.Command {
	var (
		queueName string
		page      string
		limit     string
		out       string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dead letters, newest failure first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validQueue(queueName); err != nil {
				return err
			}
			dl, err := openDeadLetters(opts)
			if err != nil {
				return err
			}
			p := utils.ParsePage(page, limit, 20, 500)
			rows, total, err := dl.List(cmd.Context(), queueName, p.Offset, p.Limit)
			if err != nil {
				return err
			}
			return printDeadLetters(cmd.OutOrStdout(), out, rows, total)
		},
	}
	cmd.Flags().StringVar(&queueName, "queue", "", "only this queue (e.g. review.create)")
	cmd.Flags().StringVar(&page, "page", "1", "page number")
	cmd.Flags().StringVar(&limit, "limit", "20", "page size")
	cmd.Flags().StringVar(&out, "out", "text", "output format: text|json")
	return cmd
}

func printDeadLetters(w io.Writer, format string, rows []domain.DeadLetter, total int64) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			Total int64               `json:"total"`
			Items []domain.DeadLetter `json:"items"`
		}{total, rows})
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tQUEUE\tREQUEST\tATTEMPTS\tKIND\tFAILED AT\tLAST ERROR")
	for _, d := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			d.ID, d.Queue, d.RequestID, d.Attempts, d.FailureKind,
			d.FailedAt.UTC().Format(time.RFC3339), oneLine(d.LastError, 80))
	}
	fmt.Fprintf(tw, "(%d of %d)\n", len(rows), total)
	return tw.Flush()
}

func oneLine(s string, max int) string {
	b := []rune(s)
	for i, r := range b {
		if r == '\n' || r == '\r' {
			b[i] = ' '
		}
	}
	if len(b) > max {
		return string(b[:max]) + "…"
	}
	return string(b)
}

func newDLQRedriveCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "redrive <id>...",
		Short: "Move dead letters back to their work queue with attempt reset to 0",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dl, err := openDeadLetters(opts)
			if err != nil {
				return err
			}
			var errs []error
			for _, id := range args {
				req, err := dl.Redrive(cmd.Context(), id)
				if err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", id, err))
					continue
				}
				log.Info().Str("dead_letter_id", id).Str("request_id", req.RequestID).Str("queue", req.Queue()).Msg("redriven")
				fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s\n", req.RequestID, req.Queue())
			}
			return errors.Join(errs...)
		},
	}
}

func newDLQPurgeCmd(opts *rootOptions) *cobra.Command {
	var (
		queueName string
		olderThan time.Duration
		all       bool
	)
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete dead letters that failed before a cutoff",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validQueue(queueName); err != nil {
				return err
			}
			if !all && olderThan <= 0 {
				return errors.New("either --older-than or --all is required")
			}
			dl, err := openDeadLetters(opts)
			if err != nil {
				return err
			}
			var cutoff time.Time
			if !all {
				cutoff = time.Now().UTC().Add(-olderThan)
			}
			n, err := dl.Purge(cmd.Context(), queueName, cutoff)
			if err != nil {
				return err
			}
			log.Info().Int64("purged", n).Str("queue", queueName).Msg("dead letters purged")
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d\n", n)
			return nil
		},
	}
	cmd.Flags().StringVar(&queueName, "queue", "", "only this queue")
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "purge dead letters older than this (e.g. 720h)")
	cmd.Flags().BoolVar(&all, "all", false, "purge every dead letter")
	return cmd
}
