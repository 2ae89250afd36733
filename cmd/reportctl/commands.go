package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"farmestly-reports/internal/models"
	"farmestly-reports/internal/report"
)

type emailAdmin interface {
	Get(ctx context.Context, id string) (models.QueuedEmail, error)
	RetryEmail(ctx context.Context, id string) error
}

type jobReader interface {
	GetJob(ctx context.Context, jobID string) (models.ReportJob, error)
}

type maintainer interface {
	CleanupExpiredJobs(ctx context.Context) (report.CleanupStats, error)
	ReapStale(ctx context.Context) (int, error)
}

// app holds the services commands operate on; connect fills it before a command runs.
type app struct {
	emails emailAdmin
	jobs   jobReader
	maint  maintainer
}

func newRootCmd(connect func(ctx context.Context, a *app) error) *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "reportctl",
		Short:         "Operate the Farmestly report pipeline",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if connect == nil {
				return nil
			}
			return connect(cmd.Context(), a)
		},
	}
	root.AddCommand(emailCmd(a), jobCmd(a), cleanupCmd(a))
	return root
}

// emailView leaves attachment bodies out of the output.
type emailView struct {
	models.QueuedEmail
	Attachments []attachmentView `json:"attachments,omitempty"`
}

type attachmentView struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Bytes       int    `json:"bytes"`
}

func emailCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "email",
		Short: "Inspect and retry queued emails",
	}

	show := &cobra.Command{
		Use:   "show [email-id]",
		Short: "Print a queued email",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.emails.Get(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("email %s: %w", args[0], err)
			}
			view := emailView{QueuedEmail: e}
			for _, att := range e.Attachments {
				view.Attachments = append(view.Attachments, attachmentView{
					Filename:    att.Filename,
					ContentType: att.ContentType,
					Bytes:       len(att.Content),
				})
			}
			return printJSON(cmd.OutOrStdout(), view)
		},
	}

	retry := &cobra.Command{
		Use:   "retry [email-id]",
		Short: "Reset an email to pending with a fresh attempt budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.emails.RetryEmail(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "email %s reset to pending\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(show, retry)
	return cmd
}

func jobCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Inspect report jobs",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show [job-id]",
		Short: "Print a report job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := a.jobs.GetJob(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("job %s: %w", args[0], err)
			}
			return printJSON(cmd.OutOrStdout(), job)
		},
	})
	return cmd
}

func cleanupCmd(a *app) *cobra.Command {
	var reap bool
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete expired report artifacts and old jobs now",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := struct {
				report.CleanupStats
				Reaped int `json:"reaped"`
			}{}
			if reap {
				n, err := a.maint.ReapStale(cmd.Context())
				if err != nil {
					return fmt.Errorf("reap stale jobs: %w", err)
				}
				out.Reaped = n
			}
			stats, err := a.maint.CleanupExpiredJobs(cmd.Context())
			if err != nil {
				return err
			}
			out.CleanupStats = stats
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().BoolVar(&reap, "reap", true, "also fail jobs whose worker stopped reporting")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
