package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/skein/internal/network"
	"github.com/roach88/skein/internal/session"
)

// IngestOptions holds flags for the ingest command.
type IngestOptions struct {
	*RootOptions
	Strict bool
}

// NewIngestCommand creates the ingest command.
func NewIngestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &IngestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "ingest <stream.jsonl>...",
		Short: "Register recorded stream records into the store",
		Long: `Decode one or more JSON-lines stream recordings and register every
record through the pipeline. With a persistent store the records remain
available to later commands.

Each line is one record with a "kind" of post, user, delete, favorite,
follow or list. Blank lines and lines starting with '#' are skipped.`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(cmd, opts, args)
		},
	}

	cmd.Flags().BoolVar(&opts.Strict, "strict", false, "exit 1 when any record is malformed or rejected")

	return cmd
}

func runIngest(cmd *cobra.Command, opts *IngestOptions, paths []string) error {
	out := opts.formatter(cmd)

	s, err := opts.openSession(cmd, out)
	if err != nil {
		return err
	}
	defer s.Close(context.WithoutCancel(commandContext(cmd)))

	report, err := ingestStreams(commandContext(cmd), s, paths, out)
	if err != nil {
		_ = out.Error(ErrCodeStream, err.Error(), nil)
		return err
	}

	if out.JSON() {
		if err := out.Success(report); err != nil {
			return err
		}
	} else {
		printReport(out, report)
	}

	if opts.Strict && report.Malformed+report.Rejected > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d malformed and %d rejected records", report.Malformed, report.Rejected))
	}
	return nil
}

// ingestStreams ingests every file in paths into s and sums the reports.
func ingestStreams(ctx context.Context, s *session.Session, paths []string, out *OutputFormatter) (session.IngestReport, error) {
	var total session.IngestReport
	for _, path := range paths {
		r, err := ingestFile(ctx, s, path)
		if err != nil {
			return total, err
		}
		out.VerboseLog("ingested %s: %d records", path, r.Records)
		total = addReports(total, r)
	}
	return total, nil
}

func ingestFile(ctx context.Context, s *session.Session, path string) (session.IngestReport, error) {
	f, err := os.Open(path)
	if err != nil {
		return session.IngestReport{}, WrapExitError(ExitCommandError, "failed to open stream", err)
	}
	defer f.Close()

	r, err := s.Ingest(ctx, network.Decode(f))
	if err != nil {
		return r, WrapExitError(ExitCommandError, fmt.Sprintf("ingest %s", path), err)
	}
	return r, nil
}

func addReports(a, b session.IngestReport) session.IngestReport {
	a.Records += b.Records
	a.Posts += b.Posts
	a.Users += b.Users
	a.Deletes += b.Deletes
	a.Favorites += b.Favorites
	a.Follows += b.Follows
	a.Lists += b.Lists
	a.Malformed += b.Malformed
	a.Rejected += b.Rejected
	a.Tombstoned += b.Tombstoned
	a.Unsaved += b.Unsaved
	return a
}

func printReport(out *OutputFormatter, r session.IngestReport) {
	w := out.Writer
	fmt.Fprintf(w, "%s %d records\n", okColor.Sprint("ingested"), r.Records)
	rows := []struct {
		label string
		n     int
	}{
		{"posts", r.Posts},
		{"users", r.Users},
		{"deletes", r.Deletes},
		{"favorites", r.Favorites},
		{"follows", r.Follows},
		{"lists", r.Lists},
	}
	for _, row := range rows {
		fmt.Fprintf(w, "  %-10s %d\n", row.label, row.n)
	}
	problems := []struct {
		label string
		n     int
	}{
		{"malformed", r.Malformed},
		{"rejected", r.Rejected},
		{"tombstoned", r.Tombstoned},
		{"unsaved", r.Unsaved},
	}
	for _, row := range problems {
		if row.n > 0 {
			fmt.Fprintf(w, "  %-10s %s\n", row.label, badColor.Sprint(row.n))
		}
	}
}
