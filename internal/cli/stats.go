package cli

import (
	"context"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// StatsOptions holds flags for the stats command.
type StatsOptions struct {
	*RootOptions
	Streams []string
}

// NewStatsCommand creates the stats command.
func NewStatsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print cache, pipeline and store counters",
		Long: `Open a session, ingest any --stream recordings and print the counters of
every component. With a persistent store this shows what earlier ingests
left on disk.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStats(cmd, opts)
		},
	}

	cmd.Flags().StringArrayVarP(&opts.Streams, "stream", "s", nil, "stream recording to ingest first (repeatable)")

	return cmd
}

func runStats(cmd *cobra.Command, opts *StatsOptions) error {
	out := opts.formatter(cmd)
	ctx := commandContext(cmd)

	s, err := opts.openSession(cmd, out)
	if err != nil {
		return err
	}
	defer s.Close(context.WithoutCancel(ctx))

	if _, err := ingestStreams(ctx, s, opts.Streams, out); err != nil {
		_ = out.Error(ErrCodeStream, err.Error(), nil)
		return err
	}

	st, err := s.Stats(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to collect stats", err)
	}
	if out.JSON() {
		return out.Success(st)
	}

	enc := yaml.NewEncoder(out.Writer)
	enc.SetIndent(2)
	if err := enc.Encode(st); err != nil {
		return err
	}
	return enc.Close()
}
