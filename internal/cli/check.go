package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/skein/internal/filter"
)

// CheckOptions holds flags for the check command.
type CheckOptions struct {
	*RootOptions
	List bool
}

// CheckResult is the JSON payload for one checked query.
type CheckResult struct {
	Source      string `json:"source"`
	Valid       bool   `json:"valid"`
	Canonical   string `json:"canonical,omitempty"`
	Description string `json:"description,omitempty"`
	Error       string `json:"error,omitempty"`
}

// FilterUsage describes one filter identifier for --list.
type FilterUsage struct {
	Identifier string `json:"identifier"`
	Usage      string `json:"usage"`
}

// NewCheckCommand creates the check command.
func NewCheckCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CheckOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "check [query]...",
		Short: "Parse queries and print their canonical form",
		Long: `Parse each query without opening a session, then print the canonical
query text and a description of what it shows. Exits 1 if any query is
invalid. --list prints the known filter identifiers instead.`,
		SilenceUsage:  true, // invalid queries are reported in the output
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.List {
				return runList(cmd, opts)
			}
			if len(args) == 0 {
				return NewExitError(ExitCommandError, "no queries given")
			}
			return runCheck(cmd, opts, args)
		},
	}

	cmd.Flags().BoolVar(&opts.List, "list", false, "list filter identifiers and their arguments")

	return cmd
}

func runCheck(cmd *cobra.Command, opts *CheckOptions, queries []string) error {
	out := opts.formatter(cmd)

	results := make([]CheckResult, 0, len(queries))
	invalid := 0
	for _, src := range queries {
		results = append(results, checkQuery(src))
		if !results[len(results)-1].Valid {
			invalid++
		}
	}

	if out.JSON() {
		if err := out.Success(results); err != nil {
			return err
		}
	} else {
		for _, r := range results {
			if !r.Valid {
				fmt.Fprintf(out.Writer, "%s %q: %s\n", badColor.Sprint("invalid"), r.Source, r.Error)
				continue
			}
			fmt.Fprintf(out.Writer, "%s %s\n", okColor.Sprint("ok"), r.Canonical)
			fmt.Fprintf(out.Writer, "   %s\n", r.Description)
		}
	}

	if invalid > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d queries invalid", invalid, len(queries)))
	}
	return nil
}

// checkQuery builds src against an empty environment. Filters needing
// collaborators construct fine there; they just never match.
func checkQuery(src string) CheckResult {
	f, err := filter.Parse(&filter.Env{}, src)
	if err != nil {
		return CheckResult{Source: src, Error: err.Error()}
	}
	defer f.Dispose()
	return CheckResult{
		Source:      src,
		Valid:       true,
		Canonical:   filter.Format(f),
		Description: f.Describe(),
	}
}

func runList(cmd *cobra.Command, opts *CheckOptions) error {
	out := opts.formatter(cmd)

	ids := filter.Identifiers()
	usages := make([]FilterUsage, 0, len(ids))
	for _, id := range ids {
		u, _ := filter.Usage(id)
		usages = append(usages, FilterUsage{Identifier: id, Usage: u})
	}

	if out.JSON() {
		return out.Success(usages)
	}
	for _, u := range usages {
		fmt.Fprintf(out.Writer, "%-14s %s\n", labelColor.Sprint(u.Identifier), u.Usage)
	}
	return nil
}
