package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/skein/internal/filter"
	"github.com/roach88/skein/internal/model"
	"github.com/roach88/skein/internal/session"
	"github.com/roach88/skein/internal/timeline"
)

// QueryOptions holds flags for the query command.
type QueryOptions struct {
	*RootOptions
	Streams  []string
	Describe bool
	Settle   time.Duration
	Mute     string
}

// QueryResult is the JSON payload of the query command.
type QueryResult struct {
	Query       string     `json:"query"`
	Description string     `json:"description"`
	Posts       []PostView `json:"posts"`
}

// PostView is a post as the CLI prints it.
type PostView struct {
	ID        uint64    `json:"id"`
	Author    string    `json:"author"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
	Repost    uint64    `json:"repost_of,omitempty"`
}

// NewQueryCommand creates the query command.
func NewQueryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "query <query>",
		Short: "Print the cached posts a filter query accepts",
		Long: `Open a timeline for the query over the post cache and print its members
once the timeline has caught up.

Streams given with --stream are ingested first. Filters that resolve
state in the background (lists, mention trees) get --settle to finish
before the result is printed.

Examples:
  skein query 'user:alice | text:"hello"' --stream session.jsonl
  skein query 'mtree:42' --settle 2s`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringArrayVarP(&opts.Streams, "stream", "s", nil, "stream recording to ingest first (repeatable)")
	cmd.Flags().BoolVar(&opts.Describe, "describe", false, "print the query description before the posts")
	cmd.Flags().DurationVar(&opts.Settle, "settle", 500*time.Millisecond, "how long background resolution may take")
	cmd.Flags().StringVar(&opts.Mute, "mute", "", "query whose matches raise no social events")

	return cmd
}

func runQuery(cmd *cobra.Command, opts *QueryOptions, src string) error {
	out := opts.formatter(cmd)
	ctx := commandContext(cmd)

	var extra []session.Option
	if opts.Mute != "" {
		extra = append(extra, session.WithMute(opts.Mute))
	}
	s, err := opts.openSession(cmd, out, extra...)
	if err != nil {
		return err
	}
	defer s.Close(context.WithoutCancel(ctx))

	if _, err := ingestStreams(ctx, s, opts.Streams, out); err != nil {
		_ = out.Error(ErrCodeStream, err.Error(), nil)
		return err
	}

	tl, err := s.NewTimeline("query", src)
	if err != nil {
		return queryError(out, err)
	}

	if err := settle(ctx, tl, opts.Settle); err != nil {
		if ctx.Err() != nil {
			return WrapExitError(ExitCommandError, "timeline did not settle", err)
		}
		out.VerboseLog("background resolution still running after %s", opts.Settle)
	}

	f := tl.Filter()
	posts, err := postViews(ctx, s, tl.IDs())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read posts", err)
	}
	result := QueryResult{Query: filter.Format(f), Description: f.Describe(), Posts: posts}

	if out.JSON() {
		return out.Success(result)
	}
	if opts.Describe {
		fmt.Fprintf(out.Writer, "%s %s\n", labelColor.Sprint("query:"), result.Query)
		fmt.Fprintf(out.Writer, "%s %s\n\n", labelColor.Sprint("shows:"), result.Description)
	}
	for _, p := range posts {
		printPost(out, p, "")
	}
	out.VerboseLog("%d posts", len(posts))
	return nil
}

func queryError(out *OutputFormatter, err error) error {
	if model.IsInvalidQuery(err) {
		_ = out.Error(ErrCodeInvalidQuery, err.Error(), nil)
		return WrapExitError(ExitFailure, "invalid query", err)
	}
	_ = out.Error(ErrCodeSession, err.Error(), nil)
	return WrapExitError(ExitCommandError, "failed to open timeline", err)
}

// settleQuiet is how long a timeline must go without work to count as settled.
const settleQuiet = 50 * time.Millisecond

// settle waits until the mention trees of tl's filter have finished and
// the timeline has been idle for settleQuiet, or until limit passes. The
// timeline is always flushed before settle returns.
func settle(ctx context.Context, tl *timeline.Timeline, limit time.Duration) error {
	limitCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	waitBackground(limitCtx, tl.Filter())
	for {
		if err := tl.Flush(ctx); err != nil {
			return err
		}
		before := tl.Stats()
		select {
		case <-time.After(settleQuiet):
		case <-limitCtx.Done():
			_ = tl.Flush(ctx)
			return limitCtx.Err()
		}
		if err := tl.Flush(ctx); err != nil {
			return err
		}
		if tl.Stats() == before {
			return nil
		}
	}
}

// waitBackground waits for every mention tree inside f to finish its walk.
// It reports false when ctx ends first.
func waitBackground(ctx context.Context, f filter.Filter) bool {
	for _, m := range mentionTrees(f) {
		select {
		case <-m.Done():
		case <-ctx.Done():
			return false
		}
	}
	return true
}

func mentionTrees(f filter.Filter) []*filter.MentionTree {
	switch f := f.(type) {
	case *filter.MentionTree:
		return []*filter.MentionTree{f}
	case *filter.Cluster:
		var out []*filter.MentionTree
		for _, item := range f.Items() {
			out = append(out, mentionTrees(item)...)
		}
		return out
	default:
		return nil
	}
}

func postViews(ctx context.Context, s *session.Session, ids []uint64) ([]PostView, error) {
	views := make([]PostView, 0, len(ids))
	for _, id := range ids {
		p, live, err := s.Posts().Load(ctx, id)
		if err != nil {
			return nil, err
		}
		if !live {
			continue
		}
		views = append(views, PostView{
			ID:        p.ID,
			Author:    s.Users().ScreenName(ctx, p.AuthorID),
			Text:      p.Text,
			CreatedAt: p.CreatedAt,
			Repost:    p.RepostOfID,
		})
	}
	return views, nil
}

func printPost(out *OutputFormatter, p PostView, indent string) {
	author := p.Author
	if author == "" {
		author = "?"
	}
	text := strings.ReplaceAll(p.Text, "\n", " ")
	if p.Repost != 0 {
		text = fmt.Sprintf("repost of %d", p.Repost)
	}
	fmt.Fprintf(out.Writer, "%s%s %s %s\n", indent, idColor.Sprint(p.ID), handleColor.Sprint("@"+author), text)
}
