package cli

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/skein/internal/session"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Streams []string
	Timeout time.Duration
}

// TraceResult is the JSON payload of the trace command.
type TraceResult struct {
	Seed       uint64     `json:"seed"`
	TracePoint uint64     `json:"trace_point"`
	Complete   bool       `json:"complete"`
	Root       *ReplyNode `json:"root,omitempty"`
}

// ReplyNode is one post of a traced conversation with its replies.
type ReplyNode struct {
	PostView
	Replies []*ReplyNode `json:"replies,omitempty"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace <post id>",
		Short: "Walk a conversation to its root and print the reply tree",
		Long: `Follow in-reply-to links upward from the seed post, fetching missing
ancestors from the ingested recordings, then print every cached post of
the conversation as an indented tree under the root that was reached.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			seed, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil || seed == 0 {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid post id %q", args[0]))
			}
			return runTrace(cmd, opts, seed)
		},
	}

	cmd.Flags().StringArrayVarP(&opts.Streams, "stream", "s", nil, "stream recording to ingest first (repeatable)")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 5*time.Second, "how long the upward walk may take")

	return cmd
}

func runTrace(cmd *cobra.Command, opts *TraceOptions, seed uint64) error {
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

	tl, err := s.NewTimeline("trace", fmt.Sprintf("mtree:%d", seed))
	if err != nil {
		return queryError(out, err)
	}
	trees := mentionTrees(tl.Filter())
	if len(trees) != 1 {
		return NewExitError(ExitCommandError, "trace filter has no mention tree")
	}
	tree := trees[0]

	result := TraceResult{Seed: seed}
	err = settle(ctx, tl, opts.Timeout)
	switch {
	case err == nil:
		result.Complete = true
	case ctx.Err() != nil:
		return WrapExitError(ExitCommandError, "trace interrupted", err)
	default:
		out.VerboseLog("walk did not finish within %s", opts.Timeout)
	}
	result.TracePoint = tree.TracePoint()

	members := make(map[uint64]bool)
	for _, id := range tl.IDs() {
		members[id] = true
	}
	result.Root, err = replyTree(ctx, s, result.TracePoint, members)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read posts", err)
	}

	if out.JSON() {
		return out.Success(result)
	}

	fmt.Fprintf(out.Writer, "%s %s\n", labelColor.Sprint("trace point:"), idColor.Sprint(result.TracePoint))
	if !result.Complete {
		fmt.Fprintln(out.Writer, badColor.Sprint("walk incomplete"))
	}
	if result.Root == nil {
		fmt.Fprintln(out.Writer, "root post is not cached")
		return nil
	}
	printTree(out, result.Root, "")
	return nil
}

// replyTree builds the tree of cached member posts below root. It returns
// nil when root itself is not live.
func replyTree(ctx context.Context, s *session.Session, root uint64, members map[uint64]bool) (*ReplyNode, error) {
	seen := make(map[uint64]bool)
	var build func(id uint64) (*ReplyNode, error)
	build = func(id uint64) (*ReplyNode, error) {
		if seen[id] {
			return nil, nil
		}
		seen[id] = true

		views, err := postViews(ctx, s, []uint64{id})
		if err != nil || len(views) == 0 {
			return nil, err
		}
		p, _, err := s.Posts().Load(ctx, id)
		if err != nil {
			return nil, err
		}

		node := &ReplyNode{PostView: views[0]}
		children := slices.Clone(p.RepliedFrom)
		slices.Sort(children)
		for _, child := range children {
			if !members[child] {
				continue
			}
			c, err := build(child)
			if err != nil {
				return nil, err
			}
			if c != nil {
				node.Replies = append(node.Replies, c)
			}
		}
		return node, nil
	}
	return build(root)
}

func printTree(out *OutputFormatter, n *ReplyNode, indent string) {
	printPost(out, n.PostView, indent)
	for _, c := range n.Replies {
		printTree(out, c, indent+"  ")
	}
}
