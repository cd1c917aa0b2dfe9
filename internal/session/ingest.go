package session

import (
	"context"
	"fmt"
	"iter"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/skein/internal/model"
	"github.com/roach88/skein/internal/network"
)

// maxInFlight bounds the registrations an ingest waits on at once.
const maxInFlight = 64

// IngestReport summarizes one Ingest call.
type IngestReport struct {
	Records    int `json:"records" yaml:"records"`
	Posts      int `json:"posts" yaml:"posts"`
	Users      int `json:"users" yaml:"users"`
	Deletes    int `json:"deletes" yaml:"deletes"`
	Favorites  int `json:"favorites" yaml:"favorites"`
	Follows    int `json:"follows" yaml:"follows"`
	Lists      int `json:"lists" yaml:"lists"`
	Malformed  int `json:"malformed" yaml:"malformed"`
	Rejected   int `json:"rejected" yaml:"rejected"`
	Tombstoned int `json:"tombstoned" yaml:"tombstoned"`
	Unsaved    int `json:"unsaved" yaml:"unsaved"`
}

type tally struct {
	mu sync.Mutex
	r  IngestReport
}

func (t *tally) add(fn func(r *IngestReport)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(&t.r)
}

// outcome counts the result of one registration. Record-level failures
// never abort an ingest.
func (t *tally) outcome(err error) {
	switch {
	case err == nil:
	case model.IsTombstoned(err):
		t.add(func(r *IngestReport) { r.Tombstoned++ })
	case model.IsStoreUnavailable(err):
		t.add(func(r *IngestReport) { r.Unsaved++ })
	default:
		t.add(func(r *IngestReport) { r.Rejected++ })
	}
}

// Ingest applies a decoded record stream. Every record is also indexed by
// the session's replay so later fetches can find it. Malformed lines are
// counted and skipped; only ctx ending stops an ingest early.
func (s *Session) Ingest(ctx context.Context, records iter.Seq2[network.Record, error]) (IngestReport, error) {
	var t tally
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxInFlight)

	wait := func(w func(context.Context) error) {
		g.Go(func() error {
			err := w(gctx)
			if gctx.Err() != nil {
				return gctx.Err()
			}
			t.outcome(err)
			return nil
		})
	}

	for rec, err := range records {
		if ctx.Err() != nil {
			break
		}
		t.add(func(r *IngestReport) { r.Records++ })
		if err != nil {
			s.logger.Warn("skipping malformed record", "line", rec.Line, "error", err)
			t.add(func(r *IngestReport) { r.Malformed++ })
			continue
		}
		if w := s.apply(ctx, rec, &t); w != nil {
			wait(w)
		}
	}

	if err := g.Wait(); err != nil {
		return t.r, fmt.Errorf("ingest: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return t.r, fmt.Errorf("ingest: %w", err)
	}
	s.logger.Info("ingest finished", "records", t.r.Records, "posts", t.r.Posts, "malformed", t.r.Malformed, "rejected", t.r.Rejected)
	return t.r, nil
}

// apply submits rec and returns how to wait for its result.
func (s *Session) apply(ctx context.Context, rec network.Record, t *tally) func(context.Context) error {
	s.replay.Add(rec)

	switch rec.Kind {
	case network.KindPost:
		t.add(func(r *IngestReport) { r.Posts++ })
		f := s.pipeline.RegisterPost(ctx, *rec.Post)
		return func(ctx context.Context) error { _, err := f.Wait(ctx); return err }
	case network.KindUser:
		t.add(func(r *IngestReport) { r.Users++ })
		f := s.pipeline.RegisterUser(ctx, *rec.User)
		return func(ctx context.Context) error { _, err := f.Wait(ctx); return err }
	case network.KindDelete:
		t.add(func(r *IngestReport) { r.Deletes++ })
		f := s.pipeline.Remove(ctx, rec.ID)
		return func(ctx context.Context) error { _, err := f.Wait(ctx); return err }
	case network.KindFavorite, network.KindUnfavorite:
		t.add(func(r *IngestReport) { r.Favorites++ })
		favorite := s.pipeline.RegisterFavorite
		if rec.Kind == network.KindUnfavorite {
			favorite = s.pipeline.RemoveFavorite
		}
		f := favorite(ctx, rec.TargetID, rec.SourceID)
		return func(ctx context.Context) error { _, err := f.Wait(ctx); return err }
	case network.KindFollow, network.KindUnfollow:
		t.add(func(r *IngestReport) { r.Follows++ })
		follow := s.pipeline.RegisterFollow
		if rec.Kind == network.KindUnfollow {
			follow = s.pipeline.RemoveFollow
		}
		f := follow(ctx, rec.SourceID, rec.TargetID)
		return func(ctx context.Context) error { _, err := f.Wait(ctx); return err }
	case network.KindList:
		t.add(func(r *IngestReport) { r.Lists++ })
		return nil
	default:
		s.logger.Warn("unknown record kind", "kind", rec.Kind, "line", rec.Line)
		t.add(func(r *IngestReport) { r.Malformed++ })
		return nil
	}
}
