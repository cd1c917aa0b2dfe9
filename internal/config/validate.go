package config

import (
	_ "embed"
	"fmt"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

//go:embed schema.cue
var schemaSource string

// Validate checks c against the schema plus the cross-field rules the
// schema does not express.
func (c *Config) Validate() error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}

	v := schema.Unify(ctx.Encode(c.document()))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("invalid config: %s", strings.TrimSpace(cueerrors.Details(err, nil)))
	}

	if c.Retry.MaxInterval < c.Retry.InitialInterval {
		return fmt.Errorf("invalid config: retry.max_interval %s is below retry.initial_interval %s",
			c.Retry.MaxInterval, c.Retry.InitialInterval)
	}
	seen := make(map[uint64]bool, len(c.Viewer.Accounts))
	for _, a := range c.Viewer.Accounts {
		if seen[a.ID] {
			return fmt.Errorf("invalid config: viewer account %d listed twice", a.ID)
		}
		seen[a.ID] = true
	}
	return nil
}

// document is c in the shape the schema describes. Durations are
// nanoseconds.
func (c *Config) document() map[string]any {
	capacity := func(cc CapacityConfig) map[string]any {
		return map[string]any{
			"max_count":       cc.MaxCount,
			"survive_density": cc.SurviveDensity,
		}
	}
	accounts := make([]any, 0, len(c.Viewer.Accounts))
	for _, a := range c.Viewer.Accounts {
		accounts = append(accounts, map[string]any{
			"id":          a.ID,
			"screen_name": a.ScreenName,
		})
	}

	return map[string]any{
		"cache": map[string]any{
			"posts": capacity(c.Cache.Posts),
			"users": capacity(c.Cache.Users),
		},
		"store": map[string]any{
			"dir":         c.Store.Dir,
			"mode":        c.Store.Mode,
			"max_records": c.Store.MaxRecords,
		},
		"bus": map[string]any{
			"buffer":          c.Bus.Buffer,
			"handler_timeout": int64(c.Bus.HandlerTimeout),
		},
		"retry": map[string]any{
			"initial_interval": int64(c.Retry.InitialInterval),
			"max_interval":     int64(c.Retry.MaxInterval),
			"max_attempts":     c.Retry.MaxAttempts,
		},
		"mention_tree": map[string]any{
			"index_ttl": int64(c.MentionTree.IndexTTL),
		},
		"viewer": map[string]any{
			"accounts": accounts,
		},
	}
}
