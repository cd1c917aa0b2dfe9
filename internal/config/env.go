package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EnvPrefix starts every environment override.
const EnvPrefix = "SKEIN_"

type envBinding struct {
	key string
	set func(c *Config, v string) error
}

var envBindings = []envBinding{
	{"STORE_DIR", func(c *Config, v string) error { c.Store.Dir = v; return nil }},
	{"STORE_MODE", func(c *Config, v string) error { c.Store.Mode = strings.ToLower(v); return nil }},
	{"STORE_MAX_RECORDS", intVar(func(c *Config) *int { return &c.Store.MaxRecords })},
	{"POSTS_MAX_COUNT", intVar(func(c *Config) *int { return &c.Cache.Posts.MaxCount })},
	{"POSTS_SURVIVE_DENSITY", floatVar(func(c *Config) *float64 { return &c.Cache.Posts.SurviveDensity })},
	{"USERS_MAX_COUNT", intVar(func(c *Config) *int { return &c.Cache.Users.MaxCount })},
	{"USERS_SURVIVE_DENSITY", floatVar(func(c *Config) *float64 { return &c.Cache.Users.SurviveDensity })},
	{"BUS_BUFFER", intVar(func(c *Config) *int { return &c.Bus.Buffer })},
	{"BUS_HANDLER_TIMEOUT", durationVar(func(c *Config) *time.Duration { return &c.Bus.HandlerTimeout })},
	{"RETRY_INITIAL_INTERVAL", durationVar(func(c *Config) *time.Duration { return &c.Retry.InitialInterval })},
	{"RETRY_MAX_INTERVAL", durationVar(func(c *Config) *time.Duration { return &c.Retry.MaxInterval })},
	{"RETRY_MAX_ATTEMPTS", intVar(func(c *Config) *int { return &c.Retry.MaxAttempts })},
	{"MTREE_INDEX_TTL", durationVar(func(c *Config) *time.Duration { return &c.MentionTree.IndexTTL })},
	{"VIEWER", func(c *Config, v string) error {
		accounts, err := parseViewers(v)
		if err != nil {
			return err
		}
		c.Viewer.Accounts = accounts
		return nil
	}},
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	for _, b := range envBindings {
		v, ok := lookup(EnvPrefix + b.key)
		if !ok {
			continue
		}
		if err := b.set(c, strings.TrimSpace(v)); err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, b.key, err)
		}
	}
	return nil
}

func intVar(field func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("not an integer: %q", v)
		}
		*field(c) = n
		return nil
	}
}

func floatVar(field func(*Config) *float64) func(*Config, string) error {
	return func(c *Config, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("not a number: %q", v)
		}
		*field(c) = f
		return nil
	}
}

func durationVar(field func(*Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("not a duration: %q", v)
		}
		*field(c) = d
		return nil
	}
}

// parseViewers reads "id:screen_name" pairs separated by commas.
func parseViewers(s string) ([]ViewerAccount, error) {
	var out []ViewerAccount
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		idText, name, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("viewer %q: want id:screen_name", part)
		}
		id, err := strconv.ParseUint(strings.TrimSpace(idText), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("viewer %q: bad id", part)
		}
		out = append(out, ViewerAccount{ID: id, ScreenName: strings.TrimSpace(name)})
	}
	return out, nil
}
