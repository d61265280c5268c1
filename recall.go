// Copyright 2025 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package recall implements the common code used by cache-proxy: the
// configuration format and the construction of the services behind the HTTP
// front.
package recall

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/maruel/recall/breaker"
	"github.com/maruel/recall/cache"
	"github.com/maruel/recall/cache/memhot"
	"github.com/maruel/recall/cache/pgindex"
	"github.com/maruel/recall/cache/redishot"
	"github.com/maruel/recall/embed"
	"github.com/maruel/recall/provider"
	"github.com/maruel/recall/proxy"
	"github.com/maruel/recall/stream"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

// Default configuration with sane presets and no external stores, so the
// proxy answers exact hits out of the box.
//
//go:embed default_config.yml
var DefaultConfig []byte

// Config defines the configuration format.
type Config struct {
	// Server is the HTTP front.
	Server proxy.Options `yaml:"server"`
	// Cache tunes matching, scoring and retention.
	Cache cache.Options `yaml:"cache"`
	// Stores selects the backing tiers. Redis replaces the in-process
	// memory tier when its addr is set; Postgres carries the template tier
	// and is optional.
	Stores struct {
		Memory   memhot.Options   `yaml:"memory"`
		Redis    redishot.Options `yaml:"redis"`
		Postgres pgindex.Options  `yaml:"postgres"`
	} `yaml:"stores"`
	// Embedding is the semantic scorer endpoint.
	Embedding embed.Options `yaml:"embedding"`
	// Breakers tunes failure detection on the stores and the upstreams.
	Breakers breaker.Options `yaml:"breakers"`
	// Stream paces the replay of cached streaming responses.
	Stream stream.Options `yaml:"stream"`
	// Providers lists the OpenAI-compatible upstreams, tried in order.
	Providers []provider.Options `yaml:"providers"`
}

// Validate checks for obvious errors in the fields.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return err
	}
	if err := c.Cache.Validate(); err != nil {
		return err
	}
	if err := c.Stores.Memory.Validate(); err != nil {
		return err
	}
	if err := c.Stores.Redis.Validate(); err != nil {
		return err
	}
	if err := c.Stores.Postgres.Validate(); err != nil {
		return err
	}
	if err := c.Embedding.Validate(); err != nil {
		return err
	}
	if err := c.Breakers.Validate(); err != nil {
		return err
	}
	if err := c.Stream.Validate(); err != nil {
		return err
	}
	if len(c.Providers) == 0 {
		return errors.New("at least one provider is required")
	}
	seen := map[string]struct{}{}
	for i := range c.Providers {
		if err := c.Providers[i].Validate(); err != nil {
			return err
		}
		n := c.Providers[i].Name
		if _, ok := seen[n]; ok {
			return fmt.Errorf("duplicate provider %q", n)
		}
		seen[n] = struct{}{}
	}
	return nil
}

// LoadOrDefault loads a config or writes the default to disk.
//
// ${VAR} references are replaced from the environment before parsing, so
// secrets can stay out of the file. Durations read like Go durations, e.g.
// 500ms or 24h.
func (c *Config) LoadOrDefault(config string) error {
	b, err := os.ReadFile(config)
	if os.IsNotExist(err) {
		b = DefaultConfig
		if err = os.WriteFile(config, b, 0o644); err != nil {
			return fmt.Errorf("failed to write default config: %w", err)
		}
	} else if err != nil {
		return err
	}
	if b, err = expandConfig(b); err != nil {
		return fmt.Errorf("failed to read %q: %w", config, err)
	}
	d := yaml.NewDecoder(bytes.NewReader(b))
	d.KnownFields(true)
	if err = d.Decode(c); err != nil {
		return fmt.Errorf("failed to read %q: %w", config, err)
	}
	return c.Validate()
}

// expandConfig resolves ${VAR} references and rewrites human duration
// strings into the integer nanoseconds the decoder accepts.
func expandConfig(b []byte) ([]byte, error) {
	var root yaml.Node
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(b))), &root); err != nil {
		return nil, err
	}
	if root.Kind == 0 {
		return b, nil
	}
	expandDurations(&root, false)
	return yaml.Marshal(&root)
}

// durationKeys names every config key holding a duration.
var durationKeys = map[string]struct{}{
	"ttl":             {},
	"timeout":         {},
	"shutdown_grace":  {},
	"sweep_interval":  {},
	"hot_timeout":     {},
	"indexed_timeout": {},
	"embed_timeout":   {},
	"slow_call":       {},
	"mean_delay":      {},
	"sigma_delay":     {},
	"retry_wait_min":  {},
	"retry_wait_max":  {},
}

// expandDurations walks the tree. family marks the values of ttl_by_family,
// whose keys are model families rather than known key names.
func expandDurations(n *yaml.Node, family bool) {
	switch n.Kind {
	case yaml.DocumentNode, yaml.SequenceNode:
		for _, c := range n.Content {
			expandDurations(c, false)
		}
	case yaml.MappingNode:
		for i := 0; i+1 < len(n.Content); i += 2 {
			k, v := n.Content[i], n.Content[i+1]
			if v.Kind == yaml.ScalarNode {
				if _, ok := durationKeys[k.Value]; ok || family {
					rewriteDuration(v)
				}
			} else {
				expandDurations(v, k.Value == "ttl_by_family")
			}
		}
	}
}

func rewriteDuration(v *yaml.Node) {
	if v.Tag != "!!str" {
		return
	}
	d, err := time.ParseDuration(v.Value)
	if err != nil {
		// Leave it alone; the decoder reports the field.
		return
	}
	v.Tag = "!!int"
	v.Style = 0
	v.Value = strconv.FormatInt(int64(d), 10)
}

// Services is everything cache-proxy runs on.
type Services struct {
	Engine    *cache.Engine
	Providers *provider.Registry
	Replayer  *stream.Replayer
	Breakers  *breaker.Set

	hot  cache.HotStore
	tmpl cache.TemplateStore
}

// Close releases the engine first, then the stores it was using.
func (s *Services) Close() error {
	var err error
	if s.Engine != nil {
		err = s.Engine.Close()
	}
	if s.hot != nil {
		if err2 := s.hot.Close(); err == nil {
			err = err2
		}
	}
	if s.tmpl != nil {
		if err2 := s.tmpl.Close(); err == nil {
			err = err2
		}
	}
	return err
}

// LoadServices dials the stores and the embedder, then assembles the cache
// engine and the upstream registry. The dials can take a while, so they run
// in parallel for faster startup.
func LoadServices(ctx context.Context, cfg *Config) (*Services, error) {
	start := time.Now()
	slog.Info("services", "state", "initializing")
	brk := breaker.NewSet(&cfg.Breakers)
	var hot cache.HotStore
	var tmpl cache.TemplateStore
	var emb embed.Embedder
	eg := errgroup.Group{}
	eg.Go(func() error {
		// New returns nil when no redis addr is configured; nil must not
		// reach the interface or it looks like a live store.
		s, err := redishot.New(ctx, &cfg.Stores.Redis)
		if err != nil {
			slog.Info("redis", "state", "failed", "err", err)
			return err
		}
		if s != nil {
			hot = s
			return nil
		}
		m, err := memhot.New(&cfg.Stores.Memory)
		if err != nil {
			return err
		}
		hot = m
		return nil
	})
	eg.Go(func() error {
		s, err := pgindex.New(ctx, &cfg.Stores.Postgres)
		if err != nil {
			slog.Info("postgres", "state", "failed", "err", err)
			return err
		}
		if s == nil {
			slog.Info("services", "message", "no postgres url, template tier disabled")
			return nil
		}
		tmpl = s
		return nil
	})
	eg.Go(func() error {
		c, err := embed.New(&cfg.Embedding)
		if err != nil {
			return err
		}
		if c == nil {
			slog.Info("services", "message", "no embedding remote, semantic scoring disabled")
			return nil
		}
		emb = c
		return nil
	})
	var err error
	if err = eg.Wait(); err == nil {
		err = ctx.Err()
	}
	svcs := &Services{Breakers: brk, hot: hot, tmpl: tmpl}
	if err == nil {
		svcs.Engine, err = cache.New(hot, tmpl, emb, brk, &cfg.Cache)
	}
	if err == nil {
		providers := make([]provider.Provider, 0, len(cfg.Providers))
		for i := range cfg.Providers {
			p, err2 := provider.New(&cfg.Providers[i])
			if err2 != nil {
				err = err2
				break
			}
			providers = append(providers, p)
		}
		svcs.Providers = provider.NewRegistry(providers...)
	}
	if err == nil {
		svcs.Replayer, err = stream.NewReplayer(&cfg.Stream)
	}
	slog.Info("services", "state", "ready", "error", err, "duration", time.Since(start).Round(time.Millisecond))
	if err != nil {
		_ = svcs.Close()
		return nil, err
	}
	return svcs, nil
}
