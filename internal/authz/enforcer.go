// Boxoffice - Event Seat Reservation Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/boxoffice

// Package authz decides what an authenticated caller may do, using a
// Casbin RBAC model.
//
// Objects are slash-separated names matched with keyMatch ("breakers/*"),
// actions are verbs ("reset"). Roles come from the token's roles claim;
// callers without roles get DefaultRole. The embedded policy grants
// "operator" breaker resets and "admin" everything.
package authz

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	fileadapter "github.com/casbin/casbin/v2/persist/file-adapter"

	"github.com/tomtom215/boxoffice/internal/auth"
	"github.com/tomtom215/boxoffice/internal/cache"
)

//go:embed model.conf
var embeddedModel string

//go:embed policy.csv
var embeddedPolicy string

// Config configures the enforcer.
type Config struct {
	// PolicyPath is a Casbin CSV policy file. Empty uses the embedded policy.
	PolicyPath string `koanf:"policy_path"`

	// DefaultRole applies to callers whose token carries no roles.
	DefaultRole string `koanf:"default_role"`

	// CacheTTL keeps decisions for this long. Zero disables the cache.
	CacheTTL time.Duration `koanf:"cache_ttl"`
}

// DefaultConfig returns defaults.
func DefaultConfig() Config {
	return Config{
		DefaultRole: "user",
		CacheTTL:    time.Minute,
	}
}

// Enforcer wraps a Casbin enforcer.
type Enforcer struct {
	cfg       Config
	enforcer  *casbin.SyncedEnforcer
	decisions *cache.LRU[bool]
}

// NewEnforcer loads the embedded model and either the policy file or the
// embedded policy.
func NewEnforcer(cfg Config) (*Enforcer, error) {
	m, err := model.NewModelFromString(embeddedModel)
	if err != nil {
		return nil, fmt.Errorf("failed to load casbin model: %w", err)
	}

	var enforcer *casbin.SyncedEnforcer
	if cfg.PolicyPath != "" {
		if _, statErr := os.Stat(cfg.PolicyPath); statErr != nil {
			return nil, fmt.Errorf("authz policy: %w", statErr)
		}
		enforcer, err = casbin.NewSyncedEnforcer(m, fileadapter.NewAdapter(cfg.PolicyPath))
	} else {
		enforcer, err = casbin.NewSyncedEnforcer(m)
		if err == nil {
			err = loadPolicy(enforcer, embeddedPolicy)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create casbin enforcer: %w", err)
	}

	e := &Enforcer{cfg: cfg, enforcer: enforcer}
	if cfg.CacheTTL > 0 {
		e.decisions = cache.NewLRU[bool](4096, cfg.CacheTTL)
	}
	return e, nil
}

// loadPolicy adds the p and g lines of a CSV policy.
func loadPolicy(enforcer *casbin.SyncedEnforcer, policy string) error {
	for _, line := range strings.Split(policy, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Split(line, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}

		switch {
		case parts[0] == "p" && len(parts) == 4:
			if _, err := enforcer.AddPolicy(parts[1], parts[2], parts[3]); err != nil {
				return fmt.Errorf("failed to add policy %v: %w", parts[1:], err)
			}
		case parts[0] == "g" && len(parts) == 3:
			if _, err := enforcer.AddGroupingPolicy(parts[1], parts[2]); err != nil {
				return fmt.Errorf("failed to add grouping policy %v: %w", parts[1:], err)
			}
		default:
			return fmt.Errorf("malformed policy line %q", line)
		}
	}
	return nil
}

// Authorize reports whether any of s's roles may perform action on object.
// Policies name roles only; user ids are never matched against them.
func (e *Enforcer) Authorize(s *auth.Subject, object, action string) (bool, error) {
	if s == nil {
		return false, errors.New("authz: no subject")
	}

	roles := s.Roles
	if len(roles) == 0 && e.cfg.DefaultRole != "" {
		roles = []string{e.cfg.DefaultRole}
	}
	for _, sub := range roles {
		allowed, err := e.enforce(sub, object, action)
		if err != nil || allowed {
			return allowed, err
		}
	}
	return false, nil
}

func (e *Enforcer) enforce(sub, object, action string) (bool, error) {
	key := sub + "\x00" + object + "\x00" + action
	if e.decisions != nil {
		if allowed, ok := e.decisions.Get(key); ok {
			return allowed, nil
		}
	}
	allowed, err := e.enforcer.Enforce(sub, object, action)
	if err != nil {
		return false, fmt.Errorf("enforcement failed: %w", err)
	}
	if e.decisions != nil {
		e.decisions.Add(key, allowed)
	}
	return allowed, nil
}
