// SPDX-License-Identifier: Apache-2.0

package rollback

import (
	"context"
	"fmt"
	"os"
	"time"

	"sigs.k8s.io/yaml"
)

// RetentionPolicy configures `cleanup` declaratively instead of a single
// --before cutoff; the two cannot be combined. A YAML document is decoded
// through the same encoding/json tags as its JSON form.
type RetentionPolicy struct {
	// MaxAge drops backups older than this duration, parsed with
	// time.ParseDuration (e.g. "168h" for one week).
	MaxAge string `json:"maxAge,omitempty"`
	// KeepLast always retains this many of the most recent backups,
	// regardless of MaxAge.
	KeepLast int `json:"keepLast,omitempty"`
}

// LoadRetentionPolicy reads and decodes a YAML retention policy file.
func LoadRetentionPolicy(path string) (*RetentionPolicy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading retention policy %q: %w", path, err)
	}

	var p RetentionPolicy
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decoding retention policy %q: %w", path, err)
	}
	return &p, nil
}

// CleanupByPolicy applies a RetentionPolicy: every backup older than
// MaxAge is a candidate for removal, except the KeepLast most recent
// ones, which are always retained regardless of age.
func (e *Engine) CleanupByPolicy(ctx context.Context, policy *RetentionPolicy, dryRun bool) ([]string, error) {
	records, err := e.List(ctx)
	if err != nil {
		return nil, err
	}

	var maxAge time.Duration
	if policy.MaxAge != "" {
		maxAge, err = time.ParseDuration(policy.MaxAge)
		if err != nil {
			return nil, fmt.Errorf("parsing maxAge %q: %w", policy.MaxAge, err)
		}
	}

	keep := policy.KeepLast
	if keep < 0 {
		keep = 0
	}

	var deleted []string
	for i, r := range records {
		if i < keep {
			continue
		}
		if maxAge > 0 && time.Since(r.CreatedAt) < maxAge {
			continue
		}
		if dryRun {
			deleted = append(deleted, r.Namespace)
			continue
		}
		if err := e.ns.Drop(ctx, r.Namespace, true); err != nil {
			return deleted, fmt.Errorf("dropping %q: %w", r.Namespace, err)
		}
		deleted = append(deleted, r.Namespace)
	}

	return deleted, nil
}
