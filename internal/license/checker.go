// Package license answers entitlement questions. Signature validation of
// license files happens upstream; this package only holds the resulting
// feature set.
package license

import (
	"sync"

	"github.com/lgulliver/cairn/pkg/config"
)

// Feature keys that gate behavior outside the plugin set
const (
	FeatureStorageS3 = "storage:s3"
)

// Checker reports which features the current license enables
type Checker interface {
	IsFeatureEnabled(key string) bool
	HasActiveEntitlement() bool
}

// StaticChecker is a Checker over a fixed feature list that can be replaced at
// runtime when a new license is applied.
type StaticChecker struct {
	mu       sync.RWMutex
	active   bool
	features map[string]bool
}

// NewStaticChecker builds a checker from configuration
func NewStaticChecker(cfg config.LicenseConfig) *StaticChecker {
	c := &StaticChecker{}
	c.Set(cfg.Active, cfg.Features)
	return c
}

// Set replaces the entitlement state
func (c *StaticChecker) Set(active bool, features []string) {
	set := make(map[string]bool, len(features))
	for _, f := range features {
		set[f] = true
	}

	c.mu.Lock()
	c.active = active
	c.features = set
	c.mu.Unlock()
}

func (c *StaticChecker) IsFeatureEnabled(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.features[key]
}

func (c *StaticChecker) HasActiveEntitlement() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active
}

// Features returns the enabled keys
func (c *StaticChecker) Features() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.features))
	for f := range c.features {
		out = append(out, f)
	}
	return out
}
