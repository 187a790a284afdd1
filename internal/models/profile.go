package models

import (
	"fmt"
	"time"
)

// Profile is a named preset trading throughput against upstream-friendliness.
type Profile struct {
	Name            string        `json:"name"`
	Concurrency     int           `json:"concurrency"`
	InterBatchDelay time.Duration `json:"inter_batch_delay"`
	MaxBatchSize    int           `json:"max_batch_size"`
}

const (
	ProfileConservative = "conservative"
	ProfileBalanced     = "balanced"
	ProfileAggressive   = "aggressive"
)

// DefaultProfiles returns the built-in quality presets.
func DefaultProfiles() map[string]Profile {
	return map[string]Profile{
		ProfileConservative: {Name: ProfileConservative, Concurrency: 1, InterBatchDelay: 4000 * time.Millisecond, MaxBatchSize: 3},
		ProfileBalanced:     {Name: ProfileBalanced, Concurrency: 2, InterBatchDelay: 2500 * time.Millisecond, MaxBatchSize: 5},
		ProfileAggressive:   {Name: ProfileAggressive, Concurrency: 3, InterBatchDelay: 1500 * time.Millisecond, MaxBatchSize: 8},
	}
}

// LookupProfile resolves a preset by name.
func LookupProfile(name string) (Profile, error) {
	p, ok := DefaultProfiles()[name]
	if !ok {
		return Profile{}, fmt.Errorf("unknown profile %q", name)
	}
	return p, nil
}
