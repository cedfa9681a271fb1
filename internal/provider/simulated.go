package provider

import (
	"context"
	"errors"
	"math/rand"
	"sync"
)

// SimulatedTitles is the pool simulated metadata draws from.
var SimulatedTitles = []string{
	"Amazing Tutorial - How to Build Modern Web Apps",
	"Music Video - Best Hits 2024",
	"Documentary: The Future of Technology",
	"Cooking Tutorial: Delicious Recipes",
	"Travel Vlog: Beautiful Destinations",
	"Educational Content: Science Explained",
	"Entertainment: Comedy Sketches",
	"News Update: Latest Headlines",
}

const (
	minSimulatedDuration = 30
	maxSimulatedDuration = 3600
)

// ErrSimulatedFailure is returned when the configured failure rate triggers.
var ErrSimulatedFailure = errors.New("simulated upstream failure")

// SimulatedMetadata invents plausible metadata without network access.
type SimulatedMetadata struct {
	mu          sync.Mutex
	rng         *rand.Rand
	failureRate float64
}

// NewSimulatedMetadata draws from rng. failureRate in [0,1] is the share of lookups that fail.
func NewSimulatedMetadata(rng *rand.Rand, failureRate float64) *SimulatedMetadata {
	return &SimulatedMetadata{rng: rng, failureRate: failureRate}
}

func (s *SimulatedMetadata) FetchMetadata(ctx context.Context, contentID string) (Metadata, error) {
	if err := ctx.Err(); err != nil {
		return Metadata{}, err
	}
	if contentID == "" {
		return Metadata{}, errors.New("empty content id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failureRate > 0 && s.rng.Float64() < s.failureRate {
		return Metadata{}, ErrSimulatedFailure
	}
	return Metadata{
		Title:           SimulatedTitles[s.rng.Intn(len(SimulatedTitles))],
		DurationSeconds: minSimulatedDuration + s.rng.Intn(maxSimulatedDuration-minSimulatedDuration+1),
	}, nil
}
