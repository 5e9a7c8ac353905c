// Package telem provides short-term in-memory decision history and event logging
package telem

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Sample records one filter decision
type Sample struct {
	Timestamp    time.Time `json:"timestamp"`
	Session      string    `json:"session"`
	Accepted     bool      `json:"accepted"`
	Reason       string    `json:"reason"`
	Latitude     float64   `json:"latitude"`
	Longitude    float64   `json:"longitude"`
	Distance     float64   `json:"distance_m"`
	BearingDelta float64   `json:"bearing_delta"`
	Interval     int64     `json:"interval_ms"`
}

// Event represents a session event (power transitions, errors, notices)
type Event struct {
	Timestamp time.Time   `json:"timestamp"`
	Level     string      `json:"level"`
	Type      string      `json:"type"`
	Session   string      `json:"session,omitempty"`
	Message   string      `json:"message"`
	Data      interface{} `json:"data,omitempty"`
}

// Store keeps recent samples and events with bounded retention
type Store struct {
	mu            sync.RWMutex
	samples       []Sample
	events        []Event
	maxSamples    int
	maxEvents     int
	retentionTime time.Duration
	now           func() time.Time
}

// Config for the store
type Config struct {
	MaxSamples     int
	MaxEvents      int
	RetentionHours int
}

// NewStore creates a store, substituting defaults for unset limits
func NewStore(config Config) (*Store, error) {
	if config.MaxSamples < 0 || config.MaxEvents < 0 || config.RetentionHours < 0 {
		return nil, fmt.Errorf("telemetry limits must not be negative: %+v", config)
	}
	if config.MaxSamples == 0 {
		config.MaxSamples = 1000
	}
	if config.MaxEvents == 0 {
		config.MaxEvents = 500
	}
	if config.RetentionHours == 0 {
		config.RetentionHours = 24
	}

	return &Store{
		samples:       make([]Sample, 0, config.MaxSamples),
		events:        make([]Event, 0, config.MaxEvents),
		maxSamples:    config.MaxSamples,
		maxEvents:     config.MaxEvents,
		retentionTime: time.Duration(config.RetentionHours) * time.Hour,
		now:           time.Now,
	}, nil
}

// AddSample stores a decision sample
func (s *Store) AddSample(sample Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sample.Timestamp.IsZero() {
		sample.Timestamp = s.now()
	}
	s.samples = appendBounded(s.samples, sample, s.maxSamples)
	s.samples = dropBefore(s.samples, s.cutoff(), func(x Sample) time.Time { return x.Timestamp })
}

// AddEvent stores an event
func (s *Store) AddEvent(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = s.now()
	}
	if event.Level == "" {
		event.Level = "info"
	}
	s.events = appendBounded(s.events, event, s.maxEvents)
	s.events = dropBefore(s.events, s.cutoff(), func(x Event) time.Time { return x.Timestamp })
}

// GetSamples returns up to limit of the most recent samples, all when limit <= 0
func (s *Store) GetSamples(limit int) []Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return tail(s.samples, limit)
}

// GetEvents returns up to limit of the most recent events, all when limit <= 0
func (s *Store) GetEvents(limit int) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return tail(s.events, limit)
}

// GetRecentEvents returns events newer than since
func (s *Store) GetRecentEvents(since time.Duration) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := s.now().Add(-since)
	var result []Event
	for _, event := range s.events {
		if event.Timestamp.After(cutoff) {
			result = append(result, event)
		}
	}
	return result
}

// Cleanup removes data older than the retention period
func (s *Store) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.cutoff()
	s.samples = dropBefore(s.samples, cutoff, func(x Sample) time.Time { return x.Timestamp })
	s.events = dropBefore(s.events, cutoff, func(x Event) time.Time { return x.Timestamp })
}

// GetStats returns storage statistics
func (s *Store) GetStats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.statsLocked()
}

func (s *Store) statsLocked() map[string]interface{} {
	accepted := 0
	for _, sample := range s.samples {
		if sample.Accepted {
			accepted++
		}
	}
	return map[string]interface{}{
		"total_samples":    len(s.samples),
		"accepted_samples": accepted,
		"total_events":     len(s.events),
		"retention_hours":  s.retentionTime.Hours(),
	}
}

// ExportJSON exports all data as JSON for debugging
func (s *Store) ExportJSON() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	export := struct {
		Timestamp time.Time              `json:"timestamp"`
		Samples   []Sample               `json:"samples"`
		Events    []Event                `json:"events"`
		Stats     map[string]interface{} `json:"stats"`
	}{
		Timestamp: s.now(),
		Samples:   s.samples,
		Events:    s.events,
		Stats:     s.statsLocked(),
	}
	return json.Marshal(export)
}

func (s *Store) cutoff() time.Time {
	return s.now().Add(-s.retentionTime)
}

// appendBounded appends item and keeps the most recent max items
func appendBounded[T any](in []T, item T, max int) []T {
	in = append(in, item)
	if len(in) > max {
		copy(in, in[len(in)-max:])
		in = in[:max]
	}
	return in
}

// dropBefore removes leading items stamped at or before cutoff. Items are in
// insertion order.
func dropBefore[T any](in []T, cutoff time.Time, stamp func(T) time.Time) []T {
	keep := 0
	for keep < len(in) && !stamp(in[keep]).After(cutoff) {
		keep++
	}
	if keep == 0 {
		return in
	}
	n := copy(in, in[keep:])
	return in[:n]
}

// tail returns a copy of the last limit items
func tail[T any](in []T, limit int) []T {
	start := 0
	if limit > 0 && limit < len(in) {
		start = len(in) - limit
	}
	result := make([]T, len(in)-start)
	copy(result, in[start:])
	return result
}
