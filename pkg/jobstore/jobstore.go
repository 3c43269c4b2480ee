package jobstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// State is the coarse job lifecycle state shared between the worker and
// any number of SSE followers.
type State string

const (
	StatePending  State = "pending"
	StateRunning  State = "running"
	StateComplete State = "complete"
	StateError    State = "error"

	// StateUnknown is returned when the state key is missing or expired.
	StateUnknown State = "unknown"
)

// Terminal reports whether the state absorbs further transitions.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateError
}

// Event is one entry in a job's append-only progress log. It is also the
// exact frame shape emitted over SSE.
type Event struct {
	Status          string `json:"status"` // info | complete | error
	Message         string `json:"message"`
	InstanceID      string `json:"instance_id,omitempty"`
	URL             string `json:"url,omitempty"`
	Location        string `json:"location,omitempty"`
	ContainerStatus string `json:"container_status,omitempty"`
}

// Terminal reports whether followers must stop after this event.
func (e Event) Terminal() bool {
	return e.Status == "complete" || e.Status == "error"
}

// Store keeps per-job state and events in Redis with a TTL, so that the
// worker and followers (possibly in different processes) share one view.
type Store struct {
	rdb        *redis.Client
	jobTTL     time.Duration
	cleanupTTL time.Duration
}

// NewStore creates a Store backed by the Redis instance at addr.
func NewStore(addr string, jobTTL, cleanupTTL time.Duration) *Store {
	rdb := redis.NewClient(&redis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
		PoolSize:    10,
	})
	return &Store{rdb: rdb, jobTTL: jobTTL, cleanupTTL: cleanupTTL}
}

// Close releases the Redis connection pool.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// Ping verifies connectivity to the backing store.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func stateKey(jobID string) string {
	return "job:" + jobID + ":state"
}

func eventsKey(jobID string) string {
	return "job:" + jobID + ":events"
}

// Init marks a job as pending with the full TTL. Must be called before
// the job is published.
func (s *Store) Init(ctx context.Context, jobID string) error {
	if err := s.rdb.Set(ctx, stateKey(jobID), string(StatePending), s.jobTTL).Err(); err != nil {
		return fmt.Errorf("failed to init job %s: %w", jobID, err)
	}
	return nil
}

// SetState writes the job state, refreshing the TTL.
func (s *Store) SetState(ctx context.Context, jobID string, state State) error {
	if err := s.rdb.Set(ctx, stateKey(jobID), string(state), s.jobTTL).Err(); err != nil {
		return fmt.Errorf("failed to set state for job %s: %w", jobID, err)
	}
	return nil
}

// GetState returns the job state, or StateUnknown when the key is
// missing or expired.
func (s *Store) GetState(ctx context.Context, jobID string) (State, error) {
	val, err := s.rdb.Get(ctx, stateKey(jobID)).Result()
	if err == redis.Nil {
		return StateUnknown, nil
	}
	if err != nil {
		return StateUnknown, fmt.Errorf("failed to get state for job %s: %w", jobID, err)
	}
	return State(val), nil
}

// Append adds an event to the job's ordered log and refreshes the TTL.
func (s *Store) Append(ctx context.Context, jobID string, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event for job %s: %w", jobID, err)
	}
	if err := s.rdb.RPush(ctx, eventsKey(jobID), data).Err(); err != nil {
		return fmt.Errorf("failed to append event for job %s: %w", jobID, err)
	}
	if err := s.rdb.Expire(ctx, eventsKey(jobID), s.jobTTL).Err(); err != nil {
		return fmt.Errorf("failed to refresh TTL for job %s: %w", jobID, err)
	}
	return nil
}

// Since returns events from index onward. Safe to call at any rate;
// followers catch up deterministically by tracking how many events they
// have consumed.
func (s *Store) Since(ctx context.Context, jobID string, index int) ([]Event, error) {
	raw, err := s.rdb.LRange(ctx, eventsKey(jobID), int64(index), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read events for job %s: %w", jobID, err)
	}

	events := make([]Event, 0, len(raw))
	for _, item := range raw {
		var ev Event
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			return nil, fmt.Errorf("corrupt event for job %s: %w", jobID, err)
		}
		events = append(events, ev)
	}
	return events, nil
}

// Shorten drops both keys' TTL to the cleanup TTL. Called once a
// follower has observed a terminal event.
func (s *Store) Shorten(ctx context.Context, jobID string) error {
	if err := s.rdb.Expire(ctx, eventsKey(jobID), s.cleanupTTL).Err(); err != nil {
		return fmt.Errorf("failed to shorten events TTL for job %s: %w", jobID, err)
	}
	if err := s.rdb.Expire(ctx, stateKey(jobID), s.cleanupTTL).Err(); err != nil {
		return fmt.Errorf("failed to shorten state TTL for job %s: %w", jobID, err)
	}
	return nil
}
