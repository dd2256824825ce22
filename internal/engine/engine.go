// Package engine runs the error escalation pipeline: classify an
// incoming error occurrence, consult the troubleshooting resolver,
// and advance the per-key escalation state machine.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"heir/internal/config"
	"heir/internal/domain"
	"heir/internal/events"
	"heir/internal/repo"
)

// Resolver is the troubleshooting knowledge-base lookup contract. A
// miss is repo.ErrNotFound; any other error is a collaborator failure
// and propagates to the caller.
type Resolver interface {
	LookupResolution(ctx context.Context, key string) (domain.Resolution, error)
}

// State of a lookup key in the escalation machine.
type State string

const (
	StateUnseen    State = "unseen"
	StateTracked   State = "tracked"
	StateEscalated State = "escalated"
)

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Resolver Resolver
	Now      func() time.Time

	locks *keyLocks
}

func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		DB:       db,
		Repo:     r,
		Events:   events.Writer{DB: db},
		Config:   cfg,
		Resolver: r,
		Now:      time.Now,
		locks:    newKeyLocks(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// LookupKey joins process id and error code into the knowledge-base
// key. Exact concatenation, case-sensitive; callers own canonical
// casing.
func LookupKey(processID, errorCode string) string {
	return processID + ":" + errorCode
}

// ReportOptions are parameters for recording an error occurrence.
type ReportOptions struct {
	ProcessID  string
	ErrorCode  string
	Message    string
	AgentID    string
	Context    map[string]any
	OccurredAt string
}

// Decision is the outcome of one pipeline run.
type Decision struct {
	Event          domain.ErrorEvent        `json:"event"`
	LookupKey      string                   `json:"lookup_key"`
	Resolution     *domain.Resolution       `json:"resolution,omitempty"`
	Counter        domain.EscalationCounter `json:"counter"`
	Escalated      bool                     `json:"escalated"`
	NewlyEscalated bool                     `json:"newly_escalated"`
}

// ReportError persists the occurrence, looks up a known remediation,
// and advances the escalation counter, all in one transaction.
// Writes to the same lookup key are serialized; distinct keys proceed
// concurrently. If persistence fails nothing counts as applied.
func (e Engine) ReportError(ctx context.Context, opts ReportOptions) (Decision, error) {
	if e.Config == nil {
		return Decision{}, errors.New("config not loaded")
	}
	if opts.ProcessID == "" {
		return Decision{}, errors.New("process_id is required")
	}
	if opts.ErrorCode == "" {
		return Decision{}, errors.New("error_code is required")
	}
	policy := e.Config.Escalation
	if policy.OccurrenceThreshold < 1 || policy.MissStreak < 1 {
		return Decision{}, errors.New("escalation policy not configured")
	}

	key := LookupKey(opts.ProcessID, opts.ErrorCode)
	now := e.now().UTC().Format(time.RFC3339)
	occurredAt := opts.OccurredAt
	if occurredAt == "" {
		occurredAt = now
	}
	evt := domain.ErrorEvent{
		ID:         uuid.New().String(),
		ProcessID:  opts.ProcessID,
		ErrorCode:  opts.ErrorCode,
		LookupKey:  key,
		Message:    opts.Message,
		AgentID:    opts.AgentID,
		Context:    opts.Context,
		OccurredAt: occurredAt,
		RecordedAt: now,
	}

	var resolution *domain.Resolution
	res, err := e.Resolver.LookupResolution(ctx, key)
	switch {
	case err == nil:
		resolution = &res
	case errors.Is(err, repo.ErrNotFound):
		// Normal branch: escalate without a known remediation.
	default:
		return Decision{}, fmt.Errorf("resolver lookup %s: %w", key, err)
	}

	unlock := e.locks.lock(key)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Decision{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertErrorEventTx(ctx, tx, evt); err != nil {
		return Decision{}, fmt.Errorf("insert error event: %w", err)
	}

	counter, err := e.Repo.GetCounterTx(ctx, tx, key)
	if errors.Is(err, repo.ErrNotFound) {
		counter = domain.EscalationCounter{LookupKey: key, FirstSeenAt: now}
	} else if err != nil {
		return Decision{}, fmt.Errorf("read counter %s: %w", key, err)
	}
	counter.OccurrenceCount++
	counter.LastSeenAt = now
	if resolution == nil {
		counter.MissStreak++
	} else {
		counter.MissStreak = 0
	}

	newlyEscalated := false
	if !counter.Escalated &&
		(counter.OccurrenceCount >= policy.OccurrenceThreshold || counter.MissStreak >= policy.MissStreak) {
		counter.Escalated = true
		counter.EscalatedAt = &now
		newlyEscalated = true
	}

	if err := e.Repo.UpsertCounterTx(ctx, tx, counter); err != nil {
		return Decision{}, fmt.Errorf("write counter %s: %w", key, err)
	}

	actor := opts.AgentID
	if actor == "" {
		actor = "system"
	}
	if err := e.Events.Append(ctx, tx, "error.reported", "error", evt.ID, actor, events.EventPayload{
		"lookup_key":  key,
		"occurrences": counter.OccurrenceCount,
		"resolved":    resolution != nil,
	}); err != nil {
		return Decision{}, err
	}
	if newlyEscalated {
		if err := e.Events.Append(ctx, tx, "error.escalated", "escalation", key, actor, events.EventPayload{
			"lookup_key":  key,
			"occurrences": counter.OccurrenceCount,
			"miss_streak": counter.MissStreak,
		}); err != nil {
			return Decision{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return Decision{}, err
	}
	return Decision{
		Event:          evt,
		LookupKey:      key,
		Resolution:     resolution,
		Counter:        counter,
		Escalated:      counter.Escalated,
		NewlyEscalated: newlyEscalated,
	}, nil
}

// KeyState reports where a lookup key stands in the state machine.
func (e Engine) KeyState(ctx context.Context, key string) (State, error) {
	counter, err := e.Repo.GetCounter(ctx, key)
	if errors.Is(err, repo.ErrNotFound) {
		return StateUnseen, nil
	}
	if err != nil {
		return "", err
	}
	if counter.Escalated {
		return StateEscalated, nil
	}
	return StateTracked, nil
}

// SeedKnowledgeBase loads configured knowledge-base entries without
// overwriting operator edits.
func (e Engine) SeedKnowledgeBase(ctx context.Context) error {
	if e.Config == nil {
		return nil
	}
	for _, seed := range e.Config.KnowledgeBase.Seed {
		err := e.Repo.SeedResolution(ctx, domain.Resolution{
			LookupKey: seed.LookupKey,
			Guidance:  seed.Guidance,
			Steps:     seed.Steps,
		})
		if err != nil {
			return fmt.Errorf("seed %s: %w", seed.LookupKey, err)
		}
	}
	return nil
}

// keyLocks serializes counter updates per lookup key. Unrelated keys
// never contend.
type keyLocks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func newKeyLocks() *keyLocks {
	return &keyLocks{m: make(map[string]*sync.Mutex)}
}

func (l *keyLocks) lock(key string) func() {
	if l == nil {
		return func() {}
	}
	l.mu.Lock()
	km, ok := l.m[key]
	if !ok {
		km = &sync.Mutex{}
		l.m[key] = km
	}
	l.mu.Unlock()
	km.Lock()
	return km.Unlock
}
