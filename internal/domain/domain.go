package domain

// ErrorEvent is a single runtime failure observed by the surrounding
// system. Immutable once recorded; persisted in the error log.
type ErrorEvent struct {
	ID         string         `json:"id"`
	ProcessID  string         `json:"process_id"`
	ErrorCode  string         `json:"error_code"`
	LookupKey  string         `json:"lookup_key"`
	Message    string         `json:"message,omitempty"`
	AgentID    string         `json:"agent_id,omitempty"`
	Context    map[string]any `json:"context,omitempty"`
	OccurredAt string         `json:"occurred_at" format:"date-time"`
	RecordedAt string         `json:"recorded_at" format:"date-time"`
}

// Resolution is a troubleshooting knowledge-base row keyed by
// `process_id:error_code`. Read-only from the engine's point of view.
type Resolution struct {
	LookupKey string   `json:"lookup_key"`
	Guidance  string   `json:"guidance"`
	Steps     []string `json:"steps,omitempty"`
	UpdatedAt string   `json:"updated_at" format:"date-time"`
}

// EscalationCounter tracks recurrence of a lookup key. Escalated flips
// false->true exactly once and never resets without an explicit
// operator acknowledgement.
type EscalationCounter struct {
	LookupKey       string  `json:"lookup_key"`
	OccurrenceCount int     `json:"occurrence_count"`
	MissStreak      int     `json:"miss_streak"`
	FirstSeenAt     string  `json:"first_seen_at" format:"date-time"`
	LastSeenAt      string  `json:"last_seen_at" format:"date-time"`
	Escalated       bool    `json:"escalated"`
	EscalatedAt     *string `json:"escalated_at,omitempty" format:"date-time"`
}

// SchemaMigrationRecord is one row of the append-only doctrine schema
// ledger. version is unique across the ledger; rows are never updated.
type SchemaMigrationRecord struct {
	ID        int64  `json:"id"`
	Version   string `json:"version"`
	AppliedAt string `json:"applied_at" format:"date-time"`
	AppliedBy string `json:"applied_by"`
	Checksum  string `json:"checksum,omitempty"`
}

// Event is an audit log entry (error.reported, error.escalated,
// schema.applied, ...).
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
