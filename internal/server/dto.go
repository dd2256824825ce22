package server

import "heir/internal/domain"

// Request payloads

type ReportErrorRequest struct {
	ErrorCode  string         `json:"error_code"`
	Message    string         `json:"message,omitempty"`
	Context    map[string]any `json:"context,omitempty"`
	OccurredAt string         `json:"occurred_at,omitempty" format:"date-time"`
}

type ApplySchemaVersionRequest struct {
	Version  string `json:"version"`
	Checksum string `json:"checksum,omitempty"`
}

// Response payloads

type ErrorEventResponse struct {
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

type CounterResponse struct {
	LookupKey       string  `json:"lookup_key"`
	OccurrenceCount int     `json:"occurrence_count"`
	MissStreak      int     `json:"miss_streak"`
	FirstSeenAt     string  `json:"first_seen_at" format:"date-time"`
	LastSeenAt      string  `json:"last_seen_at" format:"date-time"`
	Escalated       bool    `json:"escalated"`
	EscalatedAt     *string `json:"escalated_at,omitempty" format:"date-time"`
}

type ResolutionResponse struct {
	LookupKey string   `json:"lookup_key"`
	Guidance  string   `json:"guidance"`
	Steps     []string `json:"steps,omitempty"`
	UpdatedAt string   `json:"updated_at" format:"date-time"`
}

type SchemaVersionResponse struct {
	Version   string `json:"version"`
	AppliedAt string `json:"applied_at" format:"date-time"`
	AppliedBy string `json:"applied_by"`
	Checksum  string `json:"checksum,omitempty"`
}

type ApplySchemaVersionResponse struct {
	Version        string `json:"version"`
	AppliedAt      string `json:"applied_at" format:"date-time"`
	AppliedBy      string `json:"applied_by"`
	Checksum       string `json:"checksum,omitempty"`
	AlreadyApplied bool   `json:"already_applied"`
}

// Mappers

func errorEventResponse(e domain.ErrorEvent) ErrorEventResponse {
	return ErrorEventResponse{
		ID:         e.ID,
		ProcessID:  e.ProcessID,
		ErrorCode:  e.ErrorCode,
		LookupKey:  e.LookupKey,
		Message:    e.Message,
		AgentID:    e.AgentID,
		Context:    e.Context,
		OccurredAt: e.OccurredAt,
		RecordedAt: e.RecordedAt,
	}
}

func mapErrorEvents(items []domain.ErrorEvent) []ErrorEventResponse {
	res := make([]ErrorEventResponse, 0, len(items))
	for _, e := range items {
		res = append(res, errorEventResponse(e))
	}
	return res
}

func counterResponse(c domain.EscalationCounter) CounterResponse {
	return CounterResponse{
		LookupKey:       c.LookupKey,
		OccurrenceCount: c.OccurrenceCount,
		MissStreak:      c.MissStreak,
		FirstSeenAt:     c.FirstSeenAt,
		LastSeenAt:      c.LastSeenAt,
		Escalated:       c.Escalated,
		EscalatedAt:     c.EscalatedAt,
	}
}

func mapCounters(items []domain.EscalationCounter) []CounterResponse {
	res := make([]CounterResponse, 0, len(items))
	for _, c := range items {
		res = append(res, counterResponse(c))
	}
	return res
}

func resolutionResponse(r domain.Resolution) ResolutionResponse {
	return ResolutionResponse{
		LookupKey: r.LookupKey,
		Guidance:  r.Guidance,
		Steps:     r.Steps,
		UpdatedAt: r.UpdatedAt,
	}
}

func mapResolutions(items []domain.Resolution) []ResolutionResponse {
	res := make([]ResolutionResponse, 0, len(items))
	for _, r := range items {
		res = append(res, resolutionResponse(r))
	}
	return res
}

func mapSchemaVersions(items []domain.SchemaMigrationRecord) []SchemaVersionResponse {
	res := make([]SchemaVersionResponse, 0, len(items))
	for _, rec := range items {
		res = append(res, SchemaVersionResponse{
			Version:   rec.Version,
			AppliedAt: rec.AppliedAt,
			AppliedBy: rec.AppliedBy,
			Checksum:  rec.Checksum,
		})
	}
	return res
}
