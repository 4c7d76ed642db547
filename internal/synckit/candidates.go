package synckit

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// RawCandidate mirrors the duck-typed records scraped from the host page:
// due time may arrive as epoch milliseconds, RFC3339 text, or a bare date,
// and the course may be named either "context" or "courseName".
type RawCandidate struct {
	ID         string          `json:"id"`
	Title      string          `json:"title"`
	DueTime    json.RawMessage `json:"dueTime,omitempty"`
	DueDate    json.RawMessage `json:"dueDate,omitempty"`
	Context    string          `json:"context,omitempty"`
	CourseName string          `json:"courseName,omitempty"`
	URL        string          `json:"url,omitempty"`
}

// NormalizeCandidates collapses raw records into SyncCandidate values with a
// single due-time field. Unresolvable due times become the zero time, which
// the orchestrator later records as past_or_missing_due.
func NormalizeCandidates(raw []RawCandidate) []SyncCandidate {
	candidates := make([]SyncCandidate, 0, len(raw))
	for _, record := range raw {
		course := record.Context
		if course == "" {
			course = record.CourseName
		}
		due := parseDue(record.DueTime)
		if due.IsZero() {
			due = parseDue(record.DueDate)
		}
		candidates = append(candidates, SyncCandidate{
			ID:      record.ID,
			Title:   strings.TrimSpace(record.Title),
			Course:  course,
			URL:     record.URL,
			DueTime: due,
		})
	}
	return candidates
}

// parseDue accepts epoch milliseconds (number or numeric string), RFC3339
// timestamps, and bare dates. Bare dates resolve to end of day.
func parseDue(raw json.RawMessage) time.Time {
	if len(raw) == 0 {
		return time.Time{}
	}
	var asNumber float64
	if err := json.Unmarshal(raw, &asNumber); err == nil {
		return fromEpoch(int64(asNumber))
	}
	var asText string
	if err := json.Unmarshal(raw, &asText); err != nil {
		return time.Time{}
	}
	asText = strings.TrimSpace(asText)
	if asText == "" {
		return time.Time{}
	}
	if millis, err := strconv.ParseInt(asText, 10, 64); err == nil {
		return fromEpoch(millis)
	}
	if parsed, err := time.Parse(time.RFC3339, asText); err == nil {
		return parsed.UTC()
	}
	if parsed, err := time.Parse("2006-01-02", asText); err == nil {
		return parsed.Add(24*time.Hour - time.Second).UTC()
	}
	return time.Time{}
}

// fromEpoch treats values that look like seconds as seconds, otherwise as
// milliseconds. Scraped pages have produced both.
func fromEpoch(value int64) time.Time {
	if value <= 0 {
		return time.Time{}
	}
	if value < 1e12 {
		return time.Unix(value, 0).UTC()
	}
	return time.UnixMilli(value).UTC()
}
