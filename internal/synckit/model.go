package synckit

import (
	"fmt"
	"time"
)

// ItemKind distinguishes the two candidate lists.
type ItemKind string

const (
	// KindAssignment marks an assignment entry.
	KindAssignment ItemKind = "assignment"
	// KindQuiz marks a quiz entry.
	KindQuiz ItemKind = "quiz"
)

// SyncCandidate is one assignment or quiz instance, normalized at the
// messaging boundary. Immutable input to the orchestrator.
type SyncCandidate struct {
	ID     string
	Title  string
	Course string
	URL    string
	// DueTime is zero when the raw record carried no resolvable due time.
	DueTime time.Time
}

// CandidateBatch groups the two candidate lists of a single sync request.
type CandidateBatch struct {
	Assignments []SyncCandidate
	Quizzes     []SyncCandidate
}

// DedupKey derives the resend-suppression key for a candidate.
func DedupKey(kind ItemKind, candidate SyncCandidate) string {
	return fmt.Sprintf("%s:%s:%s:%s", kind, candidate.ID, candidate.Title, candidate.Course)
}

// EventRef identifies a created or pre-existing calendar event.
type EventRef struct {
	EventID  string `json:"eventId"`
	HTMLLink string `json:"htmlLink,omitempty"`
}

// UserProfile is the cached post-auth identity snapshot.
type UserProfile struct {
	ID           string `json:"id"`
	Email        string `json:"email"`
	Name         string `json:"name"`
	Picture      string `json:"picture"`
	Verified     bool   `json:"verified"`
	HostedDomain string `json:"hd,omitempty"`
}

// UsageCounter bounds successful sync runs per local calendar day.
// The counter resets implicitly when DateKey changes.
type UsageCounter struct {
	DateKey string `json:"dateKey"`
	Count   int    `json:"count"`
}

// Skip reasons recorded in sync results.
const (
	SkipReasonPastOrMissingDue = "past_or_missing_due"
	SkipReasonOperationCap     = "operation_cap_reached"
)

// CreatedItem records a successfully created event.
type CreatedItem struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	EventID  string `json:"eventId"`
	HTMLLink string `json:"htmlLink,omitempty"`
}

// ExistedItem records a candidate whose event already existed remotely.
type ExistedItem struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	EventID string `json:"eventId"`
}

// SkippedItem records a candidate excluded from creation, with the reason.
type SkippedItem struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Reason string `json:"reason"`
}

// ErroredItem records a per-item failure that did not abort the batch.
type ErroredItem struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Message string `json:"message"`
}

// ListResult aggregates outcomes for one candidate list. The invariant
// len(Created)+len(Existed)+len(PreviouslySent)+len(Skipped)+len(Errored) == Input
// holds for every completed run.
type ListResult struct {
	Input          int           `json:"input"`
	Created        []CreatedItem `json:"created"`
	Existed        []ExistedItem `json:"existed"`
	PreviouslySent []string      `json:"previouslySent"`
	Skipped        []SkippedItem `json:"skipped"`
	Errored        []ErroredItem `json:"errored"`
}

// Total returns the number of classified items.
func (listResult ListResult) Total() int {
	return len(listResult.Created) + len(listResult.Existed) +
		len(listResult.PreviouslySent) + len(listResult.Skipped) + len(listResult.Errored)
}

// SyncResult is the aggregate outcome of one orchestrator run. It is returned
// to the caller and cached as a last-result summary, never persisted in full.
type SyncResult struct {
	Assignments ListResult `json:"assignments"`
	Quizzes     ListResult `json:"quizzes"`
	SyncedAt    time.Time  `json:"syncedAt"`
}

// CreatedCount returns the number of events created across both lists.
func (syncResult *SyncResult) CreatedCount() int {
	return len(syncResult.Assignments.Created) + len(syncResult.Quizzes.Created)
}

// ResultSummary is the compact form cached in the state store.
type ResultSummary struct {
	SyncedAt time.Time `json:"syncedAt"`
	Created  int       `json:"created"`
	Existed  int       `json:"existed"`
	Skipped  int       `json:"skipped"`
	Errored  int       `json:"errored"`
}

// Summarize collapses a SyncResult into its cached summary.
func (syncResult *SyncResult) Summarize() ResultSummary {
	return ResultSummary{
		SyncedAt: syncResult.SyncedAt,
		Created:  syncResult.CreatedCount(),
		Existed:  len(syncResult.Assignments.Existed) + len(syncResult.Quizzes.Existed),
		Skipped:  len(syncResult.Assignments.Skipped) + len(syncResult.Quizzes.Skipped),
		Errored:  len(syncResult.Assignments.Errored) + len(syncResult.Quizzes.Errored),
	}
}
