package synckit

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// RunMode distinguishes user-initiated runs from scheduler-initiated ones.
// Only manual runs count against the daily usage ceiling.
type RunMode string

const (
	// RunManual marks a user-initiated sync.
	RunManual RunMode = "manual"
	// RunAutomatic marks a scheduler-initiated sync.
	RunAutomatic RunMode = "automatic"
)

// Orchestrator turns a batch of candidates into calendar events while
// honoring the per-run operation cap, the due-date filter, and both
// idempotency guards.
type Orchestrator struct {
	configuration ServiceConfig
	gateway       Gateway
	state         *SessionState
	clock         Clock
	logger        *zap.Logger
	metrics       MetricsRecorder
}

// NewOrchestrator constructs an Orchestrator.
func NewOrchestrator(configuration ServiceConfig, gateway Gateway, state *SessionState, clock Clock, logger *zap.Logger, metrics MetricsRecorder) *Orchestrator {
	if clock == nil {
		clock = NewSystemClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewCounterMetrics()
	}
	return &Orchestrator{
		configuration: configuration,
		gateway:       gateway,
		state:         state,
		clock:         clock,
		logger:        logger,
		metrics:       metrics,
	}
}

// Sync processes assignments then quizzes with one shared operation counter.
// A single item's failure never aborts the batch; authentication problems do.
func (orchestrator *Orchestrator) Sync(ctx context.Context, batch *CandidateBatch, token string, mode RunMode) (*SyncResult, error) {
	if token == "" {
		return nil, fmt.Errorf("sync: %w", ErrNoToken)
	}
	if batch == nil {
		return nil, fmt.Errorf("sync.batch: %w", ErrInvalidInput)
	}
	orchestrator.metrics.Increment(MetricSyncRun)

	operationsUsed := 0
	result := &SyncResult{SyncedAt: orchestrator.clock.Now()}
	result.Assignments = orchestrator.processList(ctx, batch.Assignments, KindAssignment, token, &operationsUsed)
	result.Quizzes = orchestrator.processList(ctx, batch.Quizzes, KindQuiz, token, &operationsUsed)

	now := orchestrator.clock.Now()
	if attemptErr := orchestrator.state.SetLastAttemptTime(ctx, now); attemptErr != nil {
		orchestrator.logger.Warn("last-attempt write failed",
			zap.String("code", "sync.state.attempt"),
			zap.Error(attemptErr))
	}
	if created := result.CreatedCount(); created > 0 {
		orchestrator.metrics.Add(MetricSyncCreated, int64(created))
		if syncTimeErr := orchestrator.state.SetLastSyncTime(ctx, now); syncTimeErr != nil {
			orchestrator.logger.Warn("last-sync write failed",
				zap.String("code", "sync.state.success"),
				zap.Error(syncTimeErr))
		}
		if mode == RunManual {
			if usageErr := orchestrator.state.IncrementUsage(ctx); usageErr != nil {
				orchestrator.logger.Warn("usage counter write failed",
					zap.String("code", "sync.state.usage"),
					zap.Error(usageErr))
			}
		}
	}
	if summaryErr := orchestrator.state.SetLastSummary(ctx, result.Summarize()); summaryErr != nil {
		orchestrator.logger.Warn("summary cache write failed",
			zap.String("code", "sync.state.summary"),
			zap.Error(summaryErr))
	}

	orchestrator.logger.Info("sync completed",
		zap.String("code", "sync.done"),
		zap.String("mode", string(mode)),
		zap.Int("created", result.CreatedCount()),
		zap.Int("assignments_in", result.Assignments.Input),
		zap.Int("quizzes_in", result.Quizzes.Input))
	return result, nil
}

func (orchestrator *Orchestrator) processList(ctx context.Context, candidates []SyncCandidate, kind ItemKind, token string, operationsUsed *int) ListResult {
	listResult := ListResult{Input: len(candidates)}
	now := orchestrator.clock.Now()

	for _, candidate := range candidates {
		if *operationsUsed >= orchestrator.configuration.MaxOpsPerRun {
			listResult.Skipped = append(listResult.Skipped, SkippedItem{
				ID: candidate.ID, Title: candidate.Title, Reason: SkipReasonOperationCap,
			})
			continue
		}
		if candidate.Title == "" {
			listResult.Errored = append(listResult.Errored, ErroredItem{
				ID: candidate.ID, Message: "missing title",
			})
			orchestrator.metrics.Increment(MetricSyncErrored)
			continue
		}
		// Items without a future due time never consume an operation slot.
		if candidate.DueTime.IsZero() || !candidate.DueTime.After(now) {
			listResult.Skipped = append(listResult.Skipped, SkippedItem{
				ID: candidate.ID, Title: candidate.Title, Reason: SkipReasonPastOrMissingDue,
			})
			continue
		}

		dedupKey := DedupKey(kind, candidate)
		if orchestrator.configuration.ResendSuppression {
			alreadySent, dedupErr := orchestrator.state.HasDedupKey(ctx, dedupKey)
			if dedupErr != nil {
				orchestrator.logger.Warn("dedup set read failed",
					zap.String("code", "sync.dedup.read"),
					zap.Error(dedupErr))
			} else if alreadySent {
				listResult.PreviouslySent = append(listResult.PreviouslySent, candidate.ID)
				continue
			}
		}

		existing, probeErr := orchestrator.gateway.FindBySourceID(ctx, candidate.ID, token)
		if probeErr != nil {
			listResult.Errored = append(listResult.Errored, ErroredItem{
				ID: candidate.ID, Title: candidate.Title, Message: probeErr.Error(),
			})
			orchestrator.metrics.Increment(MetricSyncErrored)
			continue
		}
		if existing != nil {
			listResult.Existed = append(listResult.Existed, ExistedItem{
				ID: candidate.ID, Title: candidate.Title, EventID: existing.EventID,
			})
			continue
		}

		created, createErr := orchestrator.gateway.CreateEvent(ctx, candidate, kind, token)
		if createErr != nil {
			orchestrator.logger.Warn("event creation failed",
				zap.String("code", "sync.create"),
				zap.String("item_id", candidate.ID),
				zap.Error(createErr))
			listResult.Errored = append(listResult.Errored, ErroredItem{
				ID: candidate.ID, Title: candidate.Title, Message: createErr.Error(),
			})
			orchestrator.metrics.Increment(MetricSyncErrored)
			continue
		}
		*operationsUsed++
		listResult.Created = append(listResult.Created, CreatedItem{
			ID: candidate.ID, Title: candidate.Title,
			EventID: created.EventID, HTMLLink: created.HTMLLink,
		})
		if orchestrator.configuration.ResendSuppression {
			if addErr := orchestrator.state.AddDedupKey(ctx, dedupKey); addErr != nil {
				orchestrator.logger.Warn("dedup set write failed",
					zap.String("code", "sync.dedup.write"),
					zap.Error(addErr))
			}
		}
	}
	return listResult
}
