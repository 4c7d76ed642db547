package synckit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Scheduler decides whether an automatic sync should run on a periodic trigger.
type Scheduler struct {
	configuration ServiceConfig
	state         *SessionState
	clock         Clock
	logger        *zap.Logger
}

// NewScheduler constructs a Scheduler.
func NewScheduler(configuration ServiceConfig, state *SessionState, clock Clock, logger *zap.Logger) *Scheduler {
	if clock == nil {
		clock = NewSystemClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		configuration: configuration,
		state:         state,
		clock:         clock,
		logger:        logger,
	}
}

// ShouldAutoSync gates automatic runs on the user preference, the elapsed
// minimum interval, and the daily usage ceiling. A configured test bypass key
// short-circuits every other check.
func (scheduler *Scheduler) ShouldAutoSync(ctx context.Context) (bool, error) {
	enabled, enabledErr := scheduler.state.AutoSyncEnabled(ctx)
	if enabledErr != nil {
		return false, fmt.Errorf("scheduler.enabled: %w", enabledErr)
	}
	if !enabled {
		return false, nil
	}
	if scheduler.configuration.TestBypassKey != "" {
		return true, nil
	}

	effectiveInterval := scheduler.effectiveInterval(ctx)
	lastSync, lastSyncErr := scheduler.state.LastSyncTime(ctx)
	if lastSyncErr != nil {
		return false, fmt.Errorf("scheduler.last_sync: %w", lastSyncErr)
	}
	now := scheduler.clock.Now()
	if !lastSync.IsZero() && !lastSync.Add(effectiveInterval).Before(now) {
		return false, nil
	}

	usage, usageErr := scheduler.state.UsageToday(ctx)
	if usageErr != nil {
		return false, fmt.Errorf("scheduler.usage: %w", usageErr)
	}
	return usage < scheduler.configuration.DailyCeiling, nil
}

// effectiveInterval applies the hard floor regardless of user configuration.
// The floor bounds API call volume.
func (scheduler *Scheduler) effectiveInterval(ctx context.Context) time.Duration {
	configuredMinutes, intervalErr := scheduler.state.IntervalMinutes(ctx)
	if intervalErr != nil {
		scheduler.logger.Warn("interval read failed",
			zap.String("code", "scheduler.interval"),
			zap.Error(intervalErr))
	}
	configured := scheduler.configuration.DefaultInterval
	if configuredMinutes > 0 {
		configured = time.Duration(configuredMinutes) * time.Minute
	}
	if configured < scheduler.configuration.IntervalFloor {
		return scheduler.configuration.IntervalFloor
	}
	return configured
}

// CandidateSource supplies the batch of candidate entries for automatic runs.
// It stands in for the host learning-management page; when the page is not
// reachable the source returns ErrNoCandidateSource.
type CandidateSource interface {
	Fetch(ctx context.Context) (*CandidateBatch, error)
}

// HTTPCandidateSource pulls a candidate batch from a companion feed endpoint.
type HTTPCandidateSource struct {
	feedURL    string
	httpClient *http.Client
}

// NewHTTPCandidateSource constructs a source reading from feedURL.
func NewHTTPCandidateSource(feedURL string, timeout time.Duration) *HTTPCandidateSource {
	return &HTTPCandidateSource{
		feedURL:    feedURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Fetch downloads and normalizes the candidate feed.
func (source *HTTPCandidateSource) Fetch(ctx context.Context) (*CandidateBatch, error) {
	request, buildErr := http.NewRequestWithContext(ctx, http.MethodGet, source.feedURL, http.NoBody)
	if buildErr != nil {
		return nil, fmt.Errorf("source.request: %w", buildErr)
	}
	response, doErr := source.httpClient.Do(request)
	if doErr != nil {
		return nil, fmt.Errorf("source.fetch: %w: %s", ErrNoCandidateSource, doErr)
	}
	defer func() { _ = response.Body.Close() }()
	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("source.status: %w: status %d", ErrNoCandidateSource, response.StatusCode)
	}
	var payload struct {
		Assignments []RawCandidate `json:"assignments"`
		Quizzes     []RawCandidate `json:"quizzes"`
	}
	if decodeErr := json.NewDecoder(response.Body).Decode(&payload); decodeErr != nil {
		return nil, fmt.Errorf("source.decode: %w", decodeErr)
	}
	return &CandidateBatch{
		Assignments: NormalizeCandidates(payload.Assignments),
		Quizzes:     NormalizeCandidates(payload.Quizzes),
	}, nil
}

// Runner drives automatic syncs from a periodic ticker. Automatic runs never
// prompt the user: they require a silently acquired token and a reachable
// candidate source, and their failures are logged rather than surfaced.
type Runner struct {
	scheduler     *Scheduler
	authenticator *Authenticator
	orchestrator  *Orchestrator
	source        CandidateSource
	tick          time.Duration
	logger        *zap.Logger
	metrics       MetricsRecorder
}

// NewRunner constructs a Runner; source may be nil when no feed is configured.
func NewRunner(scheduler *Scheduler, authenticator *Authenticator, orchestrator *Orchestrator, source CandidateSource, tick time.Duration, logger *zap.Logger, metrics MetricsRecorder) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewCounterMetrics()
	}
	return &Runner{
		scheduler:     scheduler,
		authenticator: authenticator,
		orchestrator:  orchestrator,
		source:        source,
		tick:          tick,
		logger:        logger,
		metrics:       metrics,
	}
}

// Start runs the ticker loop until ctx is done.
func (runner *Runner) Start(ctx context.Context) {
	ticker := time.NewTicker(runner.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if runErr := runner.RunOnce(ctx); runErr != nil {
				runner.logger.Warn("automatic sync failed",
					zap.String("code", "autosync.run"),
					zap.Error(runErr))
			}
		}
	}
}

// RunOnce performs one automatic attempt. Negative decisions and missing
// grants end the attempt quietly.
func (runner *Runner) RunOnce(ctx context.Context) error {
	eligible, decisionErr := runner.scheduler.ShouldAutoSync(ctx)
	if decisionErr != nil {
		return decisionErr
	}
	if !eligible {
		runner.metrics.Increment(MetricAutoSyncSkipped)
		return nil
	}
	if runner.source == nil {
		runner.metrics.Increment(MetricAutoSyncSkipped)
		runner.logger.Debug("no candidate source configured",
			zap.String("code", "autosync.no_source"))
		return nil
	}

	token, tokenErr := runner.authenticator.AcquireSilent(ctx)
	if tokenErr != nil {
		return tokenErr
	}
	if token == "" {
		runner.metrics.Increment(MetricAutoSyncSkipped)
		runner.logger.Info("no silent grant available",
			zap.String("code", "autosync.no_grant"))
		return nil
	}

	batch, fetchErr := runner.source.Fetch(ctx)
	if fetchErr != nil {
		return fetchErr
	}
	runner.metrics.Increment(MetricAutoSyncRun)
	_, syncErr := runner.orchestrator.Sync(ctx, batch, token, RunAutomatic)
	return syncErr
}
