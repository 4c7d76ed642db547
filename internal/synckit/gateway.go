package synckit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// Private extended property keys stamped on every created event.
const (
	sourceIDPropertyKey      = "courseSyncId"
	schemaVersionPropertyKey = "schemaVersion"
	syncedAtPropertyKey      = "syncedAt"
	kindPropertyKey          = "itemKind"

	eventSchemaVersion = "2"
	eventDuration      = 60 * time.Minute
)

var reminderOverrideMinutes = []int64{60, 1440}

// Gateway is the calendar boundary the orchestrator talks through.
type Gateway interface {
	// FindBySourceID probes for an event already carrying the source id.
	// A nil, nil return means "not found".
	FindBySourceID(ctx context.Context, sourceID string, token string) (*EventRef, error)
	// CreateEvent inserts an event for the candidate and returns its reference.
	CreateEvent(ctx context.Context, candidate SyncCandidate, kind ItemKind, token string) (*EventRef, error)
}

// CalendarGateway implements Gateway against the Google Calendar API.
type CalendarGateway struct {
	configuration ServiceConfig
	limiter       *RateLimiter
	clock         Clock
	logger        *zap.Logger
}

// NewCalendarGateway constructs the gateway.
func NewCalendarGateway(configuration ServiceConfig, clock Clock, logger *zap.Logger) *CalendarGateway {
	if clock == nil {
		clock = NewSystemClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CalendarGateway{
		configuration: configuration,
		limiter:       NewRateLimiter(clock),
		clock:         clock,
		logger:        logger,
	}
}

// FindBySourceID queries for an existing event whose private extended property
// matches sourceID. By default any transport or HTTP failure reads as "not
// found": blocking sync on a transient read failure is considered worse than
// risking a duplicate. StrictDedup reverses that choice.
func (gateway *CalendarGateway) FindBySourceID(ctx context.Context, sourceID string, token string) (*EventRef, error) {
	service, serviceErr := gateway.calendarService(ctx, token)
	if serviceErr != nil {
		return gateway.probeFailure(sourceID, serviceErr)
	}
	if waitErr := gateway.limiter.Wait(ctx); waitErr != nil {
		return nil, fmt.Errorf("gateway.find.wait: %w", waitErr)
	}
	listing, listErr := service.Events.List(gateway.configuration.CalendarID).
		PrivateExtendedProperty(sourceIDPropertyKey + "=" + sourceID).
		MaxResults(5).
		SingleEvents(true).
		Context(ctx).
		Do()
	if listErr != nil {
		gateway.recordBackoffIfThrottled(listErr)
		return gateway.probeFailure(sourceID, classifyCalendarError(listErr))
	}
	if listing == nil || len(listing.Items) == 0 {
		return nil, nil
	}
	event := listing.Items[0]
	return &EventRef{EventID: event.Id, HTMLLink: event.HtmlLink}, nil
}

// CreateEvent builds and inserts a calendar event for the candidate.
func (gateway *CalendarGateway) CreateEvent(ctx context.Context, candidate SyncCandidate, kind ItemKind, token string) (*EventRef, error) {
	if candidate.Title == "" {
		return nil, fmt.Errorf("gateway.create.title: %w", ErrInvalidInput)
	}
	if candidate.DueTime.IsZero() {
		return nil, fmt.Errorf("gateway.create.due_time: %w", ErrInvalidInput)
	}

	service, serviceErr := gateway.calendarService(ctx, token)
	if serviceErr != nil {
		return nil, fmt.Errorf("gateway.create.client: %w: %s", ErrNetwork, serviceErr)
	}
	if waitErr := gateway.limiter.Wait(ctx); waitErr != nil {
		return nil, fmt.Errorf("gateway.create.wait: %w", waitErr)
	}

	inserted, insertErr := service.Events.Insert(gateway.configuration.CalendarID, gateway.buildEvent(candidate, kind)).
		Context(ctx).
		Do()
	if insertErr != nil {
		gateway.recordBackoffIfThrottled(insertErr)
		return nil, classifyCalendarError(insertErr)
	}
	if inserted == nil || inserted.Id == "" || inserted.HtmlLink == "" {
		return nil, fmt.Errorf("gateway.create.response: %w", ErrMalformedResponse)
	}
	return &EventRef{EventID: inserted.Id, HTMLLink: inserted.HtmlLink}, nil
}

func (gateway *CalendarGateway) buildEvent(candidate SyncCandidate, kind ItemKind) *calendar.Event {
	start := candidate.DueTime
	end := start.Add(eventDuration)

	var overrides []*calendar.EventReminder
	for _, minutes := range reminderOverrideMinutes {
		overrides = append(overrides, &calendar.EventReminder{
			Method:  "popup",
			Minutes: minutes,
		})
	}

	event := &calendar.Event{
		Summary:  gateway.kindLabel(kind) + " " + sanitizeText(candidate.Title),
		Location: sanitizeText(candidate.Course),
		Start: &calendar.EventDateTime{
			DateTime: start.Format(time.RFC3339),
			TimeZone: gateway.configuration.CalendarTimezone,
		},
		End: &calendar.EventDateTime{
			DateTime: end.Format(time.RFC3339),
			TimeZone: gateway.configuration.CalendarTimezone,
		},
		Reminders: &calendar.EventReminders{
			UseDefault:      false,
			Overrides:       overrides,
			ForceSendFields: []string{"UseDefault"},
		},
		ExtendedProperties: &calendar.EventExtendedProperties{
			Private: map[string]string{
				sourceIDPropertyKey:      candidate.ID,
				schemaVersionPropertyKey: eventSchemaVersion,
				syncedAtPropertyKey:      gateway.clock.Now().Format(time.RFC3339),
				kindPropertyKey:          string(kind),
			},
		},
	}
	if candidate.URL != "" {
		event.Source = &calendar.EventSource{
			Title: sanitizeText(candidate.Course),
			Url:   candidate.URL,
		}
	}
	return event
}

func (gateway *CalendarGateway) kindLabel(kind ItemKind) string {
	if kind == KindQuiz {
		return gateway.configuration.QuizLabel
	}
	return gateway.configuration.AssignmentLabel
}

func (gateway *CalendarGateway) calendarService(ctx context.Context, token string) (*calendar.Service, error) {
	tokenSource := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"})
	options := []option.ClientOption{option.WithTokenSource(tokenSource)}
	if gateway.configuration.CalendarEndpoint != "" {
		options = append(options, option.WithEndpoint(gateway.configuration.CalendarEndpoint))
	}
	return calendar.NewService(ctx, options...)
}

func (gateway *CalendarGateway) probeFailure(sourceID string, err error) (*EventRef, error) {
	if gateway.configuration.StrictDedup {
		return nil, err
	}
	gateway.logger.Warn("existence probe failed, treating as not found",
		zap.String("code", "gateway.probe.fail_open"),
		zap.String("source_id", sourceID),
		zap.Error(err))
	return nil, nil
}

func (gateway *CalendarGateway) recordBackoffIfThrottled(err error) {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusTooManyRequests {
		gateway.limiter.RecordRateLimitError(0)
	}
}

// classifyCalendarError maps calendar API failures onto the gateway taxonomy.
func classifyCalendarError(err error) error {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("gateway.transport: %w: %s", ErrNetwork, err)
	}
	switch apiErr.Code {
	case http.StatusUnauthorized:
		return fmt.Errorf("gateway.http: %w", ErrUnauthorized)
	case http.StatusForbidden:
		return fmt.Errorf("gateway.http: %w", ErrForbidden)
	case http.StatusConflict:
		return fmt.Errorf("gateway.http: %w", ErrConflict)
	default:
		return &APIError{Status: apiErr.Code, Message: apiErr.Message}
	}
}
