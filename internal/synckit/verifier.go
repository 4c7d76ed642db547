package synckit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Scopes the service requests and requires.
const (
	ScopeCalendar       = "https://www.googleapis.com/auth/calendar"
	ScopeCalendarEvents = "https://www.googleapis.com/auth/calendar.events"
	ScopeEmail          = "https://www.googleapis.com/auth/userinfo.email"
	ScopeProfile        = "https://www.googleapis.com/auth/userinfo.profile"
)

// minRemainingLifetime is the floor a token's remaining lifetime must exceed
// for a privileged call to proceed.
const minRemainingLifetime = 60 * time.Second

// DefaultScopes is the full set requested on interactive authentication.
func DefaultScopes() []string {
	return []string{ScopeCalendarEvents, ScopeEmail, ScopeProfile}
}

// Verifier confirms audience, scope coverage, and remaining lifetime of a
// bearer token via the provider's token-info endpoint.
type Verifier struct {
	endpoint   string
	audiences  []string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewVerifier constructs a Verifier from the service configuration.
func NewVerifier(configuration ServiceConfig, logger *zap.Logger) *Verifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Verifier{
		endpoint:   configuration.TokenInfoURL,
		audiences:  configuration.AcceptedAudiences,
		httpClient: &http.Client{Timeout: configuration.HTTPTimeout},
		logger:     logger,
	}
}

type introspectionPayload struct {
	Audience  string `json:"aud"`
	Scope     string `json:"scope"`
	ExpiresIn string `json:"expires_in"`
	Email     string `json:"email"`
}

// Verify runs every check in order; the first failing check determines the
// returned error. Callers exposing the result to users must collapse it with
// CollapseVerification.
func (verifier *Verifier) Verify(ctx context.Context, token string) error {
	if strings.TrimSpace(token) == "" {
		return fmt.Errorf("verifier.verify: %w", ErrNoToken)
	}
	payload, introspectErr := verifier.introspect(ctx, token)
	if introspectErr != nil {
		verifier.logger.Warn("token introspection failed",
			zap.String("code", "verifier.introspect"),
			zap.Error(introspectErr))
		return introspectErr
	}

	if !verifier.audienceAccepted(payload.Audience) {
		verifier.logger.Warn("token audience rejected",
			zap.String("code", "verifier.audience"),
			zap.String("audience", payload.Audience))
		return fmt.Errorf("verifier.verify: %w", ErrAudienceMismatch)
	}

	if missing := missingScopes(payload.Scope); len(missing) > 0 {
		verifier.logger.Warn("token scopes insufficient",
			zap.String("code", "verifier.scopes"),
			zap.Strings("missing", missing))
		return fmt.Errorf("verifier.verify: %w: missing %s", ErrInsufficientScope, strings.Join(missing, " "))
	}

	remaining, parseErr := strconv.Atoi(payload.ExpiresIn)
	if parseErr != nil {
		return fmt.Errorf("verifier.verify.expires_in: %w", ErrIntrospectionFailed)
	}
	if time.Duration(remaining)*time.Second <= minRemainingLifetime {
		verifier.logger.Warn("token expiring too soon",
			zap.String("code", "verifier.lifetime"),
			zap.Int("remaining_seconds", remaining))
		return fmt.Errorf("verifier.verify: %w", ErrExpiringTooSoon)
	}
	return nil
}

// GrantedScopes introspects the token and returns its granted scope set.
// Used by incremental authorization to decide whether escalation is needed.
func (verifier *Verifier) GrantedScopes(ctx context.Context, token string) ([]string, error) {
	payload, err := verifier.introspect(ctx, token)
	if err != nil {
		return nil, err
	}
	return strings.Fields(payload.Scope), nil
}

func (verifier *Verifier) introspect(ctx context.Context, token string) (*introspectionPayload, error) {
	query := url.Values{}
	query.Set("access_token", token)
	request, buildErr := http.NewRequestWithContext(ctx, http.MethodGet, verifier.endpoint+"?"+query.Encode(), http.NoBody)
	if buildErr != nil {
		return nil, fmt.Errorf("verifier.introspect.request: %w", ErrIntrospectionFailed)
	}
	response, doErr := verifier.httpClient.Do(request)
	if doErr != nil {
		return nil, fmt.Errorf("verifier.introspect.transport: %w: %s", ErrIntrospectionFailed, doErr)
	}
	defer func() { _ = response.Body.Close() }()

	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("verifier.introspect.status: %w: status %d", ErrIntrospectionFailed, response.StatusCode)
	}
	var payload introspectionPayload
	if decodeErr := json.NewDecoder(response.Body).Decode(&payload); decodeErr != nil {
		return nil, fmt.Errorf("verifier.introspect.decode: %w", ErrIntrospectionFailed)
	}
	return &payload, nil
}

func (verifier *Verifier) audienceAccepted(audience string) bool {
	for _, accepted := range verifier.audiences {
		if audience == accepted {
			return true
		}
	}
	return false
}

// missingScopes returns the required scopes absent from the granted set.
// Calendar coverage is satisfied by either the broad or the events-only scope.
func missingScopes(granted string) []string {
	grantedSet := make(map[string]struct{})
	for _, scope := range strings.Fields(granted) {
		grantedSet[scope] = struct{}{}
	}
	var missing []string
	_, hasBroad := grantedSet[ScopeCalendar]
	_, hasEvents := grantedSet[ScopeCalendarEvents]
	if !hasBroad && !hasEvents {
		missing = append(missing, ScopeCalendarEvents)
	}
	for _, required := range []string{ScopeEmail, ScopeProfile} {
		if _, ok := grantedSet[required]; !ok {
			missing = append(missing, required)
		}
	}
	return missing
}

// maskToken renders a token safe for diagnostics.
func maskToken(token string) string {
	if len(token) <= 8 {
		return "****"
	}
	return token[:6] + "…"
}
