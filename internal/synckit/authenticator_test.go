package synckit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap/zaptest"
)

// scriptedFlow substitutes the browser leg of the authorization-code grant.
// It echoes the state parameter back unless told to misbehave.
type scriptedFlow struct {
	calls         int
	lastAuthURL   string
	stateOverride string
	err           error
}

func (flow *scriptedFlow) Authorize(ctx context.Context, authURL string) (string, string, error) {
	flow.calls++
	flow.lastAuthURL = authURL
	if flow.err != nil {
		return "", "", flow.err
	}
	parsed, parseErr := url.Parse(authURL)
	if parseErr != nil {
		return "", "", parseErr
	}
	returnedState := parsed.Query().Get("state")
	if flow.stateOverride != "" {
		returnedState = flow.stateOverride
	}
	return "auth-code", returnedState, nil
}

type authFixtureOptions struct {
	tokenInfoAudience string
	tokenInfoScope    string
	idTokenNonce      string
	userInfoEmail     string
	userInfoDomain    string
}

type authFixture struct {
	authenticator *Authenticator
	state         *SessionState
	flow          *scriptedFlow
	revokeCalls   *int32
}

func newAuthFixture(t *testing.T, options authFixtureOptions) *authFixture {
	t.Helper()
	if options.tokenInfoAudience == "" {
		options.tokenInfoAudience = "client-id"
	}
	if options.tokenInfoScope == "" {
		options.tokenInfoScope = ScopeCalendarEvents + " " + ScopeEmail + " " + ScopeProfile
	}
	if options.userInfoEmail == "" {
		options.userInfoEmail = "alice@example.edu"
	}
	var revokeCalls int32

	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(writer http.ResponseWriter, request *http.Request) {
		if parseErr := request.ParseForm(); parseErr != nil {
			t.Errorf("token form: %v", parseErr)
		}
		response := map[string]any{
			"access_token":  "minted-token",
			"token_type":    "Bearer",
			"refresh_token": "refresh-1",
			"expires_in":    3600,
		}
		if request.PostFormValue("grant_type") == "refresh_token" {
			response["access_token"] = "refreshed-token"
		}
		if options.idTokenNonce != "" {
			signed, signErr := jwt.NewWithClaims(jwt.SigningMethodHS256,
				jwt.MapClaims{"nonce": options.idTokenNonce}).SignedString([]byte("test-key"))
			if signErr != nil {
				t.Errorf("sign assertion: %v", signErr)
			}
			response["id_token"] = signed
		}
		writer.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(writer).Encode(response)
	})
	mux.HandleFunc("/tokeninfo", func(writer http.ResponseWriter, request *http.Request) {
		writer.Header().Set("Content-Type", "application/json")
		_, _ = writer.Write([]byte(tokenInfoJSON(options.tokenInfoAudience, options.tokenInfoScope, "3599")))
	})
	mux.HandleFunc("/userinfo", func(writer http.ResponseWriter, request *http.Request) {
		writer.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(writer).Encode(map[string]any{
			"id":             "user-1",
			"email":          options.userInfoEmail,
			"verified_email": true,
			"name":           "Alice",
			"hd":             options.userInfoDomain,
		})
	})
	mux.HandleFunc("/revoke", func(writer http.ResponseWriter, request *http.Request) {
		atomic.AddInt32(&revokeCalls, 1)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	configuration := ServiceConfig{
		GoogleClientID:     "client-id",
		GoogleClientSecret: "client-secret",
		AcceptedAudiences:  []string{"client-id"},
		AuthURL:            server.URL + "/auth",
		TokenURL:           server.URL + "/token",
		TokenInfoURL:       server.URL + "/tokeninfo",
		UserInfoURL:        server.URL + "/userinfo",
		RevokeURL:          server.URL + "/revoke",
		RedirectAddr:       "127.0.0.1:0",
		HTTPTimeout:        5 * time.Second,
	}
	configuration.ApplyDefaults()

	clock := &testClock{current: time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)}
	state := newTestState(clock)
	flow := &scriptedFlow{}
	logger := zaptest.NewLogger(t)
	authenticator := NewAuthenticator(configuration, flow, NewVerifier(configuration, logger), state, logger, NewCounterMetrics())
	return &authFixture{
		authenticator: authenticator,
		state:         state,
		flow:          flow,
		revokeCalls:   &revokeCalls,
	}
}

func TestAcquireInteractivePersistsTokenAndClearsState(t *testing.T) {
	t.Parallel()
	fixture := newAuthFixture(t, authFixtureOptions{})
	ctx := context.Background()

	token, err := fixture.authenticator.AcquireInteractive(ctx, nil)
	if err != nil {
		t.Fatalf("interactive: %v", err)
	}
	if token != "minted-token" {
		t.Fatalf("unexpected token %q", token)
	}
	if fixture.flow.calls != 1 {
		t.Fatalf("expected a single flow run, got %d", fixture.flow.calls)
	}

	stored, _ := fixture.state.Token(ctx)
	if stored != "minted-token" {
		t.Fatalf("token not persisted, got %q", stored)
	}
	if _, found, _ := fixture.state.Grant(ctx); !found {
		t.Fatalf("grant not persisted")
	}
	if csrf, _ := fixture.state.CSRFState(ctx); csrf != "" {
		t.Fatalf("csrf state must be cleared after success, got %q", csrf)
	}
	profile, _ := fixture.state.Profile(ctx)
	if profile == nil || profile.Email != "alice@example.edu" {
		t.Fatalf("profile not cached: %+v", profile)
	}
}

func TestAcquireInteractiveRetriesVerificationExactlyOnce(t *testing.T) {
	t.Parallel()
	fixture := newAuthFixture(t, authFixtureOptions{tokenInfoAudience: "someone-else"})
	ctx := context.Background()

	_, err := fixture.authenticator.AcquireInteractive(ctx, nil)
	if !IsVerificationError(err) {
		t.Fatalf("expected verification failure, got %v", err)
	}
	if fixture.flow.calls != 2 {
		t.Fatalf("expected exactly two attempts, got %d", fixture.flow.calls)
	}
	// Both minted tokens were revoked and nothing remains cached.
	if got := atomic.LoadInt32(fixture.revokeCalls); got != 2 {
		t.Fatalf("expected two revocations, got %d", got)
	}
	if stored, _ := fixture.state.Token(ctx); stored != "" {
		t.Fatalf("failed token must not persist, got %q", stored)
	}
	if csrf, _ := fixture.state.CSRFState(ctx); csrf != "" {
		t.Fatalf("csrf state must be cleared after failure, got %q", csrf)
	}
}

func TestAcquireInteractiveDeclineDoesNotRetry(t *testing.T) {
	t.Parallel()
	fixture := newAuthFixture(t, authFixtureOptions{})
	fixture.flow.err = errors.New("user closed the window")

	_, err := fixture.authenticator.AcquireInteractive(context.Background(), nil)
	if !errors.Is(err, ErrAuthDeclined) {
		t.Fatalf("expected declined, got %v", err)
	}
	if fixture.flow.calls != 1 {
		t.Fatalf("declines must not retry, got %d attempts", fixture.flow.calls)
	}
}

func TestAcquireInteractiveRejectsForgedState(t *testing.T) {
	t.Parallel()
	fixture := newAuthFixture(t, authFixtureOptions{})
	fixture.flow.stateOverride = "forged-state"
	ctx := context.Background()

	_, err := fixture.authenticator.AcquireInteractive(ctx, nil)
	if !errors.Is(err, ErrStateMismatch) {
		t.Fatalf("expected state mismatch, got %v", err)
	}
	if csrf, _ := fixture.state.CSRFState(ctx); csrf != "" {
		t.Fatalf("csrf state must be cleared after mismatch, got %q", csrf)
	}
}

func TestAcquireSilentWithoutGrantIsQuietAbsence(t *testing.T) {
	t.Parallel()
	fixture := newAuthFixture(t, authFixtureOptions{})

	token, err := fixture.authenticator.AcquireSilent(context.Background())
	if err != nil {
		t.Fatalf("silent acquisition must not error on absence: %v", err)
	}
	if token != "" {
		t.Fatalf("expected empty token, got %q", token)
	}
}

func TestAcquireSilentRefreshesExpiredGrant(t *testing.T) {
	t.Parallel()
	fixture := newAuthFixture(t, authFixtureOptions{})
	ctx := context.Background()

	expired, marshalErr := json.Marshal(map[string]any{
		"access_token":  "old-token",
		"token_type":    "Bearer",
		"refresh_token": "refresh-1",
		"expiry":        time.Now().Add(-time.Hour).Format(time.RFC3339),
	})
	if marshalErr != nil {
		t.Fatalf("marshal grant: %v", marshalErr)
	}
	if err := fixture.state.SetGrant(ctx, string(expired)); err != nil {
		t.Fatalf("seed grant: %v", err)
	}

	token, err := fixture.authenticator.AcquireSilent(ctx)
	if err != nil {
		t.Fatalf("silent refresh: %v", err)
	}
	if token != "refreshed-token" {
		t.Fatalf("expected refreshed token, got %q", token)
	}
	stored, _ := fixture.state.Token(ctx)
	if stored != "refreshed-token" {
		t.Fatalf("refreshed token not persisted, got %q", stored)
	}
}

func TestAcquireSilentUnreadableGrantIsAbsence(t *testing.T) {
	t.Parallel()
	fixture := newAuthFixture(t, authFixtureOptions{})
	ctx := context.Background()
	if err := fixture.state.SetGrant(ctx, "not json"); err != nil {
		t.Fatalf("seed grant: %v", err)
	}

	token, err := fixture.authenticator.AcquireSilent(ctx)
	if err != nil || token != "" {
		t.Fatalf("unreadable grant must read as absence, got %q, %v", token, err)
	}
}

func TestAcquireViaChooserRequestsAccountSelection(t *testing.T) {
	t.Parallel()
	fixture := newAuthFixture(t, authFixtureOptions{
		userInfoEmail:  "alice@example.edu",
		userInfoDomain: "example.edu",
	})

	result, err := fixture.authenticator.AcquireViaChooser(context.Background(), nil, "example.edu", false)
	if err != nil {
		t.Fatalf("chooser: %v", err)
	}
	if result.AccessToken != "minted-token" {
		t.Fatalf("unexpected token %q", result.AccessToken)
	}

	parsed, parseErr := url.Parse(fixture.flow.lastAuthURL)
	if parseErr != nil {
		t.Fatalf("parse auth url: %v", parseErr)
	}
	query := parsed.Query()
	if query.Get("prompt") != "select_account" {
		t.Fatalf("expected account chooser prompt, got %q", query.Get("prompt"))
	}
	if query.Get("hd") != "example.edu" {
		t.Fatalf("expected hosted-domain hint, got %q", query.Get("hd"))
	}
	if query.Get("nonce") == "" {
		t.Fatalf("expected nonce in auth url")
	}
}

func TestAcquireViaChooserForceConsentPrompt(t *testing.T) {
	t.Parallel()
	fixture := newAuthFixture(t, authFixtureOptions{})

	if _, err := fixture.authenticator.AcquireViaChooser(context.Background(), nil, "", true); err != nil {
		t.Fatalf("chooser: %v", err)
	}
	parsed, _ := url.Parse(fixture.flow.lastAuthURL)
	if got := parsed.Query().Get("prompt"); got != "consent select_account" {
		t.Fatalf("expected combined prompt, got %q", got)
	}
}

func TestAcquireViaChooserRejectsForeignDomain(t *testing.T) {
	t.Parallel()
	fixture := newAuthFixture(t, authFixtureOptions{
		userInfoEmail: "bob@elsewhere.edu",
	})

	_, err := fixture.authenticator.AcquireViaChooser(context.Background(), nil, "example.edu", false)
	if !errors.Is(err, ErrDomainMismatch) {
		t.Fatalf("expected domain mismatch, got %v", err)
	}
}

func TestAcquireViaChooserRejectsStaleNonce(t *testing.T) {
	t.Parallel()
	fixture := newAuthFixture(t, authFixtureOptions{idTokenNonce: "stale-nonce"})

	_, err := fixture.authenticator.AcquireViaChooser(context.Background(), nil, "", false)
	if !errors.Is(err, ErrNonceMismatch) {
		t.Fatalf("expected nonce mismatch, got %v", err)
	}
}

func TestRequestScopeIfMissingReturnsCurrentWhenCovered(t *testing.T) {
	t.Parallel()
	fixture := newAuthFixture(t, authFixtureOptions{})
	ctx := context.Background()
	if err := fixture.state.SetToken(ctx, "current-token"); err != nil {
		t.Fatalf("seed token: %v", err)
	}

	token, err := fixture.authenticator.RequestScopeIfMissing(ctx, ScopeCalendarEvents)
	if err != nil {
		t.Fatalf("escalation check: %v", err)
	}
	if token != "current-token" {
		t.Fatalf("covered scope must keep the current token, got %q", token)
	}
	if fixture.flow.calls != 0 {
		t.Fatalf("covered scope must not run the flow")
	}
}

func TestRequestScopeIfMissingEscalatesIncrementally(t *testing.T) {
	t.Parallel()
	fixture := newAuthFixture(t, authFixtureOptions{
		tokenInfoScope: ScopeCalendarEvents + " " + ScopeEmail + " " + ScopeProfile,
	})
	ctx := context.Background()
	if err := fixture.state.SetToken(ctx, "current-token"); err != nil {
		t.Fatalf("seed token: %v", err)
	}

	extraScope := "https://www.googleapis.com/auth/calendar.settings.readonly"
	token, err := fixture.authenticator.RequestScopeIfMissing(ctx, extraScope)
	if err != nil {
		t.Fatalf("escalation: %v", err)
	}
	if token != "minted-token" {
		t.Fatalf("expected freshly minted token, got %q", token)
	}
	if fixture.flow.calls != 1 {
		t.Fatalf("expected one escalation flow, got %d", fixture.flow.calls)
	}

	parsed, _ := url.Parse(fixture.flow.lastAuthURL)
	query := parsed.Query()
	if query.Get("include_granted_scopes") != "true" {
		t.Fatalf("expected incremental authorization marker")
	}
	if query.Get("scope") != extraScope {
		t.Fatalf("escalation must request only the missing scope, got %q", query.Get("scope"))
	}
}

func TestRequestScopeIfMissingNeedsToken(t *testing.T) {
	t.Parallel()
	fixture := newAuthFixture(t, authFixtureOptions{})
	if _, err := fixture.authenticator.RequestScopeIfMissing(context.Background(), ScopeCalendarEvents); !errors.Is(err, ErrNoToken) {
		t.Fatalf("expected no-token error, got %v", err)
	}
}

func TestLogoutRevokesAndPurges(t *testing.T) {
	t.Parallel()
	fixture := newAuthFixture(t, authFixtureOptions{})
	ctx := context.Background()
	if _, err := fixture.authenticator.AcquireInteractive(ctx, nil); err != nil {
		t.Fatalf("seed auth: %v", err)
	}

	if err := fixture.authenticator.Logout(ctx); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if got := atomic.LoadInt32(fixture.revokeCalls); got != 1 {
		t.Fatalf("expected one revocation, got %d", got)
	}
	if token, _ := fixture.state.Token(ctx); token != "" {
		t.Fatalf("token must be purged, got %q", token)
	}
	if profile, _ := fixture.state.Profile(ctx); profile != nil {
		t.Fatalf("profile must be purged")
	}
}

func TestLogoutWithoutTokenStillPurges(t *testing.T) {
	t.Parallel()
	fixture := newAuthFixture(t, authFixtureOptions{})
	if err := fixture.authenticator.Logout(context.Background()); err != nil {
		t.Fatalf("logout without token: %v", err)
	}
	if got := atomic.LoadInt32(fixture.revokeCalls); got != 0 {
		t.Fatalf("nothing to revoke, got %d calls", got)
	}
}

func TestProfileFallsBackToCachedCopy(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("/userinfo", func(writer http.ResponseWriter, request *http.Request) {
		http.Error(writer, "unavailable", http.StatusServiceUnavailable)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	configuration := ServiceConfig{
		GoogleClientID: "client-id",
		UserInfoURL:    server.URL + "/userinfo",
		HTTPTimeout:    5 * time.Second,
	}
	configuration.ApplyDefaults()
	clock := &testClock{current: time.Unix(1000, 0)}
	state := newTestState(clock)
	logger := zaptest.NewLogger(t)
	authenticator := NewAuthenticator(configuration, &scriptedFlow{}, NewVerifier(configuration, logger), state, logger, NewCounterMetrics())

	cached := UserProfile{ID: "user-1", Email: "alice@example.edu"}
	if err := state.SetProfile(context.Background(), cached); err != nil {
		t.Fatalf("seed profile: %v", err)
	}

	profile, err := authenticator.Profile(context.Background(), "token")
	if err != nil {
		t.Fatalf("expected cached fallback, got %v", err)
	}
	if profile.Email != cached.Email {
		t.Fatalf("unexpected profile %+v", profile)
	}
}
