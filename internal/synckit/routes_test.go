package synckit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap/zaptest"
)

type facadeFixture struct {
	router  *gin.Engine
	gateway *fakeGateway
	state   *SessionState
	clock   *testClock
}

func newFacadeFixture(t *testing.T, tokenInfoHandler http.HandlerFunc) *facadeFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	if tokenInfoHandler == nil {
		tokenInfoHandler = func(writer http.ResponseWriter, request *http.Request) {
			writer.Header().Set("Content-Type", "application/json")
			_, _ = writer.Write([]byte(tokenInfoJSON("client-id",
				ScopeCalendarEvents+" "+ScopeEmail+" "+ScopeProfile, "3599")))
		}
	}
	server := httptest.NewServer(tokenInfoHandler)
	t.Cleanup(server.Close)

	configuration := ServiceConfig{
		GoogleClientID:    "client-id",
		AcceptedAudiences: []string{"client-id"},
		TokenInfoURL:      server.URL,
		HTTPTimeout:       5 * time.Second,
	}
	configuration.ApplyDefaults()

	clock := &testClock{current: time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)}
	state := newTestState(clock)
	gateway := &fakeGateway{existing: map[string]*EventRef{}, probeErrors: map[string]error{}, createErrors: map[string]error{}}
	logger := zaptest.NewLogger(t)
	verifier := NewVerifier(configuration, logger)
	orchestrator := NewOrchestrator(configuration, gateway, state, clock, logger, NewCounterMetrics())
	scheduler := NewScheduler(configuration, state, clock, logger)
	authenticator := NewAuthenticator(configuration, &scriptedFlow{}, verifier, state, logger, NewCounterMetrics())

	router := gin.New()
	MountMessageRoutes(router, FacadeDeps{
		Authenticator: authenticator,
		Verifier:      verifier,
		Orchestrator:  orchestrator,
		Scheduler:     scheduler,
		State:         state,
		Logger:        logger,
	})
	return &facadeFixture{router: router, gateway: gateway, state: state, clock: clock}
}

func (fixture *facadeFixture) postMessage(t *testing.T, body string) *httptest.ResponseRecorder {
	t.Helper()
	request := httptest.NewRequest(http.MethodPost, "/message", strings.NewReader(body))
	request.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	fixture.router.ServeHTTP(recorder, request)
	return recorder
}

func decodeResponse(t *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response %q: %v", recorder.Body.String(), err)
	}
	return payload
}

func TestMessageUnknownActionRejected(t *testing.T) {
	t.Parallel()
	fixture := newFacadeFixture(t, nil)

	recorder := fixture.postMessage(t, `{"action":"launchMissiles"}`)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
	payload := decodeResponse(t, recorder)
	if payload["success"] != false {
		t.Fatalf("expected failure payload, got %v", payload)
	}
	if !strings.Contains(payload["error"].(string), "unknown action") {
		t.Fatalf("expected unknown-action message, got %v", payload["error"])
	}
}

func TestMessageMalformedJSONRejected(t *testing.T) {
	t.Parallel()
	fixture := newFacadeFixture(t, nil)

	recorder := fixture.postMessage(t, `{"action":`)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
}

func TestMessageAutoSyncToggleRoundtrip(t *testing.T) {
	t.Parallel()
	fixture := newFacadeFixture(t, nil)

	recorder := fixture.postMessage(t, `{"action":"setAutoSyncEnabled","enabled":false}`)
	if recorder.Code != http.StatusOK {
		t.Fatalf("set failed with %d: %s", recorder.Code, recorder.Body.String())
	}

	recorder = fixture.postMessage(t, `{"action":"checkAutoSync"}`)
	if recorder.Code != http.StatusOK {
		t.Fatalf("check failed with %d", recorder.Code)
	}
	payload := decodeResponse(t, recorder)
	if payload["shouldSync"] != false {
		t.Fatalf("expected shouldSync=false, got %v", payload)
	}
}

func TestMessageSetAutoSyncRequiresFlag(t *testing.T) {
	t.Parallel()
	fixture := newFacadeFixture(t, nil)

	recorder := fixture.postMessage(t, `{"action":"setAutoSyncEnabled"}`)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing flag, got %d", recorder.Code)
	}
}

func TestMessageManualSyncRequiresToken(t *testing.T) {
	t.Parallel()
	fixture := newFacadeFixture(t, nil)

	recorder := fixture.postMessage(t, `{"action":"manualSyncToCalendar"}`)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
}

func TestMessageManualSyncCollapsesVerifierDetail(t *testing.T) {
	t.Parallel()
	fixture := newFacadeFixture(t, func(writer http.ResponseWriter, request *http.Request) {
		writer.Header().Set("Content-Type", "application/json")
		_, _ = writer.Write([]byte(tokenInfoJSON("someone-else",
			ScopeCalendarEvents+" "+ScopeEmail+" "+ScopeProfile, "3599")))
	})

	recorder := fixture.postMessage(t, `{"action":"manualSyncToCalendar","token":"foreign"}`)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
	payload := decodeResponse(t, recorder)
	if payload["error"] != "token verification failed" {
		t.Fatalf("verifier detail must stay opaque, got %v", payload["error"])
	}
	if strings.Contains(recorder.Body.String(), "audience") {
		t.Fatalf("audience detail leaked: %s", recorder.Body.String())
	}
}

func TestMessageManualSyncCreatesEvents(t *testing.T) {
	t.Parallel()
	fixture := newFacadeFixture(t, nil)

	dueMillis := fixture.clock.Now().Add(48 * time.Hour).UnixMilli()
	body, marshalErr := json.Marshal(map[string]any{
		"action": ActionManualSync,
		"token":  "valid-token",
		"assignments": []map[string]any{
			{"id": "a1", "title": "HW1", "dueTime": dueMillis, "context": "CS101"},
		},
		"quizzes": []map[string]any{
			{"id": "q1", "title": "Quiz1", "dueTime": dueMillis, "courseName": "MATH202"},
		},
	})
	if marshalErr != nil {
		t.Fatalf("marshal body: %v", marshalErr)
	}

	recorder := fixture.postMessage(t, string(body))
	if recorder.Code != http.StatusOK {
		t.Fatalf("sync failed with %d: %s", recorder.Code, recorder.Body.String())
	}
	if len(fixture.gateway.created) != 2 {
		t.Fatalf("expected two creates, got %v", fixture.gateway.created)
	}
	payload := decodeResponse(t, recorder)
	if payload["success"] != true {
		t.Fatalf("expected success, got %v", payload)
	}
}

func TestMessageGetAccountsWithoutGrant(t *testing.T) {
	t.Parallel()
	fixture := newFacadeFixture(t, nil)

	recorder := fixture.postMessage(t, `{"action":"getGoogleAccounts"}`)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	payload := decodeResponse(t, recorder)
	accounts, ok := payload["accounts"].([]any)
	if !ok || len(accounts) != 0 {
		t.Fatalf("expected empty accounts list, got %v", payload)
	}
}

func TestMessageLogoutAlwaysSucceeds(t *testing.T) {
	t.Parallel()
	fixture := newFacadeFixture(t, nil)

	recorder := fixture.postMessage(t, `{"action":"logout"}`)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
}
