package synckit

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Message action tags consumed by UI and scheduler collaborators.
const (
	ActionAuthenticate        = "authenticateGoogle"
	ActionAuthenticateChooser = "authenticateGoogleChooser"
	ActionManualSync          = "manualSyncToCalendar"
	ActionGetAccounts         = "getGoogleAccounts"
	ActionLogout              = "logout"
	ActionCheckAutoSync       = "checkAutoSync"
	ActionSetAutoSync         = "setAutoSyncEnabled"
)

type messageEnvelope struct {
	Action       string         `json:"action"`
	Scopes       []string       `json:"scopes,omitempty"`
	DomainHint   string         `json:"domainHint,omitempty"`
	ForceConsent bool           `json:"forceConsent,omitempty"`
	Token        string         `json:"token,omitempty"`
	Enabled      *bool          `json:"enabled,omitempty"`
	Assignments  []RawCandidate `json:"assignments,omitempty"`
	Quizzes      []RawCandidate `json:"quizzes,omitempty"`
}

// FacadeDeps carries the collaborators behind the messaging facade.
type FacadeDeps struct {
	Authenticator *Authenticator
	Verifier      *Verifier
	Orchestrator  *Orchestrator
	Scheduler     *Scheduler
	State         *SessionState
	Logger        *zap.Logger
}

// MountMessageRoutes registers the POST /message dispatch endpoint. Every
// response carries {"success": bool} plus an "error" string on failure.
func MountMessageRoutes(router gin.IRouter, deps FacadeDeps) {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router.POST("/message", func(contextGin *gin.Context) {
		var envelope messageEnvelope
		if bindErr := contextGin.BindJSON(&envelope); bindErr != nil {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"success": false, "error": "invalid_json",
			})
			return
		}

		switch envelope.Action {
		case ActionAuthenticate:
			handleAuthenticate(contextGin, deps, envelope)
		case ActionAuthenticateChooser:
			handleAuthenticateChooser(contextGin, deps, envelope)
		case ActionManualSync:
			handleManualSync(contextGin, deps, envelope)
		case ActionGetAccounts:
			handleGetAccounts(contextGin, deps)
		case ActionLogout:
			handleLogout(contextGin, deps)
		case ActionCheckAutoSync:
			handleCheckAutoSync(contextGin, deps)
		case ActionSetAutoSync:
			handleSetAutoSync(contextGin, deps, envelope)
		default:
			logger.Warn("unknown message action",
				zap.String("code", "facade.unknown_action"),
				zap.String("action", envelope.Action))
			contextGin.JSON(http.StatusBadRequest, gin.H{
				"success": false, "error": "unknown action: " + envelope.Action,
			})
		}
	})
}

func handleAuthenticate(contextGin *gin.Context, deps FacadeDeps, envelope messageEnvelope) {
	token, authErr := deps.Authenticator.AcquireInteractive(contextGin.Request.Context(), envelope.Scopes)
	if authErr != nil {
		respondError(contextGin, authErr)
		return
	}
	contextGin.JSON(http.StatusOK, gin.H{"success": true, "token": token})
}

func handleAuthenticateChooser(contextGin *gin.Context, deps FacadeDeps, envelope messageEnvelope) {
	result, authErr := deps.Authenticator.AcquireViaChooser(
		contextGin.Request.Context(), envelope.Scopes, envelope.DomainHint, envelope.ForceConsent)
	if authErr != nil {
		respondError(contextGin, authErr)
		return
	}
	response := gin.H{"success": true, "token": result.AccessToken}
	if result.IDToken != "" {
		response["idToken"] = result.IDToken
	}
	contextGin.JSON(http.StatusOK, response)
}

func handleManualSync(contextGin *gin.Context, deps FacadeDeps, envelope messageEnvelope) {
	requestContext := contextGin.Request.Context()
	if envelope.Token == "" {
		respondError(contextGin, ErrNoToken)
		return
	}
	if verifyErr := deps.Verifier.Verify(requestContext, envelope.Token); verifyErr != nil {
		respondError(contextGin, CollapseVerification(verifyErr))
		return
	}
	batch := &CandidateBatch{
		Assignments: NormalizeCandidates(envelope.Assignments),
		Quizzes:     NormalizeCandidates(envelope.Quizzes),
	}
	result, syncErr := deps.Orchestrator.Sync(requestContext, batch, envelope.Token, RunManual)
	if syncErr != nil {
		respondError(contextGin, syncErr)
		return
	}
	contextGin.JSON(http.StatusOK, gin.H{"success": true, "result": result})
}

func handleGetAccounts(contextGin *gin.Context, deps FacadeDeps) {
	requestContext := contextGin.Request.Context()
	token, silentErr := deps.Authenticator.AcquireSilent(requestContext)
	if silentErr != nil {
		respondError(contextGin, silentErr)
		return
	}
	if token == "" {
		contextGin.JSON(http.StatusOK, gin.H{"success": true, "accounts": []UserProfile{}})
		return
	}
	profile, profileErr := deps.Authenticator.Profile(requestContext, token)
	if profileErr != nil {
		contextGin.JSON(http.StatusOK, gin.H{"success": true, "accounts": []UserProfile{}})
		return
	}
	contextGin.JSON(http.StatusOK, gin.H{"success": true, "accounts": []UserProfile{*profile}})
}

func handleLogout(contextGin *gin.Context, deps FacadeDeps) {
	if logoutErr := deps.Authenticator.Logout(contextGin.Request.Context()); logoutErr != nil {
		respondError(contextGin, logoutErr)
		return
	}
	contextGin.JSON(http.StatusOK, gin.H{"success": true})
}

func handleCheckAutoSync(contextGin *gin.Context, deps FacadeDeps) {
	shouldSync, decisionErr := deps.Scheduler.ShouldAutoSync(contextGin.Request.Context())
	if decisionErr != nil {
		respondError(contextGin, decisionErr)
		return
	}
	contextGin.JSON(http.StatusOK, gin.H{"success": true, "shouldSync": shouldSync})
}

func handleSetAutoSync(contextGin *gin.Context, deps FacadeDeps, envelope messageEnvelope) {
	if envelope.Enabled == nil {
		contextGin.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "enabled flag required"})
		return
	}
	if setErr := deps.State.SetAutoSyncEnabled(contextGin.Request.Context(), *envelope.Enabled); setErr != nil {
		respondError(contextGin, setErr)
		return
	}
	contextGin.JSON(http.StatusOK, gin.H{"success": true})
}

// respondError maps the error taxonomy onto HTTP statuses and human-readable
// reasons. Verifier detail never reaches the response body.
func respondError(contextGin *gin.Context, err error) {
	status := http.StatusInternalServerError
	message := "internal error"
	switch {
	case errors.Is(err, ErrVerificationFailed):
		status = http.StatusUnauthorized
		message = "token verification failed"
	case errors.Is(err, ErrNoToken):
		status = http.StatusUnauthorized
		message = "not authenticated"
	case errors.Is(err, ErrAuthDeclined):
		status = http.StatusUnauthorized
		message = "authorization was declined"
	case errors.Is(err, ErrStateMismatch), errors.Is(err, ErrNonceMismatch):
		status = http.StatusUnauthorized
		message = "authorization response could not be trusted"
	case errors.Is(err, ErrDomainMismatch):
		status = http.StatusForbidden
		message = "account does not belong to the requested domain"
	case errors.Is(err, ErrUnauthorized):
		status = http.StatusUnauthorized
		message = "calendar rejected the token"
	case errors.Is(err, ErrForbidden):
		status = http.StatusForbidden
		message = "calendar access forbidden"
	case errors.Is(err, ErrInvalidInput):
		status = http.StatusBadRequest
		message = "invalid request payload"
	case IsVerificationError(err):
		status = http.StatusUnauthorized
		message = "token verification failed"
	}
	contextGin.AbortWithStatusJSON(status, gin.H{"success": false, "error": message})
}
