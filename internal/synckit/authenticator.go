package synckit

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const csrfStateByteLength = 32

// CodeFlow runs the user-facing step of an authorization-code grant: it
// presents authURL to the user and returns the redirect's code and state.
type CodeFlow interface {
	Authorize(ctx context.Context, authURL string) (code string, state string, err error)
}

// ChooserResult carries both tokens returned by the account-chooser flow.
type ChooserResult struct {
	AccessToken string
	IDToken     string
}

// Authenticator owns the OAuth2 token lifecycle: interactive and silent
// acquisition, CSRF state handling, incremental scope escalation, the
// account-chooser flow, and logout.
type Authenticator struct {
	configuration ServiceConfig
	flow          CodeFlow
	verifier      *Verifier
	state         *SessionState
	httpClient    *http.Client
	logger        *zap.Logger
	metrics       MetricsRecorder
}

// NewAuthenticator constructs an Authenticator. flow supplies the interactive
// authorization step; tests substitute a fake.
func NewAuthenticator(configuration ServiceConfig, flow CodeFlow, verifier *Verifier, state *SessionState, logger *zap.Logger, metrics MetricsRecorder) *Authenticator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewCounterMetrics()
	}
	return &Authenticator{
		configuration: configuration,
		flow:          flow,
		verifier:      verifier,
		state:         state,
		httpClient:    &http.Client{Timeout: configuration.HTTPTimeout},
		logger:        logger,
		metrics:       metrics,
	}
}

// AcquireInteractive runs the interactive grant for the given scopes. On a
// verification failure the freshly minted token is invalidated and the whole
// interactive flow is retried exactly once more before failing.
func (authenticator *Authenticator) AcquireInteractive(ctx context.Context, scopes []string) (string, error) {
	if len(scopes) == 0 {
		scopes = DefaultScopes()
	}
	if clearErr := authenticator.state.ClearToken(ctx); clearErr != nil {
		return "", fmt.Errorf("auth.interactive.clear: %w", clearErr)
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		token, attemptErr := authenticator.runCodeFlow(ctx, scopes, nil)
		if attemptErr != nil {
			lastErr = attemptErr
			if IsVerificationError(attemptErr) {
				authenticator.metrics.Increment(MetricAuthVerifyRetry)
				authenticator.logger.Warn("interactive token failed verification",
					zap.String("code", "auth.interactive.verify"),
					zap.Int("attempt", attempt+1),
					zap.Error(attemptErr))
				continue
			}
			break
		}
		authenticator.metrics.Increment(MetricAuthInteractive)
		authenticator.cacheProfile(ctx, token)
		return token, nil
	}
	return "", lastErr
}

// AcquireSilent returns a token without user interaction by refreshing the
// persisted grant. Absence of a grant is a normal outcome, not an error.
func (authenticator *Authenticator) AcquireSilent(ctx context.Context) (string, error) {
	serialized, found, grantErr := authenticator.state.Grant(ctx)
	if grantErr != nil {
		return "", fmt.Errorf("auth.silent.grant: %w", grantErr)
	}
	if !found {
		return "", nil
	}
	var grant oauth2.Token
	if unmarshalErr := json.Unmarshal([]byte(serialized), &grant); unmarshalErr != nil {
		authenticator.logger.Warn("persisted grant unreadable",
			zap.String("code", "auth.silent.decode"),
			zap.Error(unmarshalErr))
		return "", nil
	}

	tokenSource := authenticator.oauthConfig(nil).TokenSource(authenticator.clientContext(ctx), &grant)
	refreshed, refreshErr := tokenSource.Token()
	if refreshErr != nil {
		authenticator.logger.Info("silent acquisition unavailable",
			zap.String("code", "auth.silent.refresh"),
			zap.Error(refreshErr))
		return "", nil
	}
	if persistErr := authenticator.persistGrant(ctx, refreshed); persistErr != nil {
		return "", persistErr
	}
	authenticator.metrics.Increment(MetricAuthSilent)
	return refreshed.AccessToken, nil
}

// AcquireViaChooser runs the redirect flow that lets the user pick an account,
// optionally pinned to a hosted-domain hint, and returns both the access token
// and the identity assertion. When domainHint is supplied the authenticated
// profile must belong to that domain even though the token itself is valid.
func (authenticator *Authenticator) AcquireViaChooser(ctx context.Context, scopes []string, domainHint string, forceConsent bool) (*ChooserResult, error) {
	if len(scopes) == 0 {
		scopes = DefaultScopes()
	}
	nonce, nonceErr := randomURLToken(csrfStateByteLength)
	if nonceErr != nil {
		return nil, fmt.Errorf("auth.chooser.nonce: %w", nonceErr)
	}

	prompt := "select_account"
	if forceConsent {
		prompt = "consent select_account"
	}
	options := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("prompt", prompt),
		oauth2.SetAuthURLParam("nonce", nonce),
	}
	if domainHint != "" {
		options = append(options, oauth2.SetAuthURLParam("hd", domainHint))
	}

	token, idToken, flowErr := authenticator.runCodeFlowWithAssertion(ctx, scopes, options)
	if flowErr != nil {
		return nil, flowErr
	}
	if idToken != "" {
		if nonceCheckErr := checkAssertionNonce(idToken, nonce); nonceCheckErr != nil {
			return nil, nonceCheckErr
		}
	}

	profile, profileErr := authenticator.fetchProfile(ctx, token)
	if profileErr != nil {
		return nil, profileErr
	}
	if domainHint != "" && !profileMatchesDomain(profile, domainHint) {
		authenticator.logger.Warn("account outside requested domain",
			zap.String("code", "auth.chooser.domain"),
			zap.String("hint", domainHint))
		return nil, fmt.Errorf("auth.chooser: %w", ErrDomainMismatch)
	}
	if cacheErr := authenticator.state.SetProfile(ctx, *profile); cacheErr != nil {
		authenticator.logger.Warn("profile cache write failed",
			zap.String("code", "auth.chooser.cache"),
			zap.Error(cacheErr))
	}
	authenticator.metrics.Increment(MetricAuthChooser)
	return &ChooserResult{AccessToken: token, IDToken: idToken}, nil
}

// RequestScopeIfMissing checks the current grant's coverage and, when the
// scope is missing, performs an incremental authorization for exactly that
// scope instead of re-requesting the full set.
func (authenticator *Authenticator) RequestScopeIfMissing(ctx context.Context, scope string) (string, error) {
	current, tokenErr := authenticator.state.Token(ctx)
	if tokenErr != nil {
		return "", fmt.Errorf("auth.escalate.token: %w", tokenErr)
	}
	if current == "" {
		return "", fmt.Errorf("auth.escalate: %w", ErrNoToken)
	}
	granted, introspectErr := authenticator.verifier.GrantedScopes(ctx, current)
	if introspectErr != nil {
		return "", introspectErr
	}
	for _, grantedScope := range granted {
		if grantedScope == scope {
			return current, nil
		}
	}
	authenticator.logger.Info("escalating grant",
		zap.String("code", "auth.escalate.request"),
		zap.String("scope", scope))
	incremental := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("include_granted_scopes", "true"),
	}
	return authenticator.runCodeFlow(ctx, []string{scope}, incremental)
}

// Logout revokes the current token best-effort and purges every
// authentication-related key from the state store. Absence of a token is not
// an error.
func (authenticator *Authenticator) Logout(ctx context.Context) error {
	token, tokenErr := authenticator.state.Token(ctx)
	if tokenErr != nil {
		return fmt.Errorf("auth.logout.token: %w", tokenErr)
	}
	if token != "" {
		authenticator.revoke(ctx, token)
	}
	if purgeErr := authenticator.state.PurgeAuth(ctx); purgeErr != nil {
		return fmt.Errorf("auth.logout.purge: %w", purgeErr)
	}
	authenticator.metrics.Increment(MetricAuthLogout)
	return nil
}

// Profile fetches the live profile for token, falling back to the cached copy
// when the live call fails. The stale copy keeps "connected" state visible
// through transient provider failures.
func (authenticator *Authenticator) Profile(ctx context.Context, token string) (*UserProfile, error) {
	live, liveErr := authenticator.fetchProfile(ctx, token)
	if liveErr == nil {
		return live, nil
	}
	cached, cacheErr := authenticator.state.Profile(ctx)
	if cacheErr == nil && cached != nil {
		authenticator.logger.Info("serving cached profile",
			zap.String("code", "auth.profile.stale"),
			zap.Error(liveErr))
		return cached, nil
	}
	return nil, liveErr
}

// runCodeFlow performs one complete authorization-code attempt: persist a
// fresh CSRF state, authorize, validate the returned state, exchange, verify,
// persist. The CSRF state is cleared on every terminal path.
func (authenticator *Authenticator) runCodeFlow(ctx context.Context, scopes []string, extraOptions []oauth2.AuthCodeOption) (string, error) {
	token, _, err := authenticator.runCodeFlowWithAssertion(ctx, scopes, extraOptions)
	return token, err
}

func (authenticator *Authenticator) runCodeFlowWithAssertion(ctx context.Context, scopes []string, extraOptions []oauth2.AuthCodeOption) (accessToken string, idToken string, err error) {
	csrfState, stateErr := randomURLToken(csrfStateByteLength)
	if stateErr != nil {
		return "", "", fmt.Errorf("auth.flow.state: %w", stateErr)
	}
	if persistErr := authenticator.state.SetCSRFState(ctx, csrfState); persistErr != nil {
		return "", "", fmt.Errorf("auth.flow.state_persist: %w", persistErr)
	}
	defer func() {
		if clearErr := authenticator.state.ClearCSRFState(ctx); clearErr != nil {
			authenticator.logger.Warn("csrf state cleanup failed",
				zap.String("code", "auth.flow.state_clear"),
				zap.Error(clearErr))
		}
	}()

	oauthConfig := authenticator.oauthConfig(scopes)
	options := append([]oauth2.AuthCodeOption{oauth2.AccessTypeOffline}, extraOptions...)
	authURL := oauthConfig.AuthCodeURL(csrfState, options...)

	code, returnedState, authorizeErr := authenticator.flow.Authorize(ctx, authURL)
	if authorizeErr != nil {
		return "", "", fmt.Errorf("auth.flow.authorize: %w: %s", ErrAuthDeclined, authorizeErr)
	}
	persisted, persistedErr := authenticator.state.CSRFState(ctx)
	if persistedErr != nil {
		return "", "", fmt.Errorf("auth.flow.state_read: %w", persistedErr)
	}
	if returnedState == "" || returnedState != persisted {
		return "", "", fmt.Errorf("auth.flow: %w", ErrStateMismatch)
	}

	exchanged, exchangeErr := oauthConfig.Exchange(authenticator.clientContext(ctx), code)
	if exchangeErr != nil {
		return "", "", fmt.Errorf("auth.flow.exchange: %w", exchangeErr)
	}

	if verifyErr := authenticator.verifier.Verify(ctx, exchanged.AccessToken); verifyErr != nil {
		authenticator.revoke(ctx, exchanged.AccessToken)
		_ = authenticator.state.ClearToken(ctx)
		return "", "", verifyErr
	}

	if persistErr := authenticator.persistGrant(ctx, exchanged); persistErr != nil {
		return "", "", persistErr
	}
	assertion, _ := exchanged.Extra("id_token").(string)
	authenticator.logger.Info("token acquired",
		zap.String("code", "auth.flow.success"),
		zap.String("token", maskToken(exchanged.AccessToken)))
	return exchanged.AccessToken, assertion, nil
}

func (authenticator *Authenticator) persistGrant(ctx context.Context, token *oauth2.Token) error {
	if setErr := authenticator.state.SetToken(ctx, token.AccessToken); setErr != nil {
		return fmt.Errorf("auth.persist.token: %w", setErr)
	}
	serialized, marshalErr := json.Marshal(token)
	if marshalErr != nil {
		return fmt.Errorf("auth.persist.encode: %w", marshalErr)
	}
	if setErr := authenticator.state.SetGrant(ctx, string(serialized)); setErr != nil {
		return fmt.Errorf("auth.persist.grant: %w", setErr)
	}
	return nil
}

func (authenticator *Authenticator) cacheProfile(ctx context.Context, token string) {
	profile, fetchErr := authenticator.fetchProfile(ctx, token)
	if fetchErr != nil {
		authenticator.logger.Warn("post-auth profile fetch failed",
			zap.String("code", "auth.profile.fetch"),
			zap.Error(fetchErr))
		return
	}
	if cacheErr := authenticator.state.SetProfile(ctx, *profile); cacheErr != nil {
		authenticator.logger.Warn("profile cache write failed",
			zap.String("code", "auth.profile.cache"),
			zap.Error(cacheErr))
	}
}

func (authenticator *Authenticator) fetchProfile(ctx context.Context, token string) (*UserProfile, error) {
	request, buildErr := http.NewRequestWithContext(ctx, http.MethodGet, authenticator.configuration.UserInfoURL, http.NoBody)
	if buildErr != nil {
		return nil, fmt.Errorf("auth.profile.request: %w", buildErr)
	}
	request.Header.Set("Authorization", "Bearer "+token)
	response, doErr := authenticator.httpClient.Do(request)
	if doErr != nil {
		return nil, fmt.Errorf("auth.profile.transport: %w", doErr)
	}
	defer func() { _ = response.Body.Close() }()
	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("auth.profile.status: status %d", response.StatusCode)
	}
	var payload struct {
		ID            string `json:"id"`
		Email         string `json:"email"`
		VerifiedEmail bool   `json:"verified_email"`
		Name          string `json:"name"`
		Picture       string `json:"picture"`
		HostedDomain  string `json:"hd"`
	}
	if decodeErr := json.NewDecoder(response.Body).Decode(&payload); decodeErr != nil {
		return nil, fmt.Errorf("auth.profile.decode: %w", decodeErr)
	}
	return &UserProfile{
		ID:           payload.ID,
		Email:        payload.Email,
		Name:         payload.Name,
		Picture:      payload.Picture,
		Verified:     payload.VerifiedEmail,
		HostedDomain: payload.HostedDomain,
	}, nil
}

func (authenticator *Authenticator) revoke(ctx context.Context, token string) {
	form := url.Values{}
	form.Set("token", token)
	request, buildErr := http.NewRequestWithContext(ctx, http.MethodPost, authenticator.configuration.RevokeURL, strings.NewReader(form.Encode()))
	if buildErr != nil {
		return
	}
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	response, doErr := authenticator.httpClient.Do(request)
	if doErr != nil {
		authenticator.logger.Debug("token revocation failed",
			zap.String("code", "auth.revoke.transport"),
			zap.Error(doErr))
		return
	}
	_ = response.Body.Close()
}

func (authenticator *Authenticator) oauthConfig(scopes []string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     authenticator.configuration.GoogleClientID,
		ClientSecret: authenticator.configuration.GoogleClientSecret,
		Scopes:       scopes,
		RedirectURL:  "http://" + authenticator.configuration.RedirectAddr + "/callback",
		Endpoint: oauth2.Endpoint{
			AuthURL:  authenticator.configuration.AuthURL,
			TokenURL: authenticator.configuration.TokenURL,
		},
	}
}

// clientContext routes oauth2 exchanges through the authenticator's timeout-
// bearing HTTP client.
func (authenticator *Authenticator) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, authenticator.httpClient)
}

func checkAssertionNonce(idToken string, expectedNonce string) error {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, parseErr := parser.ParseUnverified(idToken, claims); parseErr != nil {
		return fmt.Errorf("auth.chooser.assertion: %w", parseErr)
	}
	boundNonce, _ := claims["nonce"].(string)
	if boundNonce != expectedNonce {
		return fmt.Errorf("auth.chooser: %w", ErrNonceMismatch)
	}
	return nil
}

func profileMatchesDomain(profile *UserProfile, domainHint string) bool {
	if profile == nil {
		return false
	}
	if profile.HostedDomain == domainHint {
		return true
	}
	return strings.HasSuffix(profile.Email, "@"+domainHint)
}

func randomURLToken(byteLength int) (string, error) {
	buffer := make([]byte, byteLength)
	if _, err := rand.Read(buffer); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buffer), nil
}
