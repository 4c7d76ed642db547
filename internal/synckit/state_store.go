package synckit

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// StateStore is the durable key-value store every other component reads and
// writes through. Values are opaque strings; structured values are JSON.
type StateStore interface {
	Get(ctx context.Context, key string) (value string, found bool, err error)
	Set(ctx context.Context, key string, value string) error
	Delete(ctx context.Context, keys ...string) error
}

// Persisted state keys.
const (
	KeyAuthToken       = "google_auth_token"
	KeyOAuthGrant      = "google_oauth_grant"
	KeyUserProfile     = "user_profile"
	KeyCSRFState       = "oauth_csrf_state"
	KeyLastSyncUnix    = "last_sync_unix"
	KeyLastAttemptUnix = "last_attempt_unix"
	KeyDailyUsage      = "daily_usage"
	KeyAutoSyncEnabled = "auto_sync_enabled"
	KeyIntervalMinutes = "sync_interval_minutes"
	KeySentItemKeys    = "sent_item_keys"
	KeyLastSummary     = "last_sync_summary"
)

const usageDateKeyLayout = "2006-01-02"

// SessionState wraps a StateStore with typed accessors for the keys this
// service persists. It is constructed once at process start and passed into
// each component explicitly.
type SessionState struct {
	store StateStore
	clock Clock
}

// NewSessionState constructs the typed wrapper around a StateStore.
func NewSessionState(store StateStore, clock Clock) *SessionState {
	if clock == nil {
		clock = NewSystemClock()
	}
	return &SessionState{store: store, clock: clock}
}

// Token returns the current bearer token, or "" when none is tracked.
func (state *SessionState) Token(ctx context.Context) (string, error) {
	value, found, err := state.store.Get(ctx, KeyAuthToken)
	if err != nil || !found {
		return "", err
	}
	return value, nil
}

// SetToken records the current bearer token.
func (state *SessionState) SetToken(ctx context.Context, token string) error {
	return state.store.Set(ctx, KeyAuthToken, token)
}

// ClearToken evicts the tracked bearer token.
func (state *SessionState) ClearToken(ctx context.Context) error {
	return state.store.Delete(ctx, KeyAuthToken)
}

// Grant returns the serialized OAuth grant used for silent acquisition.
func (state *SessionState) Grant(ctx context.Context) (string, bool, error) {
	return state.store.Get(ctx, KeyOAuthGrant)
}

// SetGrant records the serialized OAuth grant.
func (state *SessionState) SetGrant(ctx context.Context, serialized string) error {
	return state.store.Set(ctx, KeyOAuthGrant, serialized)
}

// Profile returns the cached user profile, or nil when none is cached.
func (state *SessionState) Profile(ctx context.Context) (*UserProfile, error) {
	value, found, err := state.store.Get(ctx, KeyUserProfile)
	if err != nil || !found {
		return nil, err
	}
	var profile UserProfile
	if unmarshalErr := json.Unmarshal([]byte(value), &profile); unmarshalErr != nil {
		return nil, fmt.Errorf("state.profile.decode: %w", unmarshalErr)
	}
	return &profile, nil
}

// SetProfile caches the post-auth user profile.
func (state *SessionState) SetProfile(ctx context.Context, profile UserProfile) error {
	encoded, marshalErr := json.Marshal(profile)
	if marshalErr != nil {
		return fmt.Errorf("state.profile.encode: %w", marshalErr)
	}
	return state.store.Set(ctx, KeyUserProfile, string(encoded))
}

// CSRFState returns the persisted one-time state value, or "" when absent.
func (state *SessionState) CSRFState(ctx context.Context) (string, error) {
	value, found, err := state.store.Get(ctx, KeyCSRFState)
	if err != nil || !found {
		return "", err
	}
	return value, nil
}

// SetCSRFState persists the one-time state value for an in-flight authorization.
func (state *SessionState) SetCSRFState(ctx context.Context, value string) error {
	return state.store.Set(ctx, KeyCSRFState, value)
}

// ClearCSRFState discards the transient state value.
func (state *SessionState) ClearCSRFState(ctx context.Context) error {
	return state.store.Delete(ctx, KeyCSRFState)
}

// LastSyncTime returns the last successful sync timestamp, zero when never synced.
func (state *SessionState) LastSyncTime(ctx context.Context) (time.Time, error) {
	return state.unixTime(ctx, KeyLastSyncUnix)
}

// SetLastSyncTime overwrites the last successful sync timestamp.
func (state *SessionState) SetLastSyncTime(ctx context.Context, at time.Time) error {
	return state.store.Set(ctx, KeyLastSyncUnix, strconv.FormatInt(at.Unix(), 10))
}

// LastAttemptTime returns the last sync attempt timestamp, zero when never attempted.
func (state *SessionState) LastAttemptTime(ctx context.Context) (time.Time, error) {
	return state.unixTime(ctx, KeyLastAttemptUnix)
}

// SetLastAttemptTime overwrites the last sync attempt timestamp.
func (state *SessionState) SetLastAttemptTime(ctx context.Context, at time.Time) error {
	return state.store.Set(ctx, KeyLastAttemptUnix, strconv.FormatInt(at.Unix(), 10))
}

// UsageToday returns the usage count for the current local calendar day.
// A stored counter from a previous day reads as zero.
func (state *SessionState) UsageToday(ctx context.Context) (int, error) {
	counter, err := state.usageCounter(ctx)
	if err != nil {
		return 0, err
	}
	if counter.DateKey != state.clock.Now().Format(usageDateKeyLayout) {
		return 0, nil
	}
	return counter.Count, nil
}

// IncrementUsage bumps the daily counter, resetting it when the day changed.
func (state *SessionState) IncrementUsage(ctx context.Context) error {
	todayKey := state.clock.Now().Format(usageDateKeyLayout)
	counter, err := state.usageCounter(ctx)
	if err != nil {
		return err
	}
	if counter.DateKey != todayKey {
		counter = UsageCounter{DateKey: todayKey}
	}
	counter.Count++
	encoded, marshalErr := json.Marshal(counter)
	if marshalErr != nil {
		return fmt.Errorf("state.usage.encode: %w", marshalErr)
	}
	return state.store.Set(ctx, KeyDailyUsage, string(encoded))
}

// AutoSyncEnabled reports the user preference; enabled unless explicitly turned off.
func (state *SessionState) AutoSyncEnabled(ctx context.Context) (bool, error) {
	value, found, err := state.store.Get(ctx, KeyAutoSyncEnabled)
	if err != nil {
		return false, err
	}
	if !found {
		return true, nil
	}
	return value == "true", nil
}

// SetAutoSyncEnabled records the user preference.
func (state *SessionState) SetAutoSyncEnabled(ctx context.Context, enabled bool) error {
	return state.store.Set(ctx, KeyAutoSyncEnabled, strconv.FormatBool(enabled))
}

// IntervalMinutes returns the configured minimum interval, 0 when unset.
func (state *SessionState) IntervalMinutes(ctx context.Context) (int, error) {
	value, found, err := state.store.Get(ctx, KeyIntervalMinutes)
	if err != nil || !found {
		return 0, err
	}
	minutes, parseErr := strconv.Atoi(value)
	if parseErr != nil {
		return 0, fmt.Errorf("state.interval.decode: %w", parseErr)
	}
	return minutes, nil
}

// SetIntervalMinutes records the configured minimum interval.
func (state *SessionState) SetIntervalMinutes(ctx context.Context, minutes int) error {
	return state.store.Set(ctx, KeyIntervalMinutes, strconv.Itoa(minutes))
}

// HasDedupKey reports whether the dedup key is in the already-sent set.
func (state *SessionState) HasDedupKey(ctx context.Context, key string) (bool, error) {
	sent, err := state.dedupSet(ctx)
	if err != nil {
		return false, err
	}
	_, present := sent[key]
	return present, nil
}

// AddDedupKey unions the key into the already-sent set.
func (state *SessionState) AddDedupKey(ctx context.Context, key string) error {
	sent, err := state.dedupSet(ctx)
	if err != nil {
		return err
	}
	if _, present := sent[key]; present {
		return nil
	}
	sent[key] = struct{}{}
	keys := make([]string, 0, len(sent))
	for existing := range sent {
		keys = append(keys, existing)
	}
	encoded, marshalErr := json.Marshal(keys)
	if marshalErr != nil {
		return fmt.Errorf("state.dedup.encode: %w", marshalErr)
	}
	return state.store.Set(ctx, KeySentItemKeys, string(encoded))
}

// SetLastSummary caches the compact outcome of the most recent run.
func (state *SessionState) SetLastSummary(ctx context.Context, summary ResultSummary) error {
	encoded, marshalErr := json.Marshal(summary)
	if marshalErr != nil {
		return fmt.Errorf("state.summary.encode: %w", marshalErr)
	}
	return state.store.Set(ctx, KeyLastSummary, string(encoded))
}

// PurgeAuth removes every authentication-related key: token, grant, profile,
// CSRF state, last-sync time, and the dedup set.
func (state *SessionState) PurgeAuth(ctx context.Context) error {
	return state.store.Delete(ctx,
		KeyAuthToken, KeyOAuthGrant, KeyUserProfile, KeyCSRFState,
		KeyLastSyncUnix, KeySentItemKeys)
}

func (state *SessionState) unixTime(ctx context.Context, key string) (time.Time, error) {
	value, found, err := state.store.Get(ctx, key)
	if err != nil || !found {
		return time.Time{}, err
	}
	unix, parseErr := strconv.ParseInt(value, 10, 64)
	if parseErr != nil {
		return time.Time{}, fmt.Errorf("state.time.decode: %w", parseErr)
	}
	return time.Unix(unix, 0).UTC(), nil
}

func (state *SessionState) usageCounter(ctx context.Context) (UsageCounter, error) {
	value, found, err := state.store.Get(ctx, KeyDailyUsage)
	if err != nil || !found {
		return UsageCounter{}, err
	}
	var counter UsageCounter
	if unmarshalErr := json.Unmarshal([]byte(value), &counter); unmarshalErr != nil {
		return UsageCounter{}, fmt.Errorf("state.usage.decode: %w", unmarshalErr)
	}
	return counter, nil
}

func (state *SessionState) dedupSet(ctx context.Context) (map[string]struct{}, error) {
	value, found, err := state.store.Get(ctx, KeySentItemKeys)
	if err != nil {
		return nil, err
	}
	sent := make(map[string]struct{})
	if !found {
		return sent, nil
	}
	var keys []string
	if unmarshalErr := json.Unmarshal([]byte(value), &keys); unmarshalErr != nil {
		return nil, fmt.Errorf("state.dedup.decode: %w", unmarshalErr)
	}
	for _, key := range keys {
		sent[key] = struct{}{}
	}
	return sent, nil
}
