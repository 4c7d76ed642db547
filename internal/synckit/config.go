package synckit

import "time"

// ServiceConfig configures provider endpoints, sync policy, and quotas.
type ServiceConfig struct {
	GoogleClientID     string
	GoogleClientSecret string
	// AcceptedAudiences lists every client identity a token may be minted for.
	// Always includes GoogleClientID.
	AcceptedAudiences []string

	AuthURL      string
	TokenURL     string
	TokenInfoURL string
	UserInfoURL  string
	RevokeURL    string
	RedirectAddr string

	// CalendarEndpoint overrides the Google Calendar API base URL; empty means production.
	CalendarEndpoint string
	CalendarID       string
	CalendarTimezone string
	AssignmentLabel  string
	QuizLabel        string

	MaxOpsPerRun    int
	DailyCeiling    int
	IntervalFloor   time.Duration
	DefaultInterval time.Duration

	// ResendSuppression enables the persisted dedup-key set on top of the
	// remote existence probe. Off by default.
	ResendSuppression bool
	// StrictDedup propagates existence-probe failures instead of treating
	// them as "not found". Off by default; the fail-open behavior favors
	// sync liveness over duplicate suppression.
	StrictDedup bool
	// TestBypassKey short-circuits every auto-sync gate when non-empty.
	TestBypassKey string

	HTTPTimeout time.Duration
}

// Default provider endpoints and policy values.
const (
	DefaultAuthURL      = "https://accounts.google.com/o/oauth2/v2/auth"
	DefaultTokenURL     = "https://oauth2.googleapis.com/token"
	DefaultTokenInfoURL = "https://oauth2.googleapis.com/tokeninfo"
	DefaultUserInfoURL  = "https://www.googleapis.com/oauth2/v2/userinfo"
	DefaultRevokeURL    = "https://oauth2.googleapis.com/revoke"

	DefaultCalendarID       = "primary"
	DefaultCalendarTimezone = "Asia/Seoul"
	DefaultAssignmentLabel  = "[과제]"
	DefaultQuizLabel        = "[퀴즈]"

	DefaultMaxOpsPerRun  = 50
	DefaultDailyCeiling  = 10
	DefaultIntervalFloor = 30 * time.Minute
	DefaultSyncInterval  = 60 * time.Minute
	DefaultHTTPTimeout   = 30 * time.Second
)

// ApplyDefaults fills zero-valued fields with the production defaults.
func (configuration *ServiceConfig) ApplyDefaults() {
	if configuration.AuthURL == "" {
		configuration.AuthURL = DefaultAuthURL
	}
	if configuration.TokenURL == "" {
		configuration.TokenURL = DefaultTokenURL
	}
	if configuration.TokenInfoURL == "" {
		configuration.TokenInfoURL = DefaultTokenInfoURL
	}
	if configuration.UserInfoURL == "" {
		configuration.UserInfoURL = DefaultUserInfoURL
	}
	if configuration.RevokeURL == "" {
		configuration.RevokeURL = DefaultRevokeURL
	}
	if configuration.CalendarID == "" {
		configuration.CalendarID = DefaultCalendarID
	}
	if configuration.CalendarTimezone == "" {
		configuration.CalendarTimezone = DefaultCalendarTimezone
	}
	if configuration.AssignmentLabel == "" {
		configuration.AssignmentLabel = DefaultAssignmentLabel
	}
	if configuration.QuizLabel == "" {
		configuration.QuizLabel = DefaultQuizLabel
	}
	if configuration.MaxOpsPerRun <= 0 {
		configuration.MaxOpsPerRun = DefaultMaxOpsPerRun
	}
	if configuration.DailyCeiling <= 0 {
		configuration.DailyCeiling = DefaultDailyCeiling
	}
	if configuration.IntervalFloor <= 0 {
		configuration.IntervalFloor = DefaultIntervalFloor
	}
	if configuration.DefaultInterval <= 0 {
		configuration.DefaultInterval = DefaultSyncInterval
	}
	if configuration.HTTPTimeout <= 0 {
		configuration.HTTPTimeout = DefaultHTTPTimeout
	}
	if len(configuration.AcceptedAudiences) == 0 && configuration.GoogleClientID != "" {
		configuration.AcceptedAudiences = []string{configuration.GoogleClientID}
	}
}
