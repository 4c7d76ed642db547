package synckit

import (
	"errors"
	"fmt"
)

var (
	// ErrNoToken indicates a privileged operation was attempted without a bearer token.
	ErrNoToken = errors.New("auth.no_token")
	// ErrAuthDeclined indicates the user aborted or declined the authorization flow.
	ErrAuthDeclined = errors.New("auth.declined")
	// ErrStateMismatch indicates the redirect state did not match the persisted CSRF value.
	ErrStateMismatch = errors.New("auth.state_mismatch")
	// ErrNonceMismatch indicates the identity assertion was not bound to this request.
	ErrNonceMismatch = errors.New("auth.nonce_mismatch")
	// ErrDomainMismatch indicates the authenticated account does not belong to the requested hosted domain.
	ErrDomainMismatch = errors.New("auth.domain_mismatch")

	// ErrIntrospectionFailed indicates the token-info endpoint did not return a usable answer.
	ErrIntrospectionFailed = errors.New("verifier.introspection_failed")
	// ErrAudienceMismatch indicates the token was minted for a different client.
	ErrAudienceMismatch = errors.New("verifier.audience_mismatch")
	// ErrInsufficientScope indicates the granted scopes do not cover the required set.
	ErrInsufficientScope = errors.New("verifier.insufficient_scope")
	// ErrExpiringTooSoon indicates the token's remaining lifetime is below the floor.
	ErrExpiringTooSoon = errors.New("verifier.expiring_too_soon")
	// ErrVerificationFailed is the opaque form every verification failure collapses to
	// at the messaging boundary.
	ErrVerificationFailed = errors.New("verifier.verification_failed")

	// ErrInvalidInput indicates a candidate was rejected before any network call.
	ErrInvalidInput = errors.New("gateway.invalid_input")
	// ErrUnauthorized maps a 401 from the calendar API.
	ErrUnauthorized = errors.New("gateway.unauthorized")
	// ErrForbidden maps a 403 from the calendar API.
	ErrForbidden = errors.New("gateway.forbidden")
	// ErrConflict maps a 409 from the calendar API.
	ErrConflict = errors.New("gateway.conflict")
	// ErrMalformedResponse indicates the calendar API answered without the expected shape.
	ErrMalformedResponse = errors.New("gateway.malformed_response")
	// ErrNetwork wraps transport-level failures talking to the calendar API.
	ErrNetwork = errors.New("gateway.network")

	// ErrUnknownAction indicates a message carried an unrecognized action tag.
	ErrUnknownAction = errors.New("facade.unknown_action")
	// ErrNoCandidateSource indicates an automatic run had no feed to pull candidates from.
	ErrNoCandidateSource = errors.New("scheduler.no_candidate_source")
)

// APIError carries a calendar API status that has no dedicated sentinel.
type APIError struct {
	Status  int
	Message string
}

func (apiError *APIError) Error() string {
	return fmt.Sprintf("gateway.api_error: status %d: %s", apiError.Status, apiError.Message)
}

// IsVerificationError reports whether the error belongs to the verifier taxonomy.
func IsVerificationError(err error) bool {
	return errors.Is(err, ErrIntrospectionFailed) ||
		errors.Is(err, ErrAudienceMismatch) ||
		errors.Is(err, ErrInsufficientScope) ||
		errors.Is(err, ErrExpiringTooSoon) ||
		errors.Is(err, ErrVerificationFailed)
}

// CollapseVerification hides the detailed verifier failure behind the opaque sentinel.
// The detailed error is expected to have been logged at the point of occurrence.
func CollapseVerification(err error) error {
	if err == nil {
		return nil
	}
	if IsVerificationError(err) {
		return ErrVerificationFailed
	}
	return err
}
