package chat

import (
	"errors"
	"fmt"

	"github.com/haasonsaas/troupe/internal/oauth"
	"github.com/haasonsaas/troupe/internal/provider"
)

// Error kinds surfaced in SSE error frames and API error envelopes.
const (
	KindAuthRequired      = "auth_required"
	KindOAuthRequired     = "oauth_required"
	KindRoleNotFound      = "role_not_found"
	KindRoleForbidden     = "role_forbidden"
	KindRoleBusy          = "role_busy"
	KindToolFailed        = "tool_failed"
	KindToolLimitExceeded = "tool_limit_exceeded"
	KindProviderError     = "provider_error"
	KindValidation        = "validation"
	KindInternal          = "internal"
)

// Error is a turn failure with a stable machine-readable kind. The kind
// travels verbatim to clients; Detail adds human context when present.
type Error struct {
	Kind   string
	Detail string
}

func NewError(kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

func (e *Error) Error() string {
	return e.Message()
}

// Message is the wire form: the bare kind, or "kind: detail".
func (e *Error) Message() string {
	if e.Detail == "" {
		return e.Kind
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func isAuthRequired(err error) bool {
	var authErr *oauth.AuthRequiredError
	return errors.As(err, &authErr)
}

// classify maps an arbitrary turn failure onto a wire Error.
func classify(err error) *Error {
	var te *Error
	if errors.As(err, &te) {
		return te
	}
	var authErr *oauth.AuthRequiredError
	if errors.As(err, &authErr) {
		detail := authErr.Provider
		if authErr.AccountEmail != "" {
			detail = fmt.Sprintf("%s (%s)", authErr.Provider, authErr.AccountEmail)
		}
		return NewError(KindOAuthRequired, detail)
	}
	var pe *provider.Error
	if errors.As(err, &pe) {
		return NewError(KindProviderError, pe.Error())
	}
	return NewError(KindInternal, err.Error())
}
