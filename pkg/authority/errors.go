package authority

import "fmt"

// OAuth wire error codes.
const (
	CodeInvalidRequest          = "invalid_request"
	CodeInvalidClient           = "invalid_client"
	CodeInvalidGrant            = "invalid_grant"
	CodeUnauthorizedClient      = "unauthorized_client"
	CodeUnsupportedGrantType    = "unsupported_grant_type"
	CodeUnsupportedResponseType = "unsupported_response_type"
	CodeInvalidScope            = "invalid_scope"
	CodeAccessDenied            = "access_denied"
	CodeServerError             = "server_error"
)

// Error is the authority's result-type error: an OAuth error code with a
// human description and optional structured details. The HTTP layer maps
// codes to statuses at one boundary.
type Error struct {
	Code        string         `json:"error"`
	Description string         `json:"error_description"`
	Details     map[string]any `json:"error_details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

func oauthErr(code, description string) *Error {
	return &Error{Code: code, Description: description}
}

func oauthErrf(code, format string, args ...any) *Error {
	return &Error{Code: code, Description: fmt.Sprintf(format, args...)}
}

// scopeErr builds the structured invalid_scope error.
func scopeErr(requested, availableParent, exceeded []string) *Error {
	return &Error{
		Code:        CodeInvalidScope,
		Description: "requested scope exceeds what the parent token allows",
		Details: map[string]any{
			"requested_scopes":        requested,
			"available_parent_scopes": availableParent,
			"exceeded_scopes":         exceeded,
		},
	}
}

func deniedByPolicy(reason string) *Error {
	e := oauthErr(CodeAccessDenied, "denied_by_policy")
	if reason != "" {
		e.Details = map[string]any{"reason": reason}
	}
	return e
}

func serverErr(err error) *Error {
	// internals are logged by the caller, never surfaced on the wire
	return oauthErr(CodeServerError, "internal error")
}
