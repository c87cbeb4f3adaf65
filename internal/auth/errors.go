package auth

import (
	"fmt"
	"net/http"
)

// OAuthError is the OAuth 2 error envelope returned by the token
// endpoint. Hint tells the client whether the failure is recoverable.
type OAuthError struct {
	Status      int    `json:"-"`
	Code        string `json:"error"`
	Description string `json:"error_description"`
	Hint        string `json:"hint,omitempty"`
	Message     string `json:"message"`
}

func (e *OAuthError) Error() string {
	return fmt.Sprintf("oauth: %s: %s", e.Code, e.Description)
}

func oauthErr(status int, code, description, hint string) *OAuthError {
	return &OAuthError{
		Status:      status,
		Code:        code,
		Description: description,
		Hint:        hint,
		Message:     description,
	}
}

var (
	errInvalidCredentials = oauthErr(http.StatusUnauthorized, "invalid_grant",
		"The user credentials were incorrect.", "check your username and password")
	errInvalidClient = oauthErr(http.StatusUnauthorized, "invalid_client",
		"Client authentication failed.", "check client_id and client_secret")
	errInvalidScope = oauthErr(http.StatusBadRequest, "invalid_scope",
		"The requested scope is invalid for this grant.", "")
	errUnsupportedGrant = oauthErr(http.StatusBadRequest, "unsupported_grant_type",
		"The authorization grant type is not supported.", "")
	errExpiredRefresh = oauthErr(http.StatusUnauthorized, "invalid_grant",
		"The refresh token is invalid or has expired.", "re-authenticate with your credentials")
	errInvalidAuthCode = oauthErr(http.StatusUnauthorized, "invalid_grant",
		"The authorization code is invalid or has expired.", "restart the authorization flow")
	errServer = oauthErr(http.StatusInternalServerError, "server_error",
		"The authorization server encountered an unexpected condition.", "try again later")
)

// Verification failure reasons surfaced in the 401 body of the session
// verify endpoint.
const (
	reasonIncorrectKey    = "incorrect_key"
	reasonIncorrectLength = "incorrect_length"
	reasonTooManyAttempts = "too_many_attempts"
)

// VerifyError is a rejected session verification. Method tells the
// client which prompt to render; Reissued signals that a fresh mail
// code was just sent.
type VerifyError struct {
	Method   string
	Reason   string
	Reissued bool
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("verification failed: method=%s reason=%s", e.Method, e.Reason)
}
