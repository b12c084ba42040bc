// Package gql issues GraphQL operations against the platform endpoint:
// queries and mutations over HTTP POST, subscriptions over a single
// multiplexed graphql-transport-ws websocket. Both transports recover from
// an expired credential by joining the shared refresh episode run by
// auth.Coordinator, so callers only ever see a result or one normalized
// error.
package gql

import (
	"errors"
	"fmt"
)

// Sentinel errors for the error taxonomy.
// Use errors.Is(err, gql.ErrNetwork) to check.
var (
	ErrNetwork     = errors.New("gql: network error")
	ErrAuth        = errors.New("gql: authentication error")
	ErrApplication = errors.New("gql: application error")
	ErrInternal    = errors.New("gql: internal error")
)

// Codes used for errors that do not carry a server-provided code.
const (
	CodeNetworkError   = "NETWORK_ERROR"
	CodeInternalError  = "INTERNAL_SERVER_ERROR"
	CodeForbidden      = "FORBIDDEN"
	DefaultAuthCode    = "UNAUTHENTICATED"
	msgNetworkError    = "couldn't connect to the platform, please try again"
	msgInternalError   = "there was an internal error, please try again"
	msgEmptyErrorsList = "response reported failure without errors"
)

// ErrorKind classifies a normalized error.
type ErrorKind int

const (
	NetworkError ErrorKind = iota
	AuthError
	ApplicationError
	InternalError
)

func (k ErrorKind) String() string {
	switch k {
	case NetworkError:
		return "network"
	case AuthError:
		return "auth"
	case ApplicationError:
		return "application"
	case InternalError:
		return "internal"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

func (k ErrorKind) sentinel() error {
	switch k {
	case NetworkError:
		return ErrNetwork
	case AuthError:
		return ErrAuth
	case ApplicationError:
		return ErrApplication
	default:
		return ErrInternal
	}
}

// Error is the single normalized error an operation fails with.
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
	Path    []any
	Err     error // underlying cause, may be nil
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("gql: %s error %s: %s", e.Kind, e.Code, e.Message)
	}

	return fmt.Sprintf("gql: %s error: %s", e.Kind, e.Message)
}

// Unwrap exposes both the kind sentinel and the cause, so errors.Is works
// for gql.ErrAuth as well as for *auth.RefreshError underneath it.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind.sentinel()}
	}

	return []error{e.Kind.sentinel(), e.Err}
}

// ResponseError is one entry of a GraphQL response's errors array.
type ResponseError struct {
	Message    string          `json:"message"`
	Path       []any           `json:"path,omitempty"`
	Extensions ErrorExtensions `json:"extensions"`
}

// ErrorExtensions holds the fields of the extensions object this client
// interprets.
type ErrorExtensions struct {
	Code string `json:"code,omitempty"`
}

// IsUnauthenticated reports whether any error carries the given code.
func IsUnauthenticated(errs []ResponseError, code string) bool {
	for i := range errs {
		if errs[i].Extensions.Code == code {
			return true
		}
	}

	return false
}

// Normalize maps the first error of a failure set. A first error carrying
// authCode becomes an AuthError; any other becomes an ApplicationError with
// the server's code and message. An empty set is an InternalError.
func Normalize(errs []ResponseError, authCode string) *Error {
	if len(errs) == 0 {
		return newInternalError(errors.New(msgEmptyErrorsList))
	}

	first := errs[0]
	kind := ApplicationError

	if first.Extensions.Code == authCode {
		kind = AuthError
	}

	return &Error{
		Kind:    kind,
		Code:    first.Extensions.Code,
		Message: first.Message,
		Path:    first.Path,
	}
}

func newNetworkError(cause error) *Error {
	return &Error{Kind: NetworkError, Code: CodeNetworkError, Message: msgNetworkError, Err: cause}
}

func newInternalError(cause error) *Error {
	return &Error{Kind: InternalError, Code: CodeInternalError, Message: msgInternalError, Err: cause}
}

func newAuthError(code, message string, cause error) *Error {
	return &Error{Kind: AuthError, Code: code, Message: message, Err: cause}
}

// EventError reports errors the server attached to one subscription result.
// The subscription stays open.
type EventError struct {
	Err *Error
}

func (e *EventError) Error() string {
	return "gql: subscription event: " + e.Err.Error()
}

func (e *EventError) Unwrap() error {
	return e.Err
}
