package gql

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/pitchly-go/internal/auth"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name     string
		errs     []ResponseError
		wantKind ErrorKind
		wantCode string
		wantMsg  string
		sentinel error
	}{
		{
			name:     "empty set is internal",
			wantKind: InternalError,
			wantCode: CodeInternalError,
			wantMsg:  msgInternalError,
			sentinel: ErrInternal,
		},
		{
			name:     "first error wins",
			errs:     []ResponseError{{Message: "first", Extensions: ErrorExtensions{Code: "A"}}, {Message: "second", Extensions: ErrorExtensions{Code: "B"}}},
			wantKind: ApplicationError,
			wantCode: "A",
			wantMsg:  "first",
			sentinel: ErrApplication,
		},
		{
			name:     "auth code",
			errs:     []ResponseError{{Message: "expired", Extensions: ErrorExtensions{Code: DefaultAuthCode}}},
			wantKind: AuthError,
			wantCode: DefaultAuthCode,
			wantMsg:  "expired",
			sentinel: ErrAuth,
		},
		{
			name:     "no code",
			errs:     []ResponseError{{Message: "bare"}},
			wantKind: ApplicationError,
			wantMsg:  "bare",
			sentinel: ErrApplication,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Normalize(tt.errs, DefaultAuthCode)
			require.NotNil(t, err)
			assert.Equal(t, tt.wantKind, err.Kind)
			assert.Equal(t, tt.wantCode, err.Code)
			assert.Equal(t, tt.wantMsg, err.Message)
			assert.ErrorIs(t, err, tt.sentinel)
		})
	}
}

func TestIsUnauthenticated(t *testing.T) {
	errs := []ResponseError{
		{Message: "a", Extensions: ErrorExtensions{Code: "OTHER"}},
		{Message: "b", Extensions: ErrorExtensions{Code: "UNAUTHENTICATED"}},
	}

	assert.True(t, IsUnauthenticated(errs, "UNAUTHENTICATED"))
	assert.False(t, IsUnauthenticated(errs, "EXPIRED"))
	assert.False(t, IsUnauthenticated(nil, "UNAUTHENTICATED"))
}

func TestError_Unwrap(t *testing.T) {
	cause := &auth.RefreshError{Err: errors.New("invalid_grant")}
	err := newAuthError(DefaultAuthCode, "expired", cause)

	assert.ErrorIs(t, err, ErrAuth)
	assert.NotErrorIs(t, err, ErrNetwork)

	var re *auth.RefreshError
	assert.ErrorAs(t, err, &re)

	assert.Equal(t, "gql: auth error UNAUTHENTICATED: expired", err.Error())

	bare := &Error{Kind: ApplicationError, Message: "oops"}
	assert.Equal(t, "gql: application error: oops", bare.Error())
	assert.ErrorIs(t, bare, ErrApplication)
}

func TestErrorKind_String(t *testing.T) {
	assert.Equal(t, "network", NetworkError.String())
	assert.Equal(t, "auth", AuthError.String())
	assert.Equal(t, "application", ApplicationError.String())
	assert.Equal(t, "internal", InternalError.String())
}

func TestRetryPolicy_Delay(t *testing.T) {
	p := DefaultRetryPolicy()

	var prev time.Duration
	for n := range p.MaxAttempts - 1 {
		d := p.Delay(n)
		assert.Greater(t, d, prev, "retry %d", n)
		prev = d
	}

	assert.Equal(t, 300*time.Millisecond, p.Delay(0))
	assert.Equal(t, 2400*time.Millisecond, p.Delay(3))

	capped := RetryPolicy{InitialDelay: time.Second, Factor: 2, MaxDelay: 3 * time.Second}
	assert.Equal(t, 3*time.Second, capped.Delay(5))
	assert.Equal(t, 3*time.Second, capped.grow(2*time.Second))
	assert.Equal(t, 14*time.Second, capped.grow(7*time.Second), "a server-requested wait above the cap keeps growing")

	flat := RetryPolicy{InitialDelay: time.Second, Factor: 0.5}
	assert.Equal(t, time.Second, flat.Delay(4))

	assert.Equal(t, 1, RetryPolicy{}.attempts())
}
