package auth

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gatedSource counts upstream calls and blocks each call until release is closed.
type gatedSource struct {
	calls   atomic.Int32
	release chan struct{}
	token   string
	err     error
}

func newGatedSource(token string, err error) *gatedSource {
	return &gatedSource{release: make(chan struct{}), token: token, err: err}
}

func (s *gatedSource) Refresh(ctx context.Context, _ bool) (RefreshResult, error) {
	s.calls.Add(1)

	select {
	case <-s.release:
	case <-ctx.Done():
		return RefreshResult{}, ctx.Err()
	}

	if s.err != nil {
		return RefreshResult{}, s.err
	}

	return RefreshResult{Refreshed: true, AccessToken: s.token}, nil
}

// countingInvalidator records invalidation calls.
type countingInvalidator struct {
	calls atomic.Int32
	cause atomic.Value
}

func (i *countingInvalidator) Invalidate(_ context.Context, cause error) {
	i.calls.Add(1)
	i.cause.Store(cause)
}

func TestCoordinator_RefreshSuccess(t *testing.T) {
	src := newGatedSource("T2", nil)
	close(src.release)

	p := NewProvider(src, &Credential{AccessToken: "T1"}, nil)
	c := NewCoordinator(p, nil, nil)

	cred, err := c.Refresh(context.Background(), TransportHTTP, "T1")
	require.NoError(t, err)
	assert.Equal(t, "T2", cred.AccessToken)

	cur, ok := p.Current()
	require.True(t, ok)
	assert.Equal(t, "T2", cur.AccessToken)
	assert.Equal(t, int32(1), src.calls.Load())
	assert.Equal(t, int64(1), c.Episodes())
}

func TestCoordinator_ConcurrentFailuresShareOneEpisode(t *testing.T) {
	src := newGatedSource("T2", nil)
	p := NewProvider(src, &Credential{AccessToken: "T1"}, nil)
	c := NewCoordinator(p, nil, nil)

	const callers = 20

	var wg sync.WaitGroup

	results := make([]string, callers)
	errs := make([]error, callers)

	for i := range callers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			cred, err := c.Refresh(context.Background(), TransportHTTP, "T1")
			results[i] = cred.AccessToken
			errs[i] = err
		}()
	}

	// Let some callers join the in-flight episode before it completes.
	time.Sleep(20 * time.Millisecond)
	close(src.release)
	wg.Wait()

	for i := range callers {
		require.NoError(t, errs[i])
		assert.Equal(t, "T2", results[i])
	}

	assert.Equal(t, int32(1), src.calls.Load(), "at most one upstream refresh")
}

func TestCoordinator_LateFailureUsesAlreadyRefreshedCredential(t *testing.T) {
	src := newGatedSource("T2", nil)
	close(src.release)

	p := NewProvider(src, &Credential{AccessToken: "T1"}, nil)
	c := NewCoordinator(p, nil, nil)

	_, err := c.Refresh(context.Background(), TransportHTTP, "T1")
	require.NoError(t, err)

	// A second operation that was sent with T1 reports its failure after the
	// episode finished: no second refresh.
	cred, err := c.Refresh(context.Background(), TransportStream, "T1")
	require.NoError(t, err)
	assert.Equal(t, "T2", cred.AccessToken)
	assert.Equal(t, int32(1), src.calls.Load())
}

func TestCoordinator_RejectedRefreshedCredentialRefreshesAgain(t *testing.T) {
	src := newGatedSource("T2", nil)
	close(src.release)

	p := NewProvider(src, &Credential{AccessToken: "T1"}, nil)
	c := NewCoordinator(p, nil, nil)

	_, err := c.Refresh(context.Background(), TransportStream, "T1")
	require.NoError(t, err)

	// The server rejected T2 too: a new episode is allowed.
	_, err = c.Refresh(context.Background(), TransportStream, "T2")
	require.NoError(t, err)
	assert.Equal(t, int32(2), src.calls.Load())
}

func TestCoordinator_FailureInvalidatesOncePerEpisode(t *testing.T) {
	upstream := errors.New("invalid_grant")
	src := newGatedSource("", upstream)
	inv := &countingInvalidator{}

	p := NewProvider(src, &Credential{AccessToken: "T1"}, nil)
	c := NewCoordinator(p, inv, nil)

	const callers = 5

	var wg sync.WaitGroup

	errs := make([]error, callers)

	for i := range callers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, errs[i] = c.Refresh(context.Background(), TransportHTTP, "T1")
		}()
	}

	time.Sleep(20 * time.Millisecond)
	close(src.release)
	wg.Wait()

	for _, err := range errs {
		var re *RefreshError
		require.ErrorAs(t, err, &re)
		assert.ErrorIs(t, err, upstream)
	}

	assert.Equal(t, int32(1), inv.calls.Load())
	assert.Equal(t, int32(1), src.calls.Load())
}

func TestCoordinator_SessionChangeDuringEpisodeDoesNotInvalidate(t *testing.T) {
	src := newGatedSource("T2-alice", nil)
	p := NewProvider(src, &Credential{AccessToken: "T1"}, nil)
	inv := &countingInvalidator{}
	c := NewCoordinator(p, inv, nil)

	done := make(chan error, 1)
	go func() {
		_, err := c.Refresh(context.Background(), TransportHTTP, "T1")
		done <- err
	}()

	require.Eventually(t, func() bool { return src.calls.Load() == 1 }, time.Second, time.Millisecond)

	p.Set(Credential{AccessToken: "TB"})
	close(src.release)

	err := <-done
	require.ErrorIs(t, err, ErrSessionChanged)
	assert.Zero(t, inv.calls.Load())

	cur, ok := p.Current()
	require.True(t, ok)
	assert.Equal(t, "TB", cur.AccessToken)
}

func TestCoordinator_NoCredentialStartsEpisode(t *testing.T) {
	src := newGatedSource("T1", nil)
	close(src.release)

	p := NewProvider(src, nil, nil)
	c := NewCoordinator(p, nil, nil)

	cred, err := c.Refresh(context.Background(), TransportHTTP, "")
	require.NoError(t, err)
	assert.Equal(t, "T1", cred.AccessToken)
}

func TestCoordinator_CallerCancellation(t *testing.T) {
	src := newGatedSource("T2", nil)
	p := NewProvider(src, &Credential{AccessToken: "T1"}, nil)
	c := NewCoordinator(p, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Refresh(ctx, TransportHTTP, "T1")
	require.ErrorIs(t, err, context.Canceled)

	// The episode itself keeps running for other callers.
	close(src.release)

	cred, err := c.Refresh(context.Background(), TransportHTTP, "T1")
	require.NoError(t, err)
	assert.Equal(t, "T2", cred.AccessToken)
}

func TestInvalidatorFunc(t *testing.T) {
	var got error

	inv := InvalidatorFunc(func(_ context.Context, cause error) { got = cause })
	inv.Invalidate(context.Background(), ErrNotLoggedIn)

	assert.ErrorIs(t, got, ErrNotLoggedIn)
}
