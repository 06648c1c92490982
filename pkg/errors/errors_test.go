package errors

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFormatting(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "full",
			err: &Error{
				Domain:    LifecycleDomain,
				Operation: OpStart,
				Code:      LifecycleErrConnect,
				Message:   "database connect failed",
				Original:  New("conn refused"),
			},
			want: "[lifecycle.Start] Code=LIFECYCLE_CONNECT_FAILED: database connect failed: conn refused",
		},
		{
			name: "no original",
			err: &Error{
				Domain:    StorageDomain,
				Operation: OpQuery,
				Message:   "bad statement",
			},
			want: "[storage.Query] bad statement",
		},
		{
			name: "operation only",
			err: &Error{
				Operation: OpStop,
				Original:  New("close failed"),
			},
			want: "[Stop] close failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := New("conn refused")
	err := LifecycleWrapWithCode(cause, OpStart, LifecycleErrConnect, "database connect failed")

	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
	assert.ErrorContains(t, err, "conn refused")

	var domainErr *Error
	require.True(t, As(err, &domainErr))
	assert.Equal(t, LifecycleDomain, domainErr.Domain)
	assert.Equal(t, LifecycleErrConnect, domainErr.Code)
	assert.Equal(t, OpStart, domainErr.Operation)
}

func TestWrapHelpersDoNotMutateOriginal(t *testing.T) {
	base := &Error{
		Domain:  StorageDomain,
		Code:    StorageErrConnection,
		Message: "open failed",
		Fields:  map[string]interface{}{"host": "db1"},
	}

	wrapped := WrapWithField(base, "attempt", 2)

	var wrappedErr *Error
	require.True(t, As(wrapped, &wrappedErr))
	assert.Equal(t, 2, wrappedErr.Fields["attempt"])
	assert.Equal(t, "db1", wrappedErr.Fields["host"])

	_, mutated := base.Fields["attempt"]
	assert.False(t, mutated, "wrapping must not touch the original error")
}

func TestWrapNilReturnsNil(t *testing.T) {
	assert.Nil(t, Wrap(nil, "ignored"))
	assert.Nil(t, WrapWithDomain(nil, LifecycleDomain))
	assert.Nil(t, LifecycleWrap(nil, OpStart, "ignored"))
	assert.Nil(t, CacheWrap(nil, OpGet, "ignored"))
	assert.Nil(t, ControlWrap(nil, OpDispatch, "ignored"))
}

func TestDomainCheckers(t *testing.T) {
	lifecycleErr := NewLifecycleError(LifecycleErrDisconnect, "close failed", New("io timeout"))
	cacheErr := NewCacheError(CacheErrMiss, "no snapshot", ErrNotFound)

	assert.True(t, IsLifecycleError(lifecycleErr, LifecycleErrDisconnect))
	assert.False(t, IsLifecycleError(lifecycleErr, LifecycleErrConnect))
	assert.False(t, IsLifecycleError(cacheErr, LifecycleErrDisconnect))

	assert.True(t, IsCacheError(cacheErr, CacheErrMiss))
	assert.True(t, Is(cacheErr, ErrNotFound))
}

func TestE(t *testing.T) {
	err := E("snapshot publish failed", CacheDomain, OpSet, CacheErrWrite, New("broken pipe"))

	var domainErr *Error
	require.True(t, As(err, &domainErr))
	assert.Equal(t, "snapshot publish failed", domainErr.Message)
	assert.Equal(t, CacheDomain, domainErr.Domain)
	assert.Equal(t, OpSet, domainErr.Operation)
	assert.Equal(t, CacheErrWrite, domainErr.Code)
	assert.EqualError(t, domainErr.Original, "broken pipe")
}

func TestHTTPStatusFromAPIError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "bad request", err: APIErrorf(APIErrBadRequest, "bad body"), want: http.StatusBadRequest},
		{name: "unauthorized", err: APIErrorf(APIErrUnauthorized, "no token"), want: http.StatusUnauthorized},
		{name: "forbidden", err: APIErrorf(APIErrForbidden, "admin only"), want: http.StatusForbidden},
		{name: "not found", err: APIErrorf(APIErrNotFound, "no such service"), want: http.StatusNotFound},
		{name: "rate limited", err: APIErrorf(APIErrRateLimitExceeded, "slow down"), want: http.StatusTooManyRequests},
		{name: "unavailable", err: APIErrorf(APIErrServiceUnavailable, "stopping"), want: http.StatusServiceUnavailable},
		{name: "unknown code", err: APIErrorf("API_SOMETHING_ELSE", "?"), want: http.StatusInternalServerError},
		{name: "not an api error", err: NewStorageError(StorageErrQuery, "boom", nil), want: http.StatusInternalServerError},
		{name: "plain error", err: New("plain"), want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatusFromAPIError(tt.err))
		})
	}
}

func TestWithStack(t *testing.T) {
	err := WithStack(New("boom"))

	var domainErr *Error
	require.True(t, As(err, &domainErr))
	assert.NotEmpty(t, domainErr.Stack)

	// A second WithStack keeps the original trace.
	again := WithStack(err)
	var againErr *Error
	require.True(t, As(again, &againErr))
	assert.Equal(t, domainErr.Stack, againErr.Stack)
}
