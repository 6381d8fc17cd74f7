package backends

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/edgesec-org/trustplane/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		status    int
		retryable bool
	}{
		{http.StatusInternalServerError, true},
		{http.StatusBadGateway, true},
		{http.StatusServiceUnavailable, true},
		{http.StatusTooManyRequests, true},
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
		{http.StatusForbidden, false},
		{http.StatusNotFound, false},
		{http.StatusConflict, false},
	}

	for _, tc := range cases {
		t.Run(fmt.Sprintf("status_%d", tc.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			err := doJSON(context.Background(), srv.Client(), "test", http.MethodGet, srv.URL, "", nil, nil, http.StatusOK)
			require.Error(t, err)
			assert.Equal(t, tc.retryable, interfaces.IsRetryable(err))
		})
	}
}

func TestClassifyTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	err := doJSON(context.Background(), http.DefaultClient, "test", http.MethodGet, srv.URL, "", nil, nil, http.StatusOK)
	require.Error(t, err)
	assert.True(t, interfaces.IsRetryable(err))

	var berr *interfaces.BackendError
	require.True(t, errors.As(err, &berr))
	assert.Equal(t, "test", berr.Backend)
}

func TestClassifyContextCanceled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := doJSON(ctx, srv.Client(), "test", http.MethodGet, srv.URL, "", nil, nil, http.StatusOK)
	require.Error(t, err)
	assert.False(t, interfaces.IsRetryable(err))
}

func TestDoJSONSendsAuthorizationAndBody(t *testing.T) {
	var gotAuth, gotContentType string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"ok":true}`)
	}))
	defer srv.Close()

	var out struct {
		OK bool `json:"ok"`
	}
	err := doJSON(context.Background(), srv.Client(), "test", http.MethodPost, srv.URL,
		"Bearer tok-123", map[string]string{"a": "b"}, &out, http.StatusOK)
	require.NoError(t, err)
	assert.True(t, out.OK)
	assert.Equal(t, "Bearer tok-123", gotAuth)
	assert.Equal(t, "application/json", gotContentType)
	assert.JSONEq(t, `{"a":"b"}`, string(gotBody))
}
