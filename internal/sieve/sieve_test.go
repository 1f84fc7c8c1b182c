package sieve

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func classifierServer(t *testing.T, admit bool) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req admitRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.NotEmpty(t, req.Text)
		json.NewEncoder(w).Encode(admitResponse{Admit: admit})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestAdmit(t *testing.T) {
	t.Run("admitted", func(t *testing.T) {
		srv := classifierServer(t, true)
		s := New(srv.URL, time.Millisecond)
		assert.True(t, s.Admit(context.Background(), "coffee talk"))
	})

	t.Run("rejected", func(t *testing.T) {
		srv := classifierServer(t, false)
		s := New(srv.URL, time.Millisecond)
		assert.False(t, s.Admit(context.Background(), "off topic"))
	})
}

func TestAdmitFailsClosed(t *testing.T) {
	t.Run("classifier error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		s := New(srv.URL, time.Millisecond)
		assert.False(t, s.Admit(context.Background(), "anything"))
	})

	t.Run("unreachable classifier", func(t *testing.T) {
		s := New("http://127.0.0.1:1/admit", time.Millisecond)
		assert.False(t, s.Admit(context.Background(), "anything"))
	})

	t.Run("garbage response", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Write([]byte("not json"))
		}))
		defer srv.Close()

		s := New(srv.URL, time.Millisecond)
		assert.False(t, s.Admit(context.Background(), "anything"))
	})
}

func TestAdmitRateLimit(t *testing.T) {
	srv := classifierServer(t, true)
	s := New(srv.URL, time.Hour)

	assert.True(t, s.Admit(context.Background(), "first call uses the budget"))
	assert.False(t, s.Admit(context.Background(), "second call inside the delay rejects"))
}
