package tlsclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TillFleisch/TrixelManagementService/internal/config"
	"github.com/TillFleisch/TrixelManagementService/internal/model"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := New(config.TLSConfig{Host: strings.TrimPrefix(srv.URL, "http://")})
	return c
}

func TestPublishCountsSendsBearerToken(t *testing.T) {
	var gotAuth string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	})
	c.SetToken("secret")

	err := c.PublishCounts(context.Background(), []StationCountUpdate{
		{TrixelID: 35, Type: model.AmbientTemperature, MsCount: 3},
	})

	require.NoError(t, err)
	assert.Equal(t, "Bearer secret", gotAuth)
}

func TestRejectedCredentialIsCritical(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	err := c.PublishCounts(context.Background(), []StationCountUpdate{{TrixelID: 35, MsCount: 1}})

	assert.ErrorIs(t, err, ErrTLSCritical)
}

func TestServerErrorIsTransient(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	err := c.PublishCounts(context.Background(), []StationCountUpdate{{TrixelID: 35, MsCount: 1}})

	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrTLSCritical)
}

func TestBreakerOpensAfterRepeatedFailures(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	update := []StationCountUpdate{{TrixelID: 35, MsCount: 1}}
	for i := 0; i < 5; i++ {
		require.Error(t, c.PublishCounts(context.Background(), update))
	}

	err := c.PublishCounts(context.Background(), update)
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestSyncDetailsDeactivatedIsCritical(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id": 7, "active": false, "host": "tms.example.org"}`))
	})

	_, err := c.SyncDetails(context.Background(), 7, "tms.example.org", "token")

	assert.ErrorIs(t, err, ErrTLSCritical)
}
