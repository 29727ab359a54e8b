package possync

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/possync/utils"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubServer answers /auth with numbered tokens and routes everything else to handler.
func stubServer(t *testing.T, authCalls *int32, handler gin.HandlerFunc) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST(apiPrefix+"/auth", func(c *gin.Context) {
		n := atomic.AddInt32(authCalls, 1)
		c.JSON(http.StatusOK, AuthResponse{Token: "token-" + string(rune('0'+n))})
	})
	r.NoRoute(handler)
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return ts
}

func TestClientReauthenticatesOnceAfterExpiredSession(t *testing.T) {
	var authCalls, calls int32
	ts := stubServer(t, &authCalls, func(c *gin.Context) {
		atomic.AddInt32(&calls, 1)
		if c.GetHeader("Authorization") == "Bearer token-1" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.JSON(http.StatusOK, MetadataResponse{Version: 3})
	})
	client := newTestClient(ts.URL, "T2", false)

	meta, err := client.GetMetadata(context.Background(), "products")
	require.NoError(t, err)
	assert.Equal(t, int64(3), meta.Version)
	assert.Equal(t, int32(2), atomic.LoadInt32(&authCalls))
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Equal(t, StateAuthenticated, client.State())
}

func TestClientGivesUpAfterSecondRejection(t *testing.T) {
	var authCalls, calls int32
	ts := stubServer(t, &authCalls, func(c *gin.Context) {
		atomic.AddInt32(&calls, 1)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	})
	client := newTestClient(ts.URL, "T2", false)

	_, err := client.GetMetadata(context.Background(), "products")
	require.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, int32(2), atomic.LoadInt32(&authCalls))
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestClientRetriesTransientStatus(t *testing.T) {
	var authCalls, calls int32
	ts := stubServer(t, &authCalls, func(c *gin.Context) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "busy"})
			return
		}
		c.JSON(http.StatusOK, MetadataResponse{Version: 7})
	})
	client := newTestClient(ts.URL, "T2", false)
	var delays []time.Duration
	client.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	meta, err := client.GetMetadata(context.Background(), "products")
	require.NoError(t, err)
	assert.Equal(t, int64(7), meta.Version)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond}, delays)
}

func TestClientGoesOfflineWhenRetriesRunOut(t *testing.T) {
	var authCalls, calls int32
	ts := stubServer(t, &authCalls, func(c *gin.Context) {
		atomic.AddInt32(&calls, 1)
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "upstream"})
	})
	client := newTestClient(ts.URL, "T2", false)

	_, err := client.GetMetadata(context.Background(), "products")
	require.ErrorIs(t, err, ErrOffline)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusGatewayTimeout, apiErr.StatusCode)
	assert.Equal(t, int32(4), atomic.LoadInt32(&calls))
	assert.Equal(t, StateOffline, client.State())

	// the next call tries again
	_, err = client.GetMetadata(context.Background(), "products")
	require.ErrorIs(t, err, ErrOffline)
	assert.Equal(t, int32(8), atomic.LoadInt32(&calls))
}

func TestClientSurfacesValidationErrors(t *testing.T) {
	var authCalls, calls int32
	ts := stubServer(t, &authCalls, func(c *gin.Context) {
		atomic.AddInt32(&calls, 1)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": map[string]string{"type": "required"}})
	})
	client := newTestClient(ts.URL, "T2", false)

	_, err := client.LeaseFiscalBatch(context.Background(), "", 5)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.NotErrorIs(t, err, ErrOffline)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	msg, details := apiErr.Message()
	assert.Equal(t, "invalid request", msg)
	assert.Equal(t, "required", details["type"])
}

func TestClientUnreachableServerIsOffline(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	client := newTestClient(url, "T2", false)
	_, err := client.Ping(context.Background())
	require.ErrorIs(t, err, ErrOffline)
	assert.Equal(t, StateOffline, client.State())
}

func TestClientRejectedCredentials(t *testing.T) {
	h := newHarness(t)
	h.server.AllowEnrollment = func() bool { return false }
	client := h.client("UNKNOWN", false)

	err := client.Authenticate(context.Background())
	require.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, StateUnauthenticated, client.State())
}

func TestClientSendsCorrelationId(t *testing.T) {
	var authCalls int32
	var seen atomic.Value
	ts := stubServer(t, &authCalls, func(c *gin.Context) {
		seen.Store(c.GetHeader("x-correlation-id"))
		c.JSON(http.StatusOK, TerminalsResponse{})
	})
	client := newTestClient(ts.URL, "T2", false)

	ctx := utils.SetCorrelationIdInContext(context.Background(), "cid-42")
	_, err := client.GetConnectedTerminals(ctx)
	require.NoError(t, err)
	assert.Equal(t, "cid-42", seen.Load())
}
