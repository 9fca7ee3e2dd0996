package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/keepmind9/miraibot/internal/core"
	"github.com/keepmind9/miraibot/pkg/constants"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hostPort(t *testing.T, raw string) (string, int) {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return u.Hostname(), port
}

func TestQueryStatus(t *testing.T) {
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/about", r.URL.Path)
		w.Write([]byte(`{"code":0,"msg":"","data":{"version":"2.10.0"}}`))
	}))
	defer gateway.Close()

	health := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, constants.HealthPath, r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(core.HealthReport{State: "authenticating", Adapter: "ws", QQ: 42})
	}))
	defer health.Close()

	cfg := &core.Config{}
	cfg.Gateway.Host, cfg.Gateway.Port = hostPort(t, gateway.URL)
	_, cfg.MetricsServer.Port = hostPort(t, health.URL)

	status := queryStatus(context.Background(), cfg)
	assert.Equal(t, "2.10.0", status.GatewayVersion)
	assert.Empty(t, status.GatewayError)
	require.NotNil(t, status.Runtime)
	assert.Equal(t, "authenticating", status.Runtime.State)
	assert.Equal(t, int64(42), status.Runtime.QQ)

	var buf bytes.Buffer
	outputStatus(&buf, status, false)
	assert.Contains(t, buf.String(), "Gateway version: 2.10.0")
	assert.Contains(t, buf.String(), "Runtime: authenticating (ws, qq 42)")
}

func TestQueryStatus_GatewayDown(t *testing.T) {
	gateway := httptest.NewServer(http.NotFoundHandler())
	host, port := hostPort(t, gateway.URL)
	gateway.Close()

	cfg := &core.Config{}
	cfg.Gateway.Host, cfg.Gateway.Port = host, port

	status := queryStatus(context.Background(), cfg)
	assert.NotEmpty(t, status.GatewayError)
	assert.Nil(t, status.Runtime)

	var buf bytes.Buffer
	outputStatus(&buf, status, true)
	var decoded StatusOutput
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, status.GatewayError, decoded.GatewayError)

	buf.Reset()
	outputStatus(&buf, status, false)
	assert.Contains(t, buf.String(), "metrics server disabled")
}
