package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alertrelay/internal/config"
)

func TestWebhookURL(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:8082/webhook/alerts", webhookURL(":8082"))
	assert.Equal(t, "http://relay.local:80/webhook/alerts", webhookURL("relay.local:80"))
}

func TestSendTestPostsBearerAlert(t *testing.T) {
	var got map[string]any
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"accepted"}`))
	}))
	defer srv.Close()

	cfg := &config.Config{HTTP: config.HTTPConfig{WebhookSecret: "s3cret"}}
	var out bytes.Buffer
	err := sendTest(context.Background(), &out, cfg, &sendTestFlags{
		url: srv.URL, module: "api", kind: "test", priority: "info", message: "hello",
	})
	require.NoError(t, err)
	assert.Equal(t, "Bearer s3cret", auth)
	assert.Equal(t, "api", got["module"])
	assert.Equal(t, "hello", got["message"])
	assert.Contains(t, out.String(), "accepted")
}

func TestSendTestRequiresAddr(t *testing.T) {
	err := sendTest(context.Background(), &bytes.Buffer{}, &config.Config{}, &sendTestFlags{})
	require.Error(t, err)
}

func TestProbe(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }))
	defer ok.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusBadGateway) }))
	defer bad.Close()

	cfg := &config.Config{Health: config.HealthConfig{Modules: []config.ModuleTarget{
		{Name: "api", Endpoint: ok.URL},
		{Name: "worker", Endpoint: bad.URL},
		{Name: "batch"},
	}}}

	var out bytes.Buffer
	require.NoError(t, probe(context.Background(), &out, cfg, []string{"api"}))
	assert.Contains(t, out.String(), "online")

	out.Reset()
	err := probe(context.Background(), &out, cfg, nil)
	require.Error(t, err)
	assert.Contains(t, out.String(), "HTTP 502")

	require.Error(t, probe(context.Background(), &out, cfg, []string{"batch"}))
}
