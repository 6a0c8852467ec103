package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vburojevic/tabtrail/internal/delivery"
	"github.com/vburojevic/tabtrail/internal/domain"
	"github.com/vburojevic/tabtrail/internal/storage"
)

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestCollectorScriptedResponses(t *testing.T) {
	c := New(WithScript("ga", 503, 429))
	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	batch := domain.DeliveryBatch{Events: []domain.Event{{ID: "1", Kind: domain.EventClick}}}
	assert.Equal(t, 503, postJSON(t, URL(srv.URL, "ga"), batch).StatusCode)
	assert.Equal(t, 429, postJSON(t, URL(srv.URL, "ga"), batch).StatusCode)
	assert.Equal(t, 200, postJSON(t, URL(srv.URL, "ga"), batch).StatusCode)

	require.Len(t, c.Received("ga"), 1)
	assert.Equal(t, []Stats{{Integration: "ga", Requests: 3, Accepted: 1, Rejected: 2, Events: 1}}, c.Stats())
}

func TestCollectorRejectsInvalidBatch(t *testing.T) {
	c := New()
	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := http.Post(URL(srv.URL, "ga"), "application/json", bytes.NewBufferString("{nope"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, c.Received("ga"))
}

func TestCollectorScriptEndpointAndReset(t *testing.T) {
	c := New()
	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	always := 500
	resp := postJSON(t, srv.URL+"/v1/mixpanel/script", map[string]any{"statuses": []int{400}, "always": always})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, 400, postJSON(t, URL(srv.URL, "mixpanel"), domain.DeliveryBatch{}).StatusCode)
	assert.Equal(t, 500, postJSON(t, URL(srv.URL, "mixpanel"), domain.DeliveryBatch{}).StatusCode)

	statsResp, err := http.Get(srv.URL + "/v1/stats")
	require.NoError(t, err)
	defer statsResp.Body.Close()
	var stats struct {
		Integrations []Stats `json:"integrations"`
	}
	require.NoError(t, json.NewDecoder(statsResp.Body).Decode(&stats))
	require.Len(t, stats.Integrations, 1)
	assert.Equal(t, 2, stats.Integrations[0].Rejected)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/v1/stats", nil)
	require.NoError(t, err)
	delResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer delResp.Body.Close()
	assert.Equal(t, http.StatusNoContent, delResp.StatusCode)
	assert.Empty(t, c.Stats())
}

func TestCollectorRunStopsOnCancel(t *testing.T) {
	c := New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, "127.0.0.1:0") }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("collector did not stop")
	}
}

// Two HTTP integrations against one collector: a failure on one leaves the
// other unaffected.
func TestDeliveryAgainstCollector(t *testing.T) {
	c := New(WithAlways("a", 500), WithScript("b", 503))
	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	var routes []delivery.Route
	for _, name := range []string{"a", "b"} {
		integ, err := delivery.NewHTTPIntegration(delivery.HTTPIntegrationOptions{Name: name, URL: URL(srv.URL, name)})
		require.NoError(t, err)
		routes = append(routes, delivery.Route{Integration: integ})
	}
	cfg := delivery.DefaultConfig()
	cfg.RetryBaseDelay = 2 * time.Millisecond
	engine := delivery.NewEngine(storage.NewMemoryStore(), routes, delivery.WithConfig(cfg))
	defer engine.Close()

	engine.Track(domain.Event{Kind: domain.EventPageView, PageURL: "/", UserID: "u1"})
	require.NoError(t, engine.Flush(context.Background()))

	stats := c.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, 3, stats[0].Requests)
	assert.Equal(t, 2, stats[1].Requests)
	assert.Len(t, c.Received("b"), 1)
	assert.Len(t, engine.Backlog().Load("a", "u1"), 1)
	assert.Empty(t, engine.Backlog().Load("b", "u1"))
}
