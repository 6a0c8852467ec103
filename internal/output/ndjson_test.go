package output

import (
	"bytes"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vburojevic/tabtrail/internal/domain"
)

func decodeLine(t *testing.T, dec *json.Decoder) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	require.NoError(t, dec.Decode(&m))
	return m
}

func TestWriteReady(t *testing.T) {
	buf := &bytes.Buffer{}
	w := NewNDJSONWriter(buf)

	require.NoError(t, w.WriteReady("run-1", 3, nil, "memory"))

	m := decodeLine(t, json.NewDecoder(buf))
	require.Equal(t, "ready", m["type"])
	require.EqualValues(t, 1, m["schemaVersion"])
	require.Equal(t, "run-1", m["run_id"])
	require.EqualValues(t, 3, m["tabs"])
	require.Equal(t, []interface{}{}, m["integrations"])
	_, err := time.Parse(time.RFC3339, m["timestamp"].(string))
	require.NoError(t, err)
}

func TestWriteEventNestsPayload(t *testing.T) {
	buf := &bytes.Buffer{}
	w := NewNDJSONWriter(buf)

	ev := domain.Event{ID: "01J", Kind: domain.EventClick, SessionID: "s1", Timestamp: 5}
	require.NoError(t, w.WriteEvent("tab-a", ev))

	m := decodeLine(t, json.NewDecoder(buf))
	require.Equal(t, "event", m["type"])
	require.Equal(t, "tab-a", m["tab_id"])
	payload, ok := m["event"].(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, "click", payload["type"])
	require.Equal(t, "s1", payload["sessionId"])
}

func TestWriteQueueFillsEnvelope(t *testing.T) {
	buf := &bytes.Buffer{}
	w := NewNDJSONWriter(buf)

	require.NoError(t, w.WriteQueue("tab-a", domain.QueueSignal{
		Integration: "ga",
		Status:      domain.QueuePersisted,
		Events:      4,
		Attempts:    3,
	}))

	m := decodeLine(t, json.NewDecoder(buf))
	require.Equal(t, "queue", m["type"])
	require.EqualValues(t, 1, m["schemaVersion"])
	require.Equal(t, "ga", m["integration"])
	require.Equal(t, "persisted", m["status"])
	require.Equal(t, "tab-a", m["tab_id"])
	require.NotContains(t, m, "error")
}

func TestWriteErrorKeepsFirstHint(t *testing.T) {
	buf := &bytes.Buffer{}
	w := NewNDJSONWriter(buf)

	require.NoError(t, w.WriteError("INVALID_FLAGS", "bad", "fix it", "ignored"))
	require.NoError(t, w.WriteError("NO_HINT", "bad"))

	dec := json.NewDecoder(buf)
	m := decodeLine(t, dec)
	require.Equal(t, "error", m["type"])
	require.Equal(t, "INVALID_FLAGS", m["code"])
	require.Equal(t, "fix it", m["hint"])
	m = decodeLine(t, dec)
	require.NotContains(t, m, "hint")
}

func TestWriteLeadershipAndTransition(t *testing.T) {
	buf := &bytes.Buffer{}
	w := NewNDJSONWriter(buf)
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, w.WriteLeadership("tab-a", true, "leader", now))
	require.NoError(t, w.WriteTransition(domain.NewSessionTransition("tab-a", "s1", "idle", "starting", "activity", now)))

	dec := json.NewDecoder(buf)
	m := decodeLine(t, dec)
	require.Equal(t, "leadership", m["type"])
	require.Equal(t, true, m["is_leader"])
	require.EqualValues(t, now.UnixMilli(), m["timestamp"])
	m = decodeLine(t, dec)
	require.Equal(t, "session_debug", m["type"])
	require.Equal(t, "starting", m["to"])
}

func TestNDJSONWriterConcurrentLinesStayWhole(t *testing.T) {
	buf := &bytes.Buffer{}
	w := NewNDJSONWriter(buf)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = w.WriteEvent("tab", domain.Event{ID: "x", Kind: domain.EventScroll})
		}()
	}
	wg.Wait()

	dec := json.NewDecoder(buf)
	for i := 0; i < 20; i++ {
		m := decodeLine(t, dec)
		assert.Equal(t, "event", m["type"])
	}
	assert.False(t, dec.More())
}

func TestSignalsCountAndSummarize(t *testing.T) {
	buf := &bytes.Buffer{}
	counters := NewCounters()
	a := NewSignals(NewNDJSONWriter(buf), "tab-a", counters)
	b := NewSignals(nil, "tab-b", counters)

	a.OnEvent(domain.Event{Kind: domain.EventSessionStart, SessionID: "s2"})
	a.OnEvent(domain.Event{Kind: domain.EventClick, SessionID: "s2"})
	b.OnEvent(domain.Event{Kind: domain.EventClick, SessionID: "s1"})
	b.OnQueue(domain.QueueSignal{Status: domain.QueueFlushed})
	b.OnQueue(domain.QueueSignal{Status: domain.QueueFailed, Error: errors.New("boom").Error()})

	assert.Equal(t, 3, counters.TakeSinceHeartbeat())
	assert.Equal(t, 0, counters.TakeSinceHeartbeat())

	s := counters.Summary("run", 1500)
	assert.Equal(t, 3, s.Events)
	assert.Equal(t, map[string]int{"session_start": 1, "click": 2}, s.ByKind)
	assert.Equal(t, map[string]int{"flushed": 1, "failed": 1}, s.Queue)
	assert.Equal(t, []string{"s1", "s2"}, s.Sessions)

	lines := bytes.Count(buf.Bytes(), []byte("\n"))
	assert.Equal(t, 2, lines, "only the writer-backed observer prints")
}
