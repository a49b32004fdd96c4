package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	block  chan struct{}
}

func (s *recordingSink) Emit(_ context.Context, event Event) {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
}

func (s *recordingSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestNewDispatcherDisabledIsNil(t *testing.T) {
	d := NewDispatcher(Config{Enabled: false}, &recordingSink{})
	assert.Nil(t, d)

	// Nil dispatchers are safe to use.
	d.Emit(context.Background(), Event{EventType: "authentication"})
	d.Close()
	assert.Zero(t, d.Dropped())
}

func TestDispatcherCloseDrainsQueue(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(Config{Enabled: true, BufferSize: 16}, sink)

	for i := 0; i < 10; i++ {
		d.Emit(context.Background(), Event{EventType: "authentication"})
	}
	d.Close()
	d.Close()

	assert.Equal(t, 10, sink.len())

	d.Emit(context.Background(), Event{EventType: "late"})
	assert.Equal(t, 10, sink.len())
}

func TestDispatcherDropIfFullCountsDrops(t *testing.T) {
	sink := &recordingSink{block: make(chan struct{})}
	d := NewDispatcher(Config{Enabled: true, BufferSize: 1, DropIfFull: true}, sink)

	// One event is held by the blocked sink and one fills the buffer.
	for i := 0; i < 5; i++ {
		d.Emit(context.Background(), Event{EventType: "authentication"})
		time.Sleep(5 * time.Millisecond)
	}
	assert.GreaterOrEqual(t, d.Dropped(), uint64(3))

	close(sink.block)
	d.Close()
}

func TestDispatcherBlockingEmitHonoursContext(t *testing.T) {
	sink := &recordingSink{block: make(chan struct{})}
	d := NewDispatcher(Config{Enabled: true, BufferSize: 1}, sink)

	d.Emit(context.Background(), Event{EventType: "first"})
	time.Sleep(5 * time.Millisecond)
	d.Emit(context.Background(), Event{EventType: "second"})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		d.Emit(ctx, Event{EventType: "third"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("blocking emit did not return after context expiry")
	}
	assert.Zero(t, d.Dropped())

	close(sink.block)
	d.Close()
	assert.Equal(t, 2, sink.len())
}

func TestJSONWriterSinkWritesOneLinePerEvent(t *testing.T) {
	var buf bytes.Buffer
	sink := NewJSONWriterSink(&buf)

	sink.Emit(context.Background(), Event{EventType: "authentication", Result: "success", Success: true, Protocol: "imap"})
	sink.Emit(context.Background(), Event{EventType: "asp_created", Result: "success", Success: true})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var got Event
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &got))
	assert.Equal(t, "authentication", got.EventType)
	assert.Equal(t, "imap", got.Protocol)
	assert.NotContains(t, lines[1], "identifier")

	var nilSink *JSONWriterSink
	nilSink.Emit(context.Background(), Event{})
}

func TestSlogSinkLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	sink := NewSlogSink(logger)

	sink.Emit(context.Background(), Event{
		EventType: "authentication",
		Result:    "fail",
		IP:        "198.51.100.7",
		Metadata:  map[string]string{"credential": "primary"},
	})

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "WARN", rec["level"])
	assert.Equal(t, "198.51.100.7", rec["ip"])
	assert.Equal(t, "primary", rec["meta.credential"])
	_, hasAccount := rec["account_id"]
	assert.False(t, hasAccount)
}

func TestChannelSink(t *testing.T) {
	sink := NewChannelSink(0)
	sink.Emit(context.Background(), Event{EventType: "authentication"})

	ev := <-sink.Events()
	assert.Equal(t, "authentication", ev.EventType)

	// A full channel gives up when the context ends.
	sink.Emit(context.Background(), Event{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sink.Emit(ctx, Event{EventType: "dropped"})
	assert.Len(t, sink.Events(), 1)
}
