package events

import (
	"bytes"
	"encoding/json"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryPublisherConcurrent(t *testing.T) {
	p := NewMemoryPublisher()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Publish(Event{Name: "epoch_end"})
		}()
	}
	wg.Wait()
	assert.Len(t, p.Events(), 20)
}

func TestOrNoop(t *testing.T) {
	assert.IsType(t, Noop{}, OrNoop(nil))
	mp := NewMemoryPublisher()
	assert.Same(t, mp, OrNoop(mp))
	OrNoop(nil).Publish(Event{Name: "dropped"})
}

func TestLogPublisherWritesFields(t *testing.T) {
	var buf bytes.Buffer
	p := LogPublisher{Logger: zerolog.New(&buf).Level(zerolog.DebugLevel)}
	p.Publish(Event{Name: "artifact_saved", Subject: "run-1", Fields: map[string]any{"path": "/tmp/m.tmr"}})

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "artifact_saved", line["event"])
	assert.Equal(t, "run-1", line["subject"])
	assert.Equal(t, "/tmp/m.tmr", line["path"])
}
