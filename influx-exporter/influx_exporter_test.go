package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zabeloliver/ha-companion/ha-api/haStructs"
)

type recordingWriter struct {
	lines []string
	err   error
}

func (w *recordingWriter) WriteRecord(_ context.Context, line ...string) error {
	w.lines = append(w.lines, line...)
	return w.err
}

var fixedNow = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func TestStateLine(t *testing.T) {
	tests := []struct {
		name   string
		change haStructs.StateChange
		want   string
	}{
		{
			name:   "numeric",
			change: haStructs.StateChange{EntityId: "sensor.temp", NewState: &haStructs.Entity{State: "21.5"}},
			want:   "ha_state,entity_id=sensor.temp,domain=sensor value=21.5 1709287200000000000",
		},
		{
			name:   "binary",
			change: haStructs.StateChange{EntityId: "light.kitchen", NewState: &haStructs.Entity{State: "off"}},
			want:   "ha_state,entity_id=light.kitchen,domain=light value=0 1709287200000000000",
		},
		{
			name:   "string field is escaped",
			change: haStructs.StateChange{EntityId: "media_player.tv", NewState: &haStructs.Entity{State: `say "hi"`}},
			want:   `ha_state,entity_id=media_player.tv,domain=media_player state="say \"hi\"" 1709287200000000000`,
		},
		{
			name:   "tag values are escaped",
			change: haStructs.StateChange{EntityId: "sensor.a b,c=d", NewState: &haStructs.Entity{State: "1"}},
			want:   `ha_state,entity_id=sensor.a\ b\,c\=d,domain=sensor value=1 1709287200000000000`,
		},
		{
			name: "last updated wins over now",
			change: haStructs.StateChange{EntityId: "sensor.temp", NewState: &haStructs.Entity{
				State: "3", LastUpdated: fixedNow.Add(-time.Second)}},
			want: "ha_state,entity_id=sensor.temp,domain=sensor value=3 1709287199000000000",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line, ok := stateLine(tt.change, fixedNow)
			require.True(t, ok)
			assert.Equal(t, tt.want, line)
		})
	}

	_, ok := stateLine(haStructs.StateChange{EntityId: "sensor.gone"}, fixedNow)
	assert.False(t, ok)
}

func TestWriteStreamEventsToInfluxDB(t *testing.T) {
	writer := &recordingWriter{}
	e := &influxExporter{writer: writer, logger: zap.NewNop().Sugar(), now: func() time.Time { return fixedNow }}

	e.writeStreamEventsToInfluxDB(haStructs.StreamEvent{
		EventType: haStructs.EventStateChanged,
		Payload: map[string]any{
			"entity_id": "sensor.temp",
			"new_state": map[string]any{"entity_id": "sensor.temp", "state": "19"},
		},
	})
	e.writeStreamEventsToInfluxDB(haStructs.StreamEvent{EventType: "call_service", Payload: map[string]any{}})

	assert.Equal(t, []string{"ha_state,entity_id=sensor.temp,domain=sensor value=19 1709287200000000000"}, writer.lines)
}

func TestWriteFailureIsNotFatal(t *testing.T) {
	writer := &recordingWriter{err: errors.New("bucket not found")}
	e := &influxExporter{writer: writer, logger: zap.NewNop().Sugar(), now: time.Now}

	assert.NotPanics(t, func() {
		e.writeStreamEventsToInfluxDB(haStructs.StreamEvent{
			EventType: haStructs.EventStateChanged,
			Payload: map[string]any{
				"entity_id": "switch.fan",
				"new_state": map[string]any{"entity_id": "switch.fan", "state": "on"},
			},
		})
	})
	assert.Len(t, writer.lines, 1)
}
