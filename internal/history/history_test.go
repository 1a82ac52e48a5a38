//go:build !no_history

package history

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tuya-dp-bridge/internal/coordinator"
)

type fakeWriter struct {
	mu      sync.Mutex
	points  []*write.Point
	flushes int
}

func (w *fakeWriter) WritePoint(p *write.Point) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.points = append(w.points, p)
}

func (w *fakeWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.flushes++
}

func (w *fakeWriter) Points() []*write.Point {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]*write.Point(nil), w.points...)
}

func tagsOf(p *write.Point) map[string]string {
	out := map[string]string{}
	for _, t := range p.TagList() {
		out[t.Key] = t.Value
	}
	return out
}

func fieldsOf(p *write.Point) map[string]any {
	out := map[string]any{}
	for _, f := range p.FieldList() {
		out[f.Key] = f.Value
	}
	return out
}

var ts = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestReportPointNumeric(t *testing.T) {
	p := reportPoint("tuya_attributes", coordinator.AttributeReport{
		IEEE:         "A4C138D0E1F20304",
		FriendlyName: "bedroom",
		Endpoint:     1,
		ClusterID:    0x0402,
		Cluster:      "temperature",
		Attribute:    "measured_value",
		Value:        int16(2370),
		DP:           1,
	}, ts)
	require.NotNil(t, p)

	assert.Equal(t, "tuya_attributes", p.Name())
	assert.Equal(t, ts, p.Time())
	assert.Equal(t, map[string]string{
		"ieee":      "A4C138D0E1F20304",
		"name":      "bedroom",
		"endpoint":  "1",
		"cluster":   "temperature",
		"attribute": "measured_value",
	}, tagsOf(p))
	assert.Equal(t, map[string]any{"value": 2370.0, "dp": int64(1)}, fieldsOf(p))
}

func TestReportPointValueKinds(t *testing.T) {
	tests := []struct {
		name   string
		value  any
		fields map[string]any
	}{
		{"bool on", true, map[string]any{"value": 1.0, "dp": int64(3)}},
		{"bool off", false, map[string]any{"value": 0.0, "dp": int64(3)}},
		{"uint8", uint8(174), map[string]any{"value": 174.0, "dp": int64(3)}},
		{"string", "_TZE200_bjawzodf", map[string]any{"text": "_TZE200_bjawzodf", "dp": int64(3)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := reportPoint("m", coordinator.AttributeReport{IEEE: "X", Value: tt.value, DP: 3}, ts)
			require.NotNil(t, p)
			assert.Equal(t, tt.fields, fieldsOf(p))
			assert.NotContains(t, tagsOf(p), "name")
		})
	}

	assert.Nil(t, reportPoint("m", coordinator.AttributeReport{Value: []byte{1, 2}}, ts))
}

func TestDiagnosticPoint(t *testing.T) {
	p := diagnosticPoint(coordinator.DiagnosticEvent{
		IEEE:  "A4C138D0E1F20304",
		Kind:  "unmapped_dp",
		DP:    9,
		Error: "engine: unmapped data point",
	}, ts)

	assert.Equal(t, "tuya_diagnostics", p.Name())
	assert.Equal(t, map[string]string{"ieee": "A4C138D0E1F20304", "kind": "unmapped_dp"}, tagsOf(p))
	assert.Equal(t, map[string]any{
		"count": int64(1),
		"dp":    int64(9),
		"error": "engine: unmapped data point",
	}, fieldsOf(p))
}

func TestRecorderSubscribes(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	events := coordinator.NewEventBus(logger)
	w := &fakeWriter{}
	r := newRecorder(w, events, "", true, logger)
	r.now = func() time.Time { return ts }
	r.Start()

	events.Emit(coordinator.Event{Type: coordinator.EventAttributeReport, Data: coordinator.AttributeReport{
		IEEE: "A", Cluster: "humidity", Attribute: "measured_value", Value: uint16(6120), Changed: true,
	}})
	// duplicate, skipped with ChangedOnly
	events.Emit(coordinator.Event{Type: coordinator.EventAttributeReport, Data: coordinator.AttributeReport{
		IEEE: "A", Cluster: "humidity", Attribute: "measured_value", Value: uint16(6120),
	}})
	events.Emit(coordinator.Event{Type: coordinator.EventDiagnostic, Data: coordinator.DiagnosticEvent{
		IEEE: "A", Kind: "malformed_frame",
	}})
	events.Emit(coordinator.Event{Type: coordinator.EventDeviceBound, Data: coordinator.DeviceEvent{IEEE: "A"}})

	points := w.Points()
	require.Len(t, points, 2)
	assert.Equal(t, "tuya_attributes", points[0].Name())
	assert.Equal(t, "tuya_diagnostics", points[1].Name())

	r.Stop()
	assert.Equal(t, 1, w.flushes)

	events.Emit(coordinator.Event{Type: coordinator.EventAttributeReport, Data: coordinator.AttributeReport{
		IEEE: "A", Value: 1, Changed: true,
	}})
	assert.Len(t, w.Points(), 2, "no points after Stop")
}
