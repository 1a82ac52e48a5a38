//go:build !no_history

// Package history records translated attribute reports and diagnostics as
// InfluxDB points.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"tuya-dp-bridge/internal/coordinator"
)

var ErrConnectionFailed = errors.New("history: influxdb connection failed")

const (
	defaultMeasurement    = "tuya_attributes"
	diagnosticMeasurement = "tuya_diagnostics"
	pingTimeout           = 10 * time.Second
)

// Config holds InfluxDB connection settings.
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
	// Measurement names the attribute measurement. Defaults to tuya_attributes.
	Measurement string
	// BatchSize and FlushInterval tune the non-blocking write API.
	BatchSize     uint
	FlushInterval time.Duration
	// ChangedOnly skips reports that repeat the previous value.
	ChangedOnly bool
}

// pointWriter is the part of api.WriteAPI the recorder uses.
type pointWriter interface {
	WritePoint(point *write.Point)
	Flush()
}

// Recorder turns coordinator events into InfluxDB points. Writes are
// batched and never block the event bus.
type Recorder struct {
	client      influxdb2.Client
	writer      pointWriter
	events      *coordinator.EventBus
	measurement string
	changedOnly bool
	now         func() time.Time
	logger      *slog.Logger
	unsubs      []func()
}

// New connects to InfluxDB and verifies it is reachable.
func New(cfg Config, events *coordinator.EventBus, logger *slog.Logger) (*Recorder, error) {
	opts := influxdb2.DefaultOptions()
	if cfg.BatchSize > 0 {
		opts.SetBatchSize(cfg.BatchSize)
	}
	if cfg.FlushInterval > 0 {
		opts.SetFlushInterval(uint(cfg.FlushInterval / time.Millisecond))
	}
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, opts)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	r := newRecorder(writeAPI, events, cfg.Measurement, cfg.ChangedOnly, logger)
	r.client = client
	go func() {
		for err := range writeAPI.Errors() {
			r.logger.Warn("influxdb write failed", "err", err)
		}
	}()
	return r, nil
}

func newRecorder(w pointWriter, events *coordinator.EventBus, measurement string, changedOnly bool, logger *slog.Logger) *Recorder {
	if measurement == "" {
		measurement = defaultMeasurement
	}
	return &Recorder{
		writer:      w,
		events:      events,
		measurement: measurement,
		changedOnly: changedOnly,
		now:         time.Now,
		logger:      logger.With("component", "history"),
	}
}

// Start subscribes to attribute reports and diagnostics.
func (r *Recorder) Start() {
	r.unsubs = append(r.unsubs,
		r.events.On(coordinator.EventAttributeReport, r.handleReport),
		r.events.On(coordinator.EventDiagnostic, r.handleDiagnostic),
	)
	r.logger.Info("history recorder started", "measurement", r.measurement)
}

// Stop unsubscribes, flushes pending points and closes the client.
func (r *Recorder) Stop() {
	for _, unsub := range r.unsubs {
		unsub()
	}
	r.unsubs = nil
	r.writer.Flush()
	if r.client != nil {
		r.client.Close()
	}
	r.logger.Info("history recorder stopped")
}

func (r *Recorder) handleReport(event coordinator.Event) {
	rep, ok := event.Data.(coordinator.AttributeReport)
	if !ok {
		return
	}
	if r.changedOnly && !rep.Changed {
		return
	}
	p := reportPoint(r.measurement, rep, r.now())
	if p == nil {
		r.logger.Debug("report value not recordable", "ieee", rep.IEEE, "attribute", rep.Attribute, "type", fmt.Sprintf("%T", rep.Value))
		return
	}
	r.writer.WritePoint(p)
}

func (r *Recorder) handleDiagnostic(event coordinator.Event) {
	d, ok := event.Data.(coordinator.DiagnosticEvent)
	if !ok {
		return
	}
	r.writer.WritePoint(diagnosticPoint(d, r.now()))
}

// reportPoint builds the point for one report. Values are the raw ZCL
// attribute values; booleans become 0 or 1 and strings go to a separate
// text field so the value field keeps a single type. Other types yield nil.
func reportPoint(measurement string, rep coordinator.AttributeReport, ts time.Time) *write.Point {
	tags := map[string]string{
		"ieee":      rep.IEEE,
		"endpoint":  strconv.Itoa(int(rep.Endpoint)),
		"cluster":   rep.Cluster,
		"attribute": rep.Attribute,
	}
	if rep.FriendlyName != "" {
		tags["name"] = rep.FriendlyName
	}
	fields := map[string]interface{}{
		"dp": int64(rep.DP),
	}
	switch v := rep.Value.(type) {
	case bool:
		if v {
			fields["value"] = 1.0
		} else {
			fields["value"] = 0.0
		}
	case string:
		fields["text"] = v
	default:
		f, ok := toFloat64(v)
		if !ok {
			return nil
		}
		fields["value"] = f
	}
	return write.NewPoint(measurement, tags, fields, ts)
}

func diagnosticPoint(d coordinator.DiagnosticEvent, ts time.Time) *write.Point {
	tags := map[string]string{
		"ieee": d.IEEE,
		"kind": d.Kind,
	}
	fields := map[string]interface{}{
		"count": int64(1),
		"dp":    int64(d.DP),
	}
	if d.Error != "" {
		fields["error"] = d.Error
	}
	return write.NewPoint(diagnosticMeasurement, tags, fields, ts)
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
