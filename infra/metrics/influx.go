package metrics

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	coremetrics "github.com/kilianp07/switchyard/core/metrics"
	"github.com/kilianp07/switchyard/infra/logger"
)

const writeTimeout = 5 * time.Second

// InfluxConfig holds the InfluxDB v2 connection settings.
type InfluxConfig struct {
	URL    string `json:"url"`
	Token  string `json:"token"`
	Org    string `json:"org"`
	Bucket string `json:"bucket"`
}

// InfluxSink writes switch history to an InfluxDB instance using the official client.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	log      logger.Logger
}

var (
	_ coremetrics.Sink             = (*InfluxSink)(nil)
	_ coremetrics.CommandRecorder  = (*InfluxSink)(nil)
	_ coremetrics.PresenceRecorder = (*InfluxSink)(nil)
	_ coremetrics.LeakRecorder     = (*InfluxSink)(nil)
)

// NewInfluxSink creates a new sink configured for the given InfluxDB endpoint.
func NewInfluxSink(cfg InfluxConfig) *InfluxSink {
	base := strings.TrimSuffix(cfg.URL, "/api/v2/write")
	client := influxdb2.NewClientWithOptions(base, cfg.Token,
		influxdb2.DefaultOptions().SetHTTPClient(&http.Client{Timeout: writeTimeout}))
	return &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		log:      logger.New("influx-sink"),
	}
}

// NewInfluxSinkWithFallback pings the InfluxDB instance and returns a
// NopSink if the health check fails.
func NewInfluxSinkWithFallback(cfg InfluxConfig) coremetrics.Sink {
	sink := NewInfluxSink(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	health, err := sink.client.Health(ctx)
	if err != nil || health.Status != "pass" {
		if err != nil {
			sink.log.Errorf("influx health check error: %v", err)
		} else {
			sink.log.Errorf("influx health status: %s", health.Status)
		}
		sink.client.Close()
		return coremetrics.NopSink{}
	}
	return sink
}

// Close releases the HTTP client.
func (s *InfluxSink) Close() { s.client.Close() }

func (s *InfluxSink) write(p *write.Point) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return s.writeAPI.WritePoint(ctx, p)
}

// RecordStateChange writes one switch_state point.
func (s *InfluxSink) RecordStateChange(ev coremetrics.StateChange) error {
	p := write.NewPointWithMeasurement("switch_state").
		AddTag("controller_id", ev.ControllerID).
		AddTag("switch_id", ev.SwitchID).
		AddTag("source", ev.Source.String())
	if ev.Classroom != "" {
		p = p.AddTag("classroom", ev.Classroom)
	}
	p = p.AddField("state", ev.State).
		AddField("sequence", int64(ev.Sequence)).
		SetTime(ev.Time)
	return s.write(p)
}

// RecordCommand writes one switch_command point.
func (s *InfluxSink) RecordCommand(ev coremetrics.CommandResult) error {
	p := write.NewPointWithMeasurement("switch_command").
		AddTag("controller_id", ev.ControllerID).
		AddTag("switch_id", ev.SwitchID).
		AddTag("batch_id", ev.BatchID).
		AddTag("success", strconv.FormatBool(ev.Success))
	if ev.Kind != "" {
		p = p.AddTag("kind", ev.Kind)
	}
	p = p.AddField("state", ev.State).
		AddField("attempts", ev.Attempts).
		AddField("latency_ms", ev.Latency.Milliseconds()).
		SetTime(ev.Time)
	return s.write(p)
}

// RecordPresence writes one controller_presence point.
func (s *InfluxSink) RecordPresence(ev coremetrics.Presence) error {
	p := write.NewPointWithMeasurement("controller_presence").
		AddTag("controller_id", ev.ControllerID)
	if ev.Classroom != "" {
		p = p.AddTag("classroom", ev.Classroom)
	}
	p = p.AddField("online", ev.Online).SetTime(ev.Time)
	return s.write(p)
}

// RecordLeak writes one counter_leak point.
func (s *InfluxSink) RecordLeak(ev coremetrics.Leak) error {
	p := write.NewPointWithMeasurement("counter_leak").
		AddTag("controller_id", ev.ControllerID).
		AddField("count", ev.Count).
		SetTime(ev.Time)
	return s.write(p)
}
