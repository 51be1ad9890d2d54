package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/yairfalse/tarkka/orchestrator"
)

// daemonMetrics observes scheduler state at collection time.
type daemonMetrics struct {
	jobs   metric.Int64ObservableGauge
	uptime metric.Float64ObservableGauge
}

func newDaemonMetrics(provider metric.MeterProvider, orch *orchestrator.Orchestrator) (*daemonMetrics, error) {
	meter := provider.Meter("tarkka.daemon")
	start := time.Now()

	jobs, err := meter.Int64ObservableGauge(
		"tarkka.jobs.registered",
		metric.WithDescription("Registered jobs by state"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		return nil, err
	}

	uptime, err := meter.Float64ObservableGauge(
		"tarkka.daemon.uptime",
		metric.WithDescription("Seconds since the daemon started"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		counts := map[orchestrator.JobState]int64{}
		for _, info := range orch.Jobs() {
			counts[info.State]++
		}
		for _, state := range []orchestrator.JobState{
			orchestrator.StateIdle,
			orchestrator.StateLocked,
			orchestrator.StateRunning,
			orchestrator.StateSkipped,
		} {
			o.ObserveInt64(jobs, counts[state], metric.WithAttributes(attribute.String("state", string(state))))
		}
		o.ObserveFloat64(uptime, time.Since(start).Seconds())
		return nil
	}, jobs, uptime)
	if err != nil {
		return nil, err
	}

	return &daemonMetrics{jobs: jobs, uptime: uptime}, nil
}

// HealthStatus represents daemon health
type HealthStatus struct {
	Status string `json:"status"`
	Uptime int64  `json:"uptime_seconds"`
	Jobs   int    `json:"jobs"`
}

// Health returns daemon health status
func (d *Daemon) Health() HealthStatus {
	return HealthStatus{
		Status: "healthy",
		Uptime: int64(time.Since(d.startTime).Seconds()),
		Jobs:   len(d.orchestrator.Jobs()),
	}
}

func (d *Daemon) serveHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, d.Health())
}

type jobView struct {
	ID       string    `json:"id"`
	Schedule string    `json:"schedule"`
	State    string    `json:"state"`
	Next     time.Time `json:"next"`
	Last     string    `json:"last_status,omitempty"`
	LastRun  time.Time `json:"last_run,omitempty"`
}

func (d *Daemon) serveJobs(w http.ResponseWriter, _ *http.Request) {
	infos := d.orchestrator.Jobs()
	views := make([]jobView, 0, len(infos))
	for _, info := range infos {
		views = append(views, jobView{
			ID:       info.ID,
			Schedule: info.Schedule,
			State:    string(info.State),
			Next:     info.Next,
			Last:     string(info.Last.Status),
			LastRun:  info.Last.StartedAt,
		})
	}
	writeJSON(w, views)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
