// Package metrics holds the rover's Prometheus collectors and serves them over HTTP.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rover_control_tick_duration_seconds",
		Help:    "Time spent inside one control tick",
		Buckets: []float64{.0001, .00025, .0005, .001, .0025, .005, .01, .025},
	})
	TickOverruns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rover_control_tick_overruns_total",
		Help: "Ticks that took longer than the control period",
	})
	CommandsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rover_commands_received_total",
		Help: "Commands applied by the control loop by type",
	}, []string{"type"})
	CommandsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rover_commands_dropped_total",
		Help: "Commands dropped because the command queue was full",
	})
	DecodeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rover_decode_errors_total",
		Help: "Malformed messages dropped by transport",
	}, []string{"transport"})
	BusSendErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rover_bus_send_errors_total",
		Help: "Motor bus frames that could not be delivered",
	})
	BusFramesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rover_bus_frames_received_total",
		Help: "Frames drained from the motor bus",
	})
	Mode = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rover_mode",
		Help: "Current operating mode (0 disabled, 1 idle, 2 teleop, 3 autonomous, 4 estop, 5 fault)",
	})
	ModeTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rover_mode_transitions_total",
		Help: "Mode changes by source and destination mode",
	}, []string{"from", "to"})
	ConnectedClients = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rover_connected_clients",
		Help: "Connected operator stream clients by listener",
	}, []string{"listener"})
	SinkErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rover_telemetry_sink_errors_total",
		Help: "Failed telemetry sink writes by sink",
	}, []string{"sink"})
)
