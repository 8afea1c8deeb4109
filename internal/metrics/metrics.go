package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	dto "github.com/prometheus/client_model/go"
)

// Event names recorded under p2p_relay_events_total{event=...}.
const (
	RoomsCreated       = "rooms_created"
	RoomsClosed        = "rooms_closed"
	RoomCreateFailures = "room_create_failures"
	PeersJoined        = "peers_joined"
	PeersLeft          = "peers_left"
	PeersTimedOut      = "peers_timed_out"
	HostMigrations     = "host_migrations"

	EndpointsDiscovered = "endpoints_discovered"
	EndpointsRegistered = "endpoints_registered"

	UDPDatagramsIn          = "udp_datagrams_in"
	UDPDatagramsForwarded   = "udp_datagrams_forwarded"
	UDPDatagramsFallback    = "udp_datagrams_control_fallback"
	UDPDroppedEmpty         = "udp_dropped_empty"
	UDPDroppedOversized     = "udp_dropped_oversized"
	UDPDroppedRateLimited   = "udp_dropped_rate_limited"
	UDPSendErrors           = "udp_send_errors"
	UDPDirectSends          = "udp_direct_sends"
	UDPDestinationsDenied   = "udp_destinations_denied"
	ControlPacketsDelivered = "control_packets_delivered"

	PunchTargetsSent = "punch_targets_sent"
	SignalsForwarded = "signals_forwarded"

	SignalingConnections    = "signaling_connections"
	SignalingAuthFailures   = "signaling_auth_failures"
	SignalingRateLimited    = "signaling_rate_limited"
	SignalingQueueOverflow  = "signaling_queue_overflow"
	SignalingPacketsDropped = "signaling_packets_dropped"
	SignalingMessagesIn     = "signaling_messages_in"
	SignalingMessageErrors  = "signaling_message_errors"
	SignalingUnknownMessage = "signaling_unknown_message"

	STUNSuccess     = "stun_success"
	STUNNotSTUN     = "stun_not_stun"
	STUNWriteErrors = "stun_write_errors"
)

// Metrics owns the process' Prometheus registry.
//
// Counters are exposed as a single vector labelled by event so call sites can
// stay as terse as the constants above. All methods are safe on a nil
// receiver, which lets packages run without metrics in tests.
type Metrics struct {
	reg *prometheus.Registry

	events         *prometheus.CounterVec
	forwardedBytes prometheus.Counter
	roomsOpen      prometheus.Gauge
	peersActive    prometheus.Gauge

	mu     sync.Mutex
	cached map[string]prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "p2p_relay_events_total",
			Help: "Relay lifecycle and datagram events.",
		}, []string{"event"}),
		forwardedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "p2p_relay_udp_forwarded_bytes_total",
			Help: "Payload bytes forwarded between peers over UDP.",
		}),
		roomsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "p2p_relay_rooms_open",
			Help: "Relay rooms with a bound UDP socket.",
		}),
		peersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "p2p_relay_peers_active",
			Help: "Peers currently attached to a relay room.",
		}),
		cached: make(map[string]prometheus.Counter),
	}
	m.reg.MustRegister(
		m.events,
		m.forwardedBytes,
		m.roomsOpen,
		m.peersActive,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry backing /metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) counter(name string) prometheus.Counter {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cached[name]
	if !ok {
		c = m.events.WithLabelValues(name)
		m.cached[name] = c
	}
	return c
}

func (m *Metrics) Inc(name string) {
	if m == nil {
		return
	}
	m.counter(name).Inc()
}

func (m *Metrics) Add(name string, n uint64) {
	if m == nil || n == 0 {
		return
	}
	m.counter(name).Add(float64(n))
}

// Get returns the current value of an event counter.
func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	var pb dto.Metric
	if err := m.counter(name).Write(&pb); err != nil {
		return 0
	}
	return uint64(pb.GetCounter().GetValue())
}

func (m *Metrics) AddForwardedBytes(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.forwardedBytes.Add(float64(n))
}

func (m *Metrics) SetRoomsOpen(n int) {
	if m == nil {
		return
	}
	m.roomsOpen.Set(float64(n))
}

func (m *Metrics) SetPeersActive(n int) {
	if m == nil {
		return
	}
	m.peersActive.Set(float64(n))
}
