package bridge

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics collects bridge performance metrics for Prometheus exposition.
type Metrics struct {
	// Matrix ingestion counters
	transactionsReceived  atomic.Int64
	transactionsDuplicate atomic.Int64
	eventsProcessed       atomic.Int64
	eventsIgnored         atomic.Int64

	// Forwarding counters
	matrixToRocketchat atomic.Int64
	rocketchatToMatrix atomic.Int64
	forwardingFailed   atomic.Int64

	// Webhook counters
	webhooksReceived atomic.Int64
	webhooksRejected atomic.Int64

	// Lifecycle counters
	adminRoomsCreated   atomic.Int64
	roomsBridged        atomic.Int64
	virtualUsersCreated atomic.Int64

	// Error counters
	matrixAPIErrors     atomic.Int64
	rocketchatAPIErrors atomic.Int64

	// Realtime counters
	realtimeReconnectAttempts  atomic.Int64
	realtimeReconnectSuccesses atomic.Int64

	// Gauges
	adminRooms          atomic.Int64
	realtimeConnections atomic.Int64

	// Latency histograms (manual implementation, no external deps)
	matrixToRocketchatLatency *histogram
	rocketchatToMatrixLatency *histogram

	// Per-type event counters
	eventsByType sync.Map // map[string]*atomic.Int64

	startTime time.Time
}

// NewMetrics creates a new Metrics instance.
func NewMetrics() *Metrics {
	return &Metrics{
		startTime:                 time.Now(),
		matrixToRocketchatLatency: newHistogram(defaultBuckets),
		rocketchatToMatrixLatency: newHistogram(defaultBuckets),
	}
}

// --- Counter increments ---

func (m *Metrics) IncrTransactionsReceived()       { m.transactionsReceived.Add(1) }
func (m *Metrics) IncrTransactionsDuplicate()      { m.transactionsDuplicate.Add(1) }
func (m *Metrics) IncrEventsProcessed()            { m.eventsProcessed.Add(1) }
func (m *Metrics) IncrEventsIgnored()              { m.eventsIgnored.Add(1) }
func (m *Metrics) IncrMatrixToRocketchat()         { m.matrixToRocketchat.Add(1) }
func (m *Metrics) IncrRocketchatToMatrix()         { m.rocketchatToMatrix.Add(1) }
func (m *Metrics) IncrForwardingFailed()           { m.forwardingFailed.Add(1) }
func (m *Metrics) IncrWebhooksReceived()           { m.webhooksReceived.Add(1) }
func (m *Metrics) IncrWebhooksRejected()           { m.webhooksRejected.Add(1) }
func (m *Metrics) IncrAdminRoomsCreated()          { m.adminRoomsCreated.Add(1) }
func (m *Metrics) IncrRoomsBridged()               { m.roomsBridged.Add(1) }
func (m *Metrics) IncrVirtualUsersCreated()        { m.virtualUsersCreated.Add(1) }
func (m *Metrics) IncrMatrixAPIErrors()            { m.matrixAPIErrors.Add(1) }
func (m *Metrics) IncrRocketchatAPIErrors()        { m.rocketchatAPIErrors.Add(1) }
func (m *Metrics) IncrRealtimeReconnectAttempts()  { m.realtimeReconnectAttempts.Add(1) }
func (m *Metrics) IncrRealtimeReconnectSuccesses() { m.realtimeReconnectSuccesses.Add(1) }

// IncrEventsByType increments the counter for a specific event type label.
func (m *Metrics) IncrEventsByType(direction, eventType string) {
	key := direction + ":" + eventType
	val, _ := m.eventsByType.LoadOrStore(key, &atomic.Int64{})
	val.(*atomic.Int64).Add(1)
}

// --- Gauge setters ---

func (m *Metrics) SetAdminRooms(n int64)          { m.adminRooms.Store(n) }
func (m *Metrics) AddAdminRooms(delta int64)      { m.adminRooms.Add(delta) }
func (m *Metrics) SetRealtimeConnections(n int64) { m.realtimeConnections.Store(n) }

// --- Latency observations ---

// ObserveMatrixToRocketchatLatency records the time taken to forward a message
// from Matrix to Rocket.Chat.
func (m *Metrics) ObserveMatrixToRocketchatLatency(d time.Duration) {
	m.matrixToRocketchatLatency.observe(d.Seconds())
}

// ObserveRocketchatToMatrixLatency records the time taken to forward a message
// from Rocket.Chat to Matrix.
func (m *Metrics) ObserveRocketchatToMatrixLatency(d time.Duration) {
	m.rocketchatToMatrixLatency.observe(d.Seconds())
}

// --- Health ---

// HealthStatus returns a structured health status.
func (m *Metrics) HealthStatus() map[string]interface{} {
	return map[string]interface{}{
		"uptime_secs": time.Since(m.startTime).Seconds(),
		"admin_rooms": m.adminRooms.Load(),
		"realtime":    m.realtimeConnections.Load(),
		"transactions": map[string]int64{
			"received":  m.transactionsReceived.Load(),
			"duplicate": m.transactionsDuplicate.Load(),
		},
		"events": map[string]int64{
			"processed": m.eventsProcessed.Load(),
			"ignored":   m.eventsIgnored.Load(),
		},
		"forwarded": map[string]int64{
			"matrix_to_rocketchat": m.matrixToRocketchat.Load(),
			"rocketchat_to_matrix": m.rocketchatToMatrix.Load(),
			"failed":               m.forwardingFailed.Load(),
		},
		"errors": map[string]int64{
			"matrix_api":     m.matrixAPIErrors.Load(),
			"rocketchat_api": m.rocketchatAPIErrors.Load(),
		},
	}
}

// --- Prometheus exposition ---

// Handler returns an HTTP handler that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		m.writeMetrics(w)
	})
}

func (m *Metrics) writeMetrics(w http.ResponseWriter) {
	uptime := time.Since(m.startTime).Seconds()

	// Uptime
	writeGauge(w, "matrix_rocketchat_uptime_seconds", "Bridge uptime in seconds", uptime)

	// Matrix ingestion
	writeCounter(w, "matrix_rocketchat_transactions_received_total", "Total transactions pushed by the homeserver", float64(m.transactionsReceived.Load()))
	writeCounter(w, "matrix_rocketchat_transactions_duplicate_total", "Total transactions acknowledged without processing because their id was already seen", float64(m.transactionsDuplicate.Load()))
	writeCounter(w, "matrix_rocketchat_events_processed_total", "Total Matrix events processed", float64(m.eventsProcessed.Load()))
	writeCounter(w, "matrix_rocketchat_events_ignored_total", "Total Matrix events skipped by the dispatcher filters", float64(m.eventsIgnored.Load()))

	// Forwarding
	writeCounter(w, "matrix_rocketchat_forwarded_matrix_to_rocketchat_total", "Total messages forwarded from Matrix to Rocket.Chat", float64(m.matrixToRocketchat.Load()))
	writeCounter(w, "matrix_rocketchat_forwarded_rocketchat_to_matrix_total", "Total messages forwarded from Rocket.Chat to Matrix", float64(m.rocketchatToMatrix.Load()))
	writeCounter(w, "matrix_rocketchat_forwarding_failed_total", "Total failed message deliveries", float64(m.forwardingFailed.Load()))

	// Webhooks
	writeCounter(w, "matrix_rocketchat_webhooks_received_total", "Total Rocket.Chat webhook requests received", float64(m.webhooksReceived.Load()))
	writeCounter(w, "matrix_rocketchat_webhooks_rejected_total", "Total Rocket.Chat webhook requests rejected by admission", float64(m.webhooksRejected.Load()))

	// Lifecycle
	writeCounter(w, "matrix_rocketchat_admin_rooms_created_total", "Total admin rooms created", float64(m.adminRoomsCreated.Load()))
	writeCounter(w, "matrix_rocketchat_rooms_bridged_total", "Total Matrix rooms bridged to Rocket.Chat channels", float64(m.roomsBridged.Load()))
	writeCounter(w, "matrix_rocketchat_virtual_users_created_total", "Total virtual Matrix users registered", float64(m.virtualUsersCreated.Load()))
	writeGauge(w, "matrix_rocketchat_admin_rooms", "Number of open admin rooms", float64(m.adminRooms.Load()))

	// Errors
	writeCounter(w, "matrix_rocketchat_matrix_api_errors_total", "Total Matrix homeserver API errors", float64(m.matrixAPIErrors.Load()))
	writeCounter(w, "matrix_rocketchat_rocketchat_api_errors_total", "Total Rocket.Chat API errors", float64(m.rocketchatAPIErrors.Load()))

	// Realtime
	writeCounter(w, "matrix_rocketchat_realtime_reconnect_attempts_total", "Total realtime reconnection attempts", float64(m.realtimeReconnectAttempts.Load()))
	writeCounter(w, "matrix_rocketchat_realtime_reconnect_successes_total", "Total successful realtime reconnections", float64(m.realtimeReconnectSuccesses.Load()))
	writeGauge(w, "matrix_rocketchat_realtime_connections", "Number of open realtime connections", float64(m.realtimeConnections.Load()))

	// Latency histograms
	m.matrixToRocketchatLatency.writePrometheus(w, "matrix_rocketchat_matrix_to_rocketchat_latency_seconds", "Message forwarding latency from Matrix to Rocket.Chat")
	m.rocketchatToMatrixLatency.writePrometheus(w, "matrix_rocketchat_rocketchat_to_matrix_latency_seconds", "Message forwarding latency from Rocket.Chat to Matrix")

	// Per-type event counters
	var typeKeys []string
	m.eventsByType.Range(func(key, _ interface{}) bool {
		typeKeys = append(typeKeys, key.(string))
		return true
	})
	sort.Strings(typeKeys)

	if len(typeKeys) > 0 {
		fmt.Fprintf(w, "# HELP matrix_rocketchat_events_by_type_total Events by direction and type\n")
		fmt.Fprintf(w, "# TYPE matrix_rocketchat_events_by_type_total counter\n")
		for _, key := range typeKeys {
			val, _ := m.eventsByType.Load(key)
			count := val.(*atomic.Int64).Load()
			// key format: "direction:eventType"
			direction, eventType := splitTypeKey(key)
			fmt.Fprintf(w, "matrix_rocketchat_events_by_type_total{direction=%q,event_type=%q} %d\n", direction, eventType, count)
		}
		fmt.Fprintln(w)
	}
}

// --- Helpers ---

func writeCounter(w http.ResponseWriter, name, help string, value float64) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s counter\n", name)
	fmt.Fprintf(w, "%s %g\n\n", name, value)
}

func writeGauge(w http.ResponseWriter, name, help string, value float64) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s gauge\n", name)
	fmt.Fprintf(w, "%s %g\n\n", name, value)
}

func splitTypeKey(key string) (string, string) {
	for i, c := range key {
		if c == ':' {
			return key[:i], key[i+1:]
		}
	}
	return key, "unknown"
}

// --- Histogram ---

// Default latency buckets in seconds: 10ms, 25ms, 50ms, 100ms, 250ms, 500ms, 1s, 2.5s, 5s, 10s
var defaultBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0}

type histogram struct {
	mu      sync.Mutex
	buckets []float64
	counts  []uint64 // counts[i] = observations <= buckets[i]
	total   uint64
	sum     float64
}

func newHistogram(buckets []float64) *histogram {
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

func (h *histogram) observe(value float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.total++
	h.sum += value

	for i, b := range h.buckets {
		if value <= b {
			h.counts[i]++
		}
	}
}

func (h *histogram) writePrometheus(w http.ResponseWriter, name, help string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s histogram\n", name)

	for i, b := range h.buckets {
		label := fmt.Sprintf("%g", b)
		fmt.Fprintf(w, "%s_bucket{le=%q} %d\n", name, label, h.counts[i])
	}
	fmt.Fprintf(w, "%s_bucket{le=\"+Inf\"} %d\n", name, h.total)
	fmt.Fprintf(w, "%s_sum %s\n", name, formatFloat(h.sum))
	fmt.Fprintf(w, "%s_count %d\n\n", name, h.total)
}

func formatFloat(f float64) string {
	if f == 0 {
		return "0"
	}
	if f == math.Trunc(f) {
		return fmt.Sprintf("%.1f", f)
	}
	return fmt.Sprintf("%g", f)
}
