package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	lockAcquisitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unit_lock_acquisitions_total",
			Help: "Lock acquisition attempts by outcome",
		},
		[]string{"event_id", "outcome"},
	)

	bookingOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "booking_operations_total",
			Help: "Booking operations (hold, confirm, cancel, expire) by outcome",
		},
		[]string{"operation", "status"},
	)

	heldUnits = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "held_units_total",
			Help: "Currently held units per event",
		},
		[]string{"event_id"},
	)

	holdDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hold_duration_seconds",
			Help:    "Time from hold to terminal transition",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		},
		[]string{"outcome"},
	)

	breakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "payment_breaker_state",
			Help: "Payment circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
	)

	expiryTasksProcessed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "expiry_tasks_processed_total",
			Help: "Expiry tasks consumed from the delayed queue",
		},
	)
)

// Monitor is the metrics facade the services report into.
type Monitor struct{}

func NewMonitor() *Monitor {
	return &Monitor{}
}

func (m *Monitor) TrackLockAcquisition(eventID string, acquired bool) {
	outcome := "acquired"
	if !acquired {
		outcome = "conflict"
	}
	lockAcquisitions.WithLabelValues(eventID, outcome).Inc()
}

func (m *Monitor) TrackBookingOperation(operation, status string) {
	bookingOperations.WithLabelValues(operation, status).Inc()
}

func (m *Monitor) SetHeldUnits(eventID string, n int) {
	heldUnits.WithLabelValues(eventID).Set(float64(n))
}

func (m *Monitor) TrackHoldDuration(outcome string, d time.Duration) {
	holdDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func (m *Monitor) SetBreakerState(state int) {
	breakerState.Set(float64(state))
}

func (m *Monitor) TrackExpiryTask() {
	expiryTasksProcessed.Inc()
}
