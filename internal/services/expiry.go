package services

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"booking-engine/internal/taskqueue"
	"booking-engine/models"
	"booking-engine/monitoring"
)

// ExpiryWorker drains the delayed expiry queue and converges lapsed
// holds. It also restores tasks for pending bookings at boot, so a
// crash between hold and task submit cannot leak a hold forever.
type ExpiryWorker struct {
	queue    taskqueue.Queue
	bookings *BookingService
	clock    Clock
	metrics  *monitoring.Monitor
}

func NewExpiryWorker(queue taskqueue.Queue, bookings *BookingService, clock Clock) *ExpiryWorker {
	return &ExpiryWorker{queue: queue, bookings: bookings, clock: clock}
}

// SetMonitor attaches the metrics facade; nil disables reporting.
func (w *ExpiryWorker) SetMonitor(m *monitoring.Monitor) { w.metrics = m }

// Start begins consuming due tasks. Stop with Shutdown.
func (w *ExpiryWorker) Start() {
	w.queue.Consume(w.handle)
}

func (w *ExpiryWorker) handle(ctx context.Context, taskID string, payload []byte) error {
	var task models.ExpiryTask
	if err := json.Unmarshal(payload, &task); err != nil || task.BookingID == "" {
		// Tasks are keyed by booking id, so a bad payload is still
		// actionable.
		task.BookingID = taskID
	}
	if w.metrics != nil {
		w.metrics.TrackExpiryTask()
	}
	return w.bookings.Expire(ctx, task.BookingID)
}

// RestorePending re-schedules an expiry task for every pending booking.
// Submit is deduplicated by booking id, so this is safe to run on every
// boot and alongside live traffic.
func (w *ExpiryWorker) RestorePending(ctx context.Context) error {
	pending, err := w.bookings.bookings.ListPendingBookings(ctx)
	if err != nil {
		return err
	}

	now := w.clock.Now()
	restored := 0
	for _, b := range pending {
		delay := time.Duration(0)
		if b.ExpiresAt != nil && b.ExpiresAt.After(now) {
			delay = b.ExpiresAt.Sub(now)
		}
		payload, _ := json.Marshal(models.ExpiryTask{BookingID: b.ID, ScheduledAt: now.Add(delay)})
		added, err := w.queue.Submit(ctx, b.ID, payload, delay)
		if err != nil {
			slog.Error("expiry restore: submit failed", "booking_id", b.ID, "error", err)
			continue
		}
		if added {
			restored++
		}
	}
	if restored > 0 {
		slog.Info("expiry tasks restored", "count", restored)
	}
	return nil
}

func (w *ExpiryWorker) Shutdown() {
	w.queue.Shutdown()
}
