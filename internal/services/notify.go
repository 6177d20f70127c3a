package services

import (
	"fmt"

	pubnub "github.com/pubnub/go"

	"booking-engine/models"
)

// Notifier pushes booking lifecycle events to the user's realtime
// channel. Delivery is best effort; the booking flow never blocks on
// it.
type Notifier interface {
	BookingEvent(userID, event string, booking *models.Booking)
}

// PubNubNotifier publishes to per-user channels (user-{id}).
type PubNubNotifier struct {
	pn *pubnub.PubNub
}

func NewPubNubNotifier(pn *pubnub.PubNub) *PubNubNotifier {
	return &PubNubNotifier{pn: pn}
}

func (n *PubNubNotifier) BookingEvent(userID, event string, booking *models.Booking) {
	n.pn.Publish().
		Channel(fmt.Sprintf("user-%s", userID)).
		Message(map[string]any{
			"type":       "booking_" + event,
			"booking_id": booking.ID,
			"event_id":   booking.EventID,
			"unit_ids":   booking.UnitIDs,
			"status":     string(booking.Status),
		}).
		Execute()
}

// NopNotifier is used when realtime notifications are not configured.
type NopNotifier struct{}

func (NopNotifier) BookingEvent(string, string, *models.Booking) {}
