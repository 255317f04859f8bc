package queue

import (
	"context"

	"mediq/queue-service/internal/models"
)

// User and Doctor are the projections the engine needs from the
// account system it does not own.
type User struct {
	UserID string
	Name   string
	Email  string
	Phone  string
}

type Doctor struct {
	DoctorID   string
	Name       string
	Speciality string
}

// Directory resolves users and doctors. A failed lookup during booking
// rolls the allocated token back.
type Directory interface {
	LookupUser(ctx context.Context, userID string) (User, error)
	LookupDoctor(ctx context.Context, doctorID string) (Doctor, error)
}

// Publisher is the topic-scoped fan-out the engine broadcasts through.
// Publish must not block the caller; delivery is best effort.
type Publisher interface {
	Publish(topic string, message interface{})
}

// Notifier receives the engine's notification triggers. Implementations
// must never fail a queue transition: delivery problems are theirs to
// log and swallow.
type Notifier interface {
	// Reschedule re-evaluates the timed reminder flags for one token
	// after its estimate changed.
	Reschedule(ctx context.Context, slot models.Slot, appt models.Appointment)
	// QueueAdvanced runs the subscription-aware proximity pushes after
	// the serving position moved.
	QueueAdvanced(ctx context.Context, slot models.Slot, appts []models.Appointment)
	// BookingConfirmed announces a freshly issued token to its owner.
	BookingConfirmed(ctx context.Context, slot models.Slot, appt models.Appointment, doctor Doctor)
}

// Broadcast topics. Slot and appointment topics are scoped; the global
// topic carries every snapshot for observability consumers.
const TopicGlobal = "queue:events"

func SlotTopic(slotID string) string { return "slot:" + slotID }

func AppointmentTopic(appointmentID string) string { return "appointment:" + appointmentID }
