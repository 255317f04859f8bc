package store

import (
	"context"
	"time"

	"mediq/queue-service/internal/models"
)

type CreateAppointmentInput struct {
	AppointmentID  string
	SlotID         string
	UserID         string
	DoctorID       string
	TokenIndex     int
	EstimatedStart time.Time
	TravelTimeMin  int
	CreatedAt      time.Time
}

type CompleteServingInput struct {
	AppointmentID string
	// ActualMinutes is the operator-supplied duration, used only when the
	// serving start was never recorded. Zero means not supplied.
	ActualMinutes float64
	Now           time.Time
}

// SessionStart is the result of opening a slot's serving session.
type SessionStart struct {
	Slot    models.Slot
	Serving models.Appointment
}

// Transition is the result of a serving-state mutation. NextServing is
// set when the operation auto-advanced the queue onto another token.
type Transition struct {
	Slot        models.Slot
	Appointment models.Appointment
	NextServing *models.Appointment
}

// EstimateUpdate carries a recomputed wait estimate for one token.
type EstimateUpdate struct {
	AppointmentID  string
	EstimatedStart time.Time
	WaitMinutes    int
}

// Notification flags persisted per appointment. Each is set at most once.
const (
	FlagEarlyWarning = "early_warning"
	FlagApproaching  = "approaching"
	FlagYourTurn     = "your_turn"
)

type Store interface {
	GetSlot(ctx context.Context, slotID string) (models.Slot, error)
	GetAppointment(ctx context.Context, appointmentID string) (models.Appointment, error)

	// AllocateToken atomically increments the slot's token counter,
	// enforcing capacity in the same statement. The returned slot carries
	// the post-increment TotalTokens, which is the new token's index.
	AllocateToken(ctx context.Context, slotID string, now time.Time) (models.Slot, error)
	// ReleaseToken is the best-effort compensating decrement used when a
	// booking fails after allocation. It is not transactional with the
	// original increment.
	ReleaseToken(ctx context.Context, slotID string) error
	CreateAppointment(ctx context.Context, input CreateAppointmentInput) (models.Appointment, error)

	BeginSession(ctx context.Context, slotID string, now time.Time) (SessionStart, error)
	StartServing(ctx context.Context, appointmentID string, now time.Time) (Transition, error)
	CompleteServing(ctx context.Context, input CompleteServingInput) (Transition, error)
	SkipServing(ctx context.Context, appointmentID string, now time.Time) (Transition, error)
	CancelAppointment(ctx context.Context, appointmentID string, now time.Time) (models.Appointment, error)

	// ListSlotAppointments returns every non-cancelled appointment of the
	// slot in token order.
	ListSlotAppointments(ctx context.Context, slotID string) ([]models.Appointment, error)
	// ListPendingAfter returns BOOKED/WAITING appointments with
	// TokenIndex > afterIndex, in token order.
	ListPendingAfter(ctx context.Context, slotID string, afterIndex int) ([]models.Appointment, error)
	UpdateEstimates(ctx context.Context, updates []EstimateUpdate) error

	// ListOpenForDate returns appointments still pending for the given
	// slot date, used by the notification sweep.
	ListOpenForDate(ctx context.Context, date string) ([]models.Appointment, error)
	// SetNotificationFlag flips a per-appointment flag and reports whether
	// this call actually flipped it, so each reminder fires exactly once.
	SetNotificationFlag(ctx context.Context, appointmentID, flag string) (bool, error)
}
