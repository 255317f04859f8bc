package models

import "time"

type Appointment struct {
	AppointmentID    string     `json:"appointment_id"`
	SlotID           string     `json:"slot_id"`
	UserID           string     `json:"user_id"`
	DoctorID         string     `json:"doctor_id"`
	TokenIndex       int        `json:"token_index"`
	Status           string     `json:"status"`
	EstimatedStart   *time.Time `json:"estimated_start,omitempty"`
	EstimatedWaitMin int        `json:"estimated_wait_min"`
	ServingStartedAt *time.Time `json:"serving_started_at,omitempty"`
	ServingEndedAt   *time.Time `json:"serving_ended_at,omitempty"`
	ServiceDurationSec *int64   `json:"service_duration_sec,omitempty"`
	TravelTimeMin    int        `json:"travel_time_min"`
	NotifiedEarly    bool       `json:"-"`
	NotifiedApproach bool       `json:"-"`
	NotifiedYourTurn bool       `json:"-"`
	Subscribed       bool       `json:"-"`
	NotifyTokensAway int        `json:"-"`
	CreatedAt        time.Time  `json:"created_at"`
}

const (
	StatusBooked    = "BOOKED"
	StatusWaiting   = "WAITING"
	StatusServing   = "SERVING"
	StatusCompleted = "COMPLETED"
	StatusCancelled = "CANCELLED"
)

// DefaultTravelTimeMin is assumed when a booking carries no travel estimate.
const DefaultTravelTimeMin = 15

// Terminal reports whether no further transition is possible.
func Terminal(status string) bool {
	return status == StatusCompleted || status == StatusCancelled
}

// ActiveInQueue reports whether the appointment still occupies a place
// in the waiting line.
func ActiveInQueue(status string) bool {
	return status == StatusBooked || status == StatusWaiting
}
