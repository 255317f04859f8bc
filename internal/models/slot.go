package models

import (
	"time"
)

// Slot is one bounded service window owned by a doctor. The slot row is
// the only contended record per queue: token allocation and every
// serving transition serialize on it.
type Slot struct {
	SlotID                string    `json:"slot_id"`
	DoctorID              string    `json:"doctor_id"`
	Date                  string    `json:"date"`       // 2006-01-02
	StartTime             string    `json:"start_time"` // 15:04
	EndTime               string    `json:"end_time"`   // 15:04
	Capacity              *int      `json:"capacity,omitempty"`
	TotalTokens           int       `json:"total_tokens"`
	CurrentToken          int       `json:"current_token"`
	ServingAppointmentID  *string   `json:"serving_appointment_id,omitempty"`
	ServingSessionStarted bool      `json:"serving_session_started"`
	AverageConsultMin     float64   `json:"average_consultation_time"`
	TotalServiceSeconds   int64     `json:"-"`
	ConsultationsCount    int       `json:"-"`
	IsActive              bool      `json:"is_active"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// StartAt parses the slot's date and start time into a wall-clock instant.
func (s Slot) StartAt() (time.Time, error) {
	return time.ParseInLocation("2006-01-02 15:04", s.Date+" "+s.StartTime, time.UTC)
}

// EndAt parses the slot's date and end time.
func (s Slot) EndAt() (time.Time, error) {
	return time.ParseInLocation("2006-01-02 15:04", s.Date+" "+s.EndTime, time.UTC)
}

// Ended reports whether the slot's window is already past at now.
func (s Slot) Ended(now time.Time) bool {
	end, err := s.EndAt()
	if err != nil {
		return false
	}
	return !now.Before(end)
}

// Full reports whether the optional capacity has been reached.
func (s Slot) Full() bool {
	return s.Capacity != nil && s.TotalTokens >= *s.Capacity
}
