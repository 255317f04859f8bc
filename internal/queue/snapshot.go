package queue

import (
	"math"
	"time"

	"mediq/queue-service/internal/models"
	"mediq/queue-service/internal/schedule"
)

const minPreviewTokens = 5

// StatusAvailable marks synthetic snapshot entries for indexes nobody
// has booked yet, so subscribers can preview upcoming availability.
const StatusAvailable = "AVAILABLE"

type TokenEntry struct {
	Index          int        `json:"index"`
	Status         string     `json:"status"`
	EstimatedStart *time.Time `json:"estimated_start,omitempty"`
	AppointmentID  *string    `json:"appointment_id,omitempty"`
	UserID         *string    `json:"user_id,omitempty"`
}

// QueueSnapshot is the slot-scoped broadcast shape and the payload of
// the synchronous pull used on reconnect.
type QueueSnapshot struct {
	SlotID                string       `json:"slot_id"`
	Date                  string       `json:"date"`
	StartTime             string       `json:"start_time"`
	EndTime               string       `json:"end_time"`
	CurrentToken          int          `json:"current_token"`
	TotalTokens           int          `json:"total_tokens"`
	ServingSessionStarted bool         `json:"serving_session_started"`
	ServingAppointmentID  *string      `json:"serving_appointment_id,omitempty"`
	AverageConsultMin     float64      `json:"average_consultation_time"`
	Tokens                []TokenEntry `json:"tokens"`
}

// PositionUpdate is the token-scoped broadcast shape. The position map
// lets one message refresh every subscribed client in a single trip.
type PositionUpdate struct {
	AppointmentID        string         `json:"appointment_id"`
	QueueID              string         `json:"queue_id"`
	CurrentToken         int            `json:"current_token"`
	ServingAppointmentID *string        `json:"serving_appointment_id,omitempty"`
	YourTokenNumber      int            `json:"your_token_number"`
	PositionInQueue      int            `json:"position_in_queue"`
	EstimatedWaitMin     int            `json:"estimated_wait_min"`
	AverageConsultMin    float64        `json:"average_consultation_time"`
	LastUpdatedAt        time.Time      `json:"last_updated_at"`
	PositionInQueueMap   map[string]int `json:"position_in_queue_map,omitempty"`
}

// QueueState is the compact pull shape for operators.
type QueueState struct {
	QueueID              string    `json:"queue_id"`
	CurrentToken         int       `json:"current_token"`
	ServingAppointmentID *string   `json:"serving_appointment_id,omitempty"`
	WaitingTokens        []int     `json:"waiting_tokens"`
	AverageConsultMin    float64   `json:"average_consultation_time"`
	LastUpdatedAt        time.Time `json:"last_updated_at"`
}

// BuildSnapshot assembles the full queue picture for a slot. Indexes
// without an appointment are filled in as AVAILABLE up to
// max(totalTokens, booked count, minPreviewTokens).
func BuildSnapshot(slot models.Slot, appts []models.Appointment) QueueSnapshot {
	slotStart, _ := slot.StartAt()

	byIndex := make(map[int]models.Appointment, len(appts))
	for _, a := range appts {
		byIndex[a.TokenIndex] = a
	}

	maxTokens := slot.TotalTokens
	if len(appts) > maxTokens {
		maxTokens = len(appts)
	}
	if maxTokens < minPreviewTokens {
		maxTokens = minPreviewTokens
	}

	tokens := make([]TokenEntry, 0, maxTokens)
	for i := 1; i <= maxTokens; i++ {
		if a, ok := byIndex[i]; ok {
			appointmentID := a.AppointmentID
			userID := a.UserID
			tokens = append(tokens, TokenEntry{
				Index:          i,
				Status:         a.Status,
				EstimatedStart: a.EstimatedStart,
				AppointmentID:  &appointmentID,
				UserID:         &userID,
			})
			continue
		}
		estimated := schedule.EstimateStart(slotStart, i, slot.AverageConsultMin)
		tokens = append(tokens, TokenEntry{
			Index:          i,
			Status:         StatusAvailable,
			EstimatedStart: &estimated,
		})
	}

	return QueueSnapshot{
		SlotID:                slot.SlotID,
		Date:                  slot.Date,
		StartTime:             slot.StartTime,
		EndTime:               slot.EndTime,
		CurrentToken:          slot.CurrentToken,
		TotalTokens:           slot.TotalTokens,
		ServingSessionStarted: slot.ServingSessionStarted,
		ServingAppointmentID:  slot.ServingAppointmentID,
		AverageConsultMin:     slot.AverageConsultMin,
		Tokens:                tokens,
	}
}

// buildPositionUpdates produces one token-scoped message per live
// appointment, each carrying the shared position map.
func buildPositionUpdates(slot models.Slot, appts []models.Appointment, now time.Time) []PositionUpdate {
	positions := make(map[string]int, len(appts))
	for _, a := range appts {
		positions[a.AppointmentID] = schedule.Position(a.TokenIndex, slot.CurrentToken)
	}

	updates := make([]PositionUpdate, 0, len(appts))
	for _, a := range appts {
		position := positions[a.AppointmentID]
		wait := int(math.Round(float64(position) * slot.AverageConsultMin))
		updates = append(updates, PositionUpdate{
			AppointmentID:        a.AppointmentID,
			QueueID:              slot.SlotID,
			CurrentToken:         slot.CurrentToken,
			ServingAppointmentID: slot.ServingAppointmentID,
			YourTokenNumber:      a.TokenIndex,
			PositionInQueue:      position,
			EstimatedWaitMin:     wait,
			AverageConsultMin:    slot.AverageConsultMin,
			LastUpdatedAt:        now,
			PositionInQueueMap:   positions,
		})
	}
	return updates
}
