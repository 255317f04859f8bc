// Package queue implements the slot-token scheduling engine: atomic
// token issuance, the in-order serving state machine, adaptive
// service-time estimation, cascading wait-time recomputation, and the
// real-time fan-out that follows every transition.
package queue

import (
	"context"
	"log"
	"time"

	"mediq/queue-service/internal/models"
	"mediq/queue-service/internal/schedule"
	"mediq/queue-service/internal/store"

	"github.com/google/uuid"
)

// cancelWindow is the minimum lead before the estimated service time
// for a patient-initiated cancellation.
const cancelWindow = 2 * time.Hour

type Engine struct {
	store     store.Store
	directory Directory
	publisher Publisher
	notifier  Notifier
	now       func() time.Time
}

type Options struct {
	// Now overrides the engine clock, for tests.
	Now func() time.Time
}

func NewEngine(st store.Store, directory Directory, publisher Publisher, notifier Notifier, options Options) *Engine {
	now := options.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Engine{
		store:     st,
		directory: directory,
		publisher: publisher,
		notifier:  notifier,
		now:       now,
	}
}

// TokenGrant is the result of a successful booking.
type TokenGrant struct {
	Appointment    models.Appointment `json:"appointment"`
	TokenIndex     int                `json:"token_index"`
	EstimatedStart time.Time          `json:"estimated_start"`
}

// CompleteResult reports the measured consultation and the queue state
// it left behind.
type CompleteResult struct {
	ServiceDurationSec int64         `json:"service_duration_sec"`
	ServiceMinutes     float64       `json:"service_minutes"`
	Snapshot           QueueSnapshot `json:"queue_snapshot"`
}

// IssueToken books the next token in a slot. The capacity-guarded
// counter increment in the store is the single synchronization point:
// concurrent bookings can never share an index. If the user or doctor
// lookup fails afterwards, the issuer compensates with a best-effort
// decrement; a crash in between leaves a permanent gap in the sequence,
// which is accepted.
func (e *Engine) IssueToken(ctx context.Context, slotID, userID string, travelTimeMin int) (TokenGrant, error) {
	now := e.now()

	slot, err := e.store.GetSlot(ctx, slotID)
	if err != nil {
		return TokenGrant{}, err
	}
	if !slot.IsActive || slot.Ended(now) {
		return TokenGrant{}, store.ErrSlotEnded
	}
	if slot.Full() {
		return TokenGrant{}, store.ErrSlotFull
	}

	slot, err = e.store.AllocateToken(ctx, slotID, now)
	if err != nil {
		return TokenGrant{}, err
	}
	tokenIndex := slot.TotalTokens

	slotStart, err := slot.StartAt()
	if err != nil {
		e.releaseToken(ctx, slotID)
		return TokenGrant{}, err
	}
	estimatedStart := schedule.EstimateStart(slotStart, tokenIndex, slot.AverageConsultMin)

	user, err := e.directory.LookupUser(ctx, userID)
	if err != nil {
		e.releaseToken(ctx, slotID)
		return TokenGrant{}, store.ErrDependencyMissing
	}
	doctor, err := e.directory.LookupDoctor(ctx, slot.DoctorID)
	if err != nil {
		e.releaseToken(ctx, slotID)
		return TokenGrant{}, store.ErrDependencyMissing
	}

	if travelTimeMin <= 0 {
		travelTimeMin = models.DefaultTravelTimeMin
	}
	appt, err := e.store.CreateAppointment(ctx, store.CreateAppointmentInput{
		AppointmentID:  uuid.NewString(),
		SlotID:         slotID,
		UserID:         user.UserID,
		DoctorID:       doctor.DoctorID,
		TokenIndex:     tokenIndex,
		EstimatedStart: estimatedStart,
		TravelTimeMin:  travelTimeMin,
		CreatedAt:      now,
	})
	if err != nil {
		e.releaseToken(ctx, slotID)
		return TokenGrant{}, err
	}

	e.notifier.Reschedule(ctx, slot, appt)
	e.notifier.BookingConfirmed(ctx, slot, appt, doctor)
	e.broadcastSnapshot(ctx, slot)

	log.Printf("token issued slot=%s appointment=%s token=%d", slotID, appt.AppointmentID, tokenIndex)
	return TokenGrant{Appointment: appt, TokenIndex: tokenIndex, EstimatedStart: estimatedStart}, nil
}

func (e *Engine) broadcastSnapshot(ctx context.Context, slot models.Slot) {
	appts, err := e.store.ListSlotAppointments(ctx, slot.SlotID)
	if err != nil {
		log.Printf("snapshot list failed slot=%s err=%v", slot.SlotID, err)
		return
	}
	snapshot := BuildSnapshot(slot, appts)
	e.publisher.Publish(SlotTopic(slot.SlotID), snapshot)
	e.publisher.Publish(TopicGlobal, snapshot)
}

func (e *Engine) releaseToken(ctx context.Context, slotID string) {
	if err := e.store.ReleaseToken(ctx, slotID); err != nil {
		log.Printf("token rollback failed slot=%s err=%v", slotID, err)
	}
}

// StartSession opens the one-time serving session for a slot and puts
// its lowest pending token into SERVING.
func (e *Engine) StartSession(ctx context.Context, slotID string) (QueueState, error) {
	started, err := e.store.BeginSession(ctx, slotID, e.now())
	if err != nil {
		return QueueState{}, err
	}

	e.cascade(ctx, started.Slot)

	log.Printf("session started slot=%s first_token=%d", slotID, started.Serving.TokenIndex)
	return e.queueState(started.Slot), nil
}

// StartServing moves one token into SERVING, enforcing strict index
// order and the single-serving invariant.
func (e *Engine) StartServing(ctx context.Context, appointmentID string) (models.Appointment, error) {
	transition, err := e.store.StartServing(ctx, appointmentID, e.now())
	if err != nil {
		return models.Appointment{}, err
	}

	e.cascade(ctx, transition.Slot)

	log.Printf("serving started slot=%s appointment=%s token=%d",
		transition.Slot.SlotID, appointmentID, transition.Appointment.TokenIndex)
	return transition.Appointment, nil
}

// Complete finishes the serving token, feeds the estimator with the
// measured duration, and auto-advances onto the next pending token.
func (e *Engine) Complete(ctx context.Context, appointmentID string, actualMinutes float64) (CompleteResult, error) {
	transition, err := e.store.CompleteServing(ctx, store.CompleteServingInput{
		AppointmentID: appointmentID,
		ActualMinutes: actualMinutes,
		Now:           e.now(),
	})
	if err != nil {
		return CompleteResult{}, err
	}

	snapshot := e.cascade(ctx, transition.Slot)

	var durationSec int64
	if transition.Appointment.ServiceDurationSec != nil {
		durationSec = *transition.Appointment.ServiceDurationSec
	}
	log.Printf("token completed slot=%s appointment=%s duration_sec=%d avg_min=%.1f",
		transition.Slot.SlotID, appointmentID, durationSec, transition.Slot.AverageConsultMin)
	return CompleteResult{
		ServiceDurationSec: durationSec,
		ServiceMinutes:     float64(durationSec) / 60,
		Snapshot:           snapshot,
	}, nil
}

// MarkWrong cancels a token without feeding the estimator, then
// advances the queue exactly as Complete does.
func (e *Engine) MarkWrong(ctx context.Context, appointmentID string) (QueueSnapshot, error) {
	transition, err := e.store.SkipServing(ctx, appointmentID, e.now())
	if err != nil {
		return QueueSnapshot{}, err
	}

	snapshot := e.cascade(ctx, transition.Slot)

	log.Printf("token skipped slot=%s appointment=%s", transition.Slot.SlotID, appointmentID)
	return snapshot, nil
}

// Cancel is the patient-initiated path, permitted only while the token
// is still pending and its estimated service time is far enough out.
func (e *Engine) Cancel(ctx context.Context, appointmentID string) error {
	now := e.now()

	appt, err := e.store.GetAppointment(ctx, appointmentID)
	if err != nil {
		return err
	}
	if !models.ActiveInQueue(appt.Status) {
		return store.ErrInvalidState
	}

	slot, err := e.store.GetSlot(ctx, appt.SlotID)
	if err != nil {
		return err
	}
	if !cancellable(appt, slot, now) {
		return store.ErrCancelWindow
	}

	if _, err := e.store.CancelAppointment(ctx, appointmentID, now); err != nil {
		return err
	}

	e.cascade(ctx, slot)

	log.Printf("token cancelled slot=%s appointment=%s token=%d", slot.SlotID, appointmentID, appt.TokenIndex)
	return nil
}

// cancellable applies the 2-hour window against the token's estimated
// start when one exists, falling back to the position-based wait.
func cancellable(appt models.Appointment, slot models.Slot, now time.Time) bool {
	if appt.EstimatedStart != nil {
		return appt.EstimatedStart.Sub(now) >= cancelWindow
	}
	wait := float64(schedule.Position(appt.TokenIndex, slot.CurrentToken)) * slot.AverageConsultMin
	return time.Duration(wait*float64(time.Minute)) >= cancelWindow
}

// GetSlotQueue is the synchronous snapshot pull, used by reconnecting
// subscribers instead of replaying missed broadcasts.
func (e *Engine) GetSlotQueue(ctx context.Context, slotID string) (QueueSnapshot, error) {
	slot, err := e.store.GetSlot(ctx, slotID)
	if err != nil {
		return QueueSnapshot{}, err
	}
	appts, err := e.store.ListSlotAppointments(ctx, slotID)
	if err != nil {
		return QueueSnapshot{}, err
	}
	return BuildSnapshot(slot, appts), nil
}

// GetQueueState returns the compact operator view of a queue.
func (e *Engine) GetQueueState(ctx context.Context, slotID string) (QueueState, error) {
	slot, err := e.store.GetSlot(ctx, slotID)
	if err != nil {
		return QueueState{}, err
	}
	appts, err := e.store.ListSlotAppointments(ctx, slotID)
	if err != nil {
		return QueueState{}, err
	}
	state := e.queueState(slot)
	for _, a := range appts {
		if models.ActiveInQueue(a.Status) {
			state.WaitingTokens = append(state.WaitingTokens, a.TokenIndex)
		}
	}
	return state, nil
}

func (e *Engine) queueState(slot models.Slot) QueueState {
	return QueueState{
		QueueID:              slot.SlotID,
		CurrentToken:         slot.CurrentToken,
		ServingAppointmentID: slot.ServingAppointmentID,
		AverageConsultMin:    slot.AverageConsultMin,
		LastUpdatedAt:        slot.UpdatedAt,
	}
}

// cascade runs the post-commit pipeline every transition triggers:
// recompute wait estimates for pending tokens (each recomputation
// reschedules that token's reminders), broadcast the slot snapshot and
// per-token position updates, then hand the advanced queue to the
// notifier. Broadcast never runs inside a store transaction.
func (e *Engine) cascade(ctx context.Context, slot models.Slot) QueueSnapshot {
	now := e.now()

	e.recalculate(ctx, slot, now)

	appts, err := e.store.ListSlotAppointments(ctx, slot.SlotID)
	if err != nil {
		log.Printf("cascade list error slot=%s err=%v", slot.SlotID, err)
	}

	snapshot := BuildSnapshot(slot, appts)
	e.publisher.Publish(SlotTopic(slot.SlotID), snapshot)
	e.publisher.Publish(TopicGlobal, snapshot)
	for _, update := range buildPositionUpdates(slot, appts, now) {
		e.publisher.Publish(AppointmentTopic(update.AppointmentID), update)
	}

	e.notifier.QueueAdvanced(ctx, slot, appts)
	return snapshot
}

// recalculate is the wait-time cascade: every pending token past the
// current position gets a fresh estimate from the slot timeline and the
// current average, persisted and handed to the notifier.
func (e *Engine) recalculate(ctx context.Context, slot models.Slot, now time.Time) {
	pending, err := e.store.ListPendingAfter(ctx, slot.SlotID, slot.CurrentToken)
	if err != nil {
		log.Printf("recalculate list error slot=%s err=%v", slot.SlotID, err)
		return
	}
	if len(pending) == 0 {
		return
	}

	slotStart, err := slot.StartAt()
	if err != nil {
		log.Printf("recalculate slot time error slot=%s err=%v", slot.SlotID, err)
		return
	}

	updates := make([]store.EstimateUpdate, 0, len(pending))
	for i := range pending {
		estimated := schedule.EstimateStart(slotStart, pending[i].TokenIndex, slot.AverageConsultMin)
		wait := schedule.WaitMinutes(estimated, now)
		updates = append(updates, store.EstimateUpdate{
			AppointmentID:  pending[i].AppointmentID,
			EstimatedStart: estimated,
			WaitMinutes:    wait,
		})
		estimatedCopy := estimated
		pending[i].EstimatedStart = &estimatedCopy
		pending[i].EstimatedWaitMin = wait
	}
	if err := e.store.UpdateEstimates(ctx, updates); err != nil {
		log.Printf("recalculate persist error slot=%s err=%v", slot.SlotID, err)
		return
	}

	for _, appt := range pending {
		e.notifier.Reschedule(ctx, slot, appt)
	}
}
