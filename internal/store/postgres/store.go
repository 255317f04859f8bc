package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"mediq/queue-service/internal/models"
	"mediq/queue-service/internal/schedule"
	"mediq/queue-service/internal/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const slotColumns = `
	slot_id, doctor_id, date, start_time, end_time, capacity,
	total_tokens, current_token, serving_appointment_id, serving_session_started,
	average_consult_min, total_service_seconds, consultations_count, is_active, updated_at`

const appointmentColumns = `
	appointment_id, slot_id, user_id, doctor_id, token_index, status,
	estimated_start, estimated_wait_min, serving_started_at, serving_ended_at,
	service_duration_sec, travel_time_min, notified_early, notified_approaching,
	notified_your_turn, subscribed, notify_tokens_away, created_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSlot(row rowScanner) (models.Slot, error) {
	var slot models.Slot
	var capacityNull sql.NullInt64
	var servingNull sql.NullString
	if err := row.Scan(
		&slot.SlotID, &slot.DoctorID, &slot.Date, &slot.StartTime, &slot.EndTime, &capacityNull,
		&slot.TotalTokens, &slot.CurrentToken, &servingNull, &slot.ServingSessionStarted,
		&slot.AverageConsultMin, &slot.TotalServiceSeconds, &slot.ConsultationsCount, &slot.IsActive, &slot.UpdatedAt,
	); err != nil {
		return models.Slot{}, err
	}
	if capacityNull.Valid {
		capacity := int(capacityNull.Int64)
		slot.Capacity = &capacity
	}
	if servingNull.Valid {
		slot.ServingAppointmentID = &servingNull.String
	}
	return slot, nil
}

func scanAppointment(row rowScanner) (models.Appointment, error) {
	var appt models.Appointment
	var estimatedNull, startedNull, endedNull sql.NullTime
	var durationNull sql.NullInt64
	if err := row.Scan(
		&appt.AppointmentID, &appt.SlotID, &appt.UserID, &appt.DoctorID, &appt.TokenIndex, &appt.Status,
		&estimatedNull, &appt.EstimatedWaitMin, &startedNull, &endedNull,
		&durationNull, &appt.TravelTimeMin, &appt.NotifiedEarly, &appt.NotifiedApproach,
		&appt.NotifiedYourTurn, &appt.Subscribed, &appt.NotifyTokensAway, &appt.CreatedAt,
	); err != nil {
		return models.Appointment{}, err
	}
	appt.EstimatedStart = nullTimePtr(estimatedNull)
	appt.ServingStartedAt = nullTimePtr(startedNull)
	appt.ServingEndedAt = nullTimePtr(endedNull)
	if durationNull.Valid {
		appt.ServiceDurationSec = &durationNull.Int64
	}
	return appt, nil
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time
	return &t
}

func (s *Store) GetSlot(ctx context.Context, slotID string) (models.Slot, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+slotColumns+` FROM slots WHERE slot_id = $1`, slotID)
	slot, err := scanSlot(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Slot{}, store.ErrSlotNotFound
		}
		return models.Slot{}, err
	}
	return slot, nil
}

func (s *Store) GetAppointment(ctx context.Context, appointmentID string) (models.Appointment, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE appointment_id = $1`, appointmentID)
	appt, err := scanAppointment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Appointment{}, store.ErrAppointmentNotFound
		}
		return models.Appointment{}, err
	}
	return appt, nil
}

// AllocateToken is the booking synchronization point: one atomic
// capacity-guarded increment, so competing bookings can never observe
// the same post-increment counter.
func (s *Store) AllocateToken(ctx context.Context, slotID string, now time.Time) (models.Slot, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE slots
		SET total_tokens = total_tokens + 1,
			updated_at = $2
		WHERE slot_id = $1 AND (capacity IS NULL OR total_tokens < capacity)
		RETURNING `+slotColumns, slotID, now)
	slot, err := scanSlot(row)
	if err == nil {
		return slot, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.Slot{}, err
	}
	if _, getErr := s.GetSlot(ctx, slotID); getErr != nil {
		return models.Slot{}, getErr
	}
	return models.Slot{}, store.ErrSlotFull
}

func (s *Store) ReleaseToken(ctx context.Context, slotID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE slots
		SET total_tokens = total_tokens - 1
		WHERE slot_id = $1 AND total_tokens > 0
	`, slotID)
	return err
}

func (s *Store) CreateAppointment(ctx context.Context, input store.CreateAppointmentInput) (models.Appointment, error) {
	travelTime := input.TravelTimeMin
	if travelTime <= 0 {
		travelTime = models.DefaultTravelTimeMin
	}
	waitMin := schedule.WaitMinutes(input.EstimatedStart, input.CreatedAt)
	row := s.pool.QueryRow(ctx, `
		INSERT INTO appointments (
			appointment_id, slot_id, user_id, doctor_id, token_index, status,
			estimated_start, estimated_wait_min, travel_time_min, notify_tokens_away, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING `+appointmentColumns,
		input.AppointmentID, input.SlotID, input.UserID, input.DoctorID, input.TokenIndex,
		models.StatusBooked, input.EstimatedStart, waitMin, travelTime, 2, input.CreatedAt)
	return scanAppointment(row)
}

func (s *Store) BeginSession(ctx context.Context, slotID string, now time.Time) (store.SessionStart, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return store.SessionStart{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	slot, err := lockSlot(ctx, tx, slotID)
	if err != nil {
		return store.SessionStart{}, err
	}
	if slot.ServingSessionStarted {
		err = store.ErrSessionStarted
		return store.SessionStart{}, err
	}

	first, err := lockNextPending(ctx, tx, slotID, 0)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.ErrNoWaiting
		}
		return store.SessionStart{}, err
	}

	if err = setServing(ctx, tx, &first, now); err != nil {
		return store.SessionStart{}, err
	}
	slot.ServingSessionStarted = true
	slot.CurrentToken = first.TokenIndex
	slot.ServingAppointmentID = &first.AppointmentID
	slot.UpdatedAt = now
	if err = saveSlotQueueState(ctx, tx, slot); err != nil {
		return store.SessionStart{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return store.SessionStart{}, err
	}
	return store.SessionStart{Slot: slot, Serving: first}, nil
}

func (s *Store) StartServing(ctx context.Context, appointmentID string, now time.Time) (store.Transition, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return store.Transition{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	appt, err := lockAppointment(ctx, tx, appointmentID)
	if err != nil {
		return store.Transition{}, err
	}
	slot, err := lockSlot(ctx, tx, appt.SlotID)
	if err != nil {
		return store.Transition{}, err
	}

	if !store.ValidTransition("start_serving", appt.Status) {
		err = store.ErrInvalidState
		return store.Transition{}, err
	}
	if slot.ServingAppointmentID != nil && *slot.ServingAppointmentID != appointmentID {
		err = store.ErrAlreadyServing
		return store.Transition{}, err
	}
	if appt.TokenIndex != slot.CurrentToken+1 {
		err = store.ErrOutOfOrder
		return store.Transition{}, err
	}

	if err = setServing(ctx, tx, &appt, now); err != nil {
		return store.Transition{}, err
	}
	slot.CurrentToken = appt.TokenIndex
	slot.ServingAppointmentID = &appt.AppointmentID
	slot.UpdatedAt = now
	if err = saveSlotQueueState(ctx, tx, slot); err != nil {
		return store.Transition{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return store.Transition{}, err
	}
	return store.Transition{Slot: slot, Appointment: appt}, nil
}

func (s *Store) CompleteServing(ctx context.Context, input store.CompleteServingInput) (store.Transition, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return store.Transition{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	appt, err := lockAppointment(ctx, tx, input.AppointmentID)
	if err != nil {
		return store.Transition{}, err
	}
	slot, err := lockSlot(ctx, tx, appt.SlotID)
	if err != nil {
		return store.Transition{}, err
	}

	if !store.ValidTransition("complete", appt.Status) {
		err = store.ErrInvalidState
		return store.Transition{}, err
	}
	if slot.ServingAppointmentID == nil || *slot.ServingAppointmentID != appt.AppointmentID {
		err = store.ErrInvalidState
		return store.Transition{}, err
	}

	durationSec, durationMin := schedule.ServiceDuration(appt, slot.AverageConsultMin, input.ActualMinutes, input.Now)
	schedule.Observe(&slot, durationSec, durationMin)

	appt.Status = models.StatusCompleted
	endedAt := input.Now
	appt.ServingEndedAt = &endedAt
	appt.ServiceDurationSec = &durationSec
	_, err = tx.Exec(ctx, `
		UPDATE appointments
		SET status = $2, serving_ended_at = $3, service_duration_sec = $4
		WHERE appointment_id = $1
	`, appt.AppointmentID, appt.Status, endedAt, durationSec)
	if err != nil {
		return store.Transition{}, err
	}

	next, err := advanceQueue(ctx, tx, &slot, appt.TokenIndex, input.Now)
	if err != nil {
		return store.Transition{}, err
	}
	if err = saveSlotAverages(ctx, tx, slot); err != nil {
		return store.Transition{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return store.Transition{}, err
	}
	return store.Transition{Slot: slot, Appointment: appt, NextServing: next}, nil
}

func (s *Store) SkipServing(ctx context.Context, appointmentID string, now time.Time) (store.Transition, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return store.Transition{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	appt, err := lockAppointment(ctx, tx, appointmentID)
	if err != nil {
		return store.Transition{}, err
	}
	slot, err := lockSlot(ctx, tx, appt.SlotID)
	if err != nil {
		return store.Transition{}, err
	}

	if !store.ValidTransition("skip", appt.Status) {
		err = store.ErrInvalidState
		return store.Transition{}, err
	}
	wasServing := slot.ServingAppointmentID != nil && *slot.ServingAppointmentID == appt.AppointmentID
	if appt.Status == models.StatusServing && !wasServing {
		err = store.ErrInvalidState
		return store.Transition{}, err
	}

	appt.Status = models.StatusCancelled
	_, err = tx.Exec(ctx, `
		UPDATE appointments SET status = $2 WHERE appointment_id = $1
	`, appt.AppointmentID, appt.Status)
	if err != nil {
		return store.Transition{}, err
	}

	var next *models.Appointment
	if wasServing || (slot.ServingSessionStarted && slot.ServingAppointmentID == nil) {
		next, err = advanceQueue(ctx, tx, &slot, slot.CurrentToken, now)
		if err != nil {
			return store.Transition{}, err
		}
	}
	slot.UpdatedAt = now
	if err = saveSlotQueueState(ctx, tx, slot); err != nil {
		return store.Transition{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return store.Transition{}, err
	}
	return store.Transition{Slot: slot, Appointment: appt, NextServing: next}, nil
}

func (s *Store) CancelAppointment(ctx context.Context, appointmentID string, now time.Time) (models.Appointment, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2
		WHERE appointment_id = $1 AND status IN ($3, $4)
		RETURNING `+appointmentColumns,
		appointmentID, models.StatusCancelled, models.StatusBooked, models.StatusWaiting)
	appt, err := scanAppointment(row)
	if err == nil {
		return appt, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.Appointment{}, err
	}
	if _, getErr := s.GetAppointment(ctx, appointmentID); getErr != nil {
		return models.Appointment{}, getErr
	}
	return models.Appointment{}, store.ErrInvalidState
}

func (s *Store) ListSlotAppointments(ctx context.Context, slotID string) ([]models.Appointment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE slot_id = $1 AND status <> $2
		ORDER BY token_index ASC
	`, slotID, models.StatusCancelled)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAppointments(rows)
}

func (s *Store) ListPendingAfter(ctx context.Context, slotID string, afterIndex int) ([]models.Appointment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE slot_id = $1 AND token_index > $2 AND status IN ($3, $4)
		ORDER BY token_index ASC
	`, slotID, afterIndex, models.StatusBooked, models.StatusWaiting)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAppointments(rows)
}

func (s *Store) UpdateEstimates(ctx context.Context, updates []store.EstimateUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()
	for _, update := range updates {
		if _, err = tx.Exec(ctx, `
			UPDATE appointments
			SET estimated_start = $2, estimated_wait_min = $3
			WHERE appointment_id = $1
		`, update.AppointmentID, update.EstimatedStart, update.WaitMinutes); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) ListOpenForDate(ctx context.Context, date string) ([]models.Appointment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments a
		JOIN slots s ON s.slot_id = a.slot_id
		WHERE s.date = $1 AND a.status IN ($2, $3)
		ORDER BY a.slot_id, a.token_index ASC
	`, date, models.StatusBooked, models.StatusWaiting)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAppointments(rows)
}

func (s *Store) SetNotificationFlag(ctx context.Context, appointmentID, flag string) (bool, error) {
	column, ok := flagColumns[flag]
	if !ok {
		return false, store.ErrInvalidState
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE appointments
		SET `+column+` = TRUE
		WHERE appointment_id = $1 AND `+column+` = FALSE
	`, appointmentID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

var flagColumns = map[string]string{
	store.FlagEarlyWarning: "notified_early",
	store.FlagApproaching:  "notified_approaching",
	store.FlagYourTurn:     "notified_your_turn",
}

func collectAppointments(rows pgx.Rows) ([]models.Appointment, error) {
	var appts []models.Appointment
	for rows.Next() {
		appt, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		appts = append(appts, appt)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return appts, nil
}

func lockSlot(ctx context.Context, tx pgx.Tx, slotID string) (models.Slot, error) {
	row := tx.QueryRow(ctx, `SELECT `+slotColumns+` FROM slots WHERE slot_id = $1 FOR UPDATE`, slotID)
	slot, err := scanSlot(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Slot{}, store.ErrSlotNotFound
		}
		return models.Slot{}, err
	}
	return slot, nil
}

func lockAppointment(ctx context.Context, tx pgx.Tx, appointmentID string) (models.Appointment, error) {
	row := tx.QueryRow(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE appointment_id = $1 FOR UPDATE`, appointmentID)
	appt, err := scanAppointment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Appointment{}, store.ErrAppointmentNotFound
		}
		return models.Appointment{}, err
	}
	return appt, nil
}

func lockNextPending(ctx context.Context, tx pgx.Tx, slotID string, afterIndex int) (models.Appointment, error) {
	row := tx.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE slot_id = $1 AND token_index > $2 AND status IN ($3, $4)
		ORDER BY token_index ASC
		LIMIT 1
		FOR UPDATE
	`, slotID, afterIndex, models.StatusBooked, models.StatusWaiting)
	return scanAppointment(row)
}

func setServing(ctx context.Context, tx pgx.Tx, appt *models.Appointment, now time.Time) error {
	appt.Status = models.StatusServing
	startedAt := now
	appt.ServingStartedAt = &startedAt
	_, err := tx.Exec(ctx, `
		UPDATE appointments
		SET status = $2, serving_started_at = $3
		WHERE appointment_id = $1
	`, appt.AppointmentID, appt.Status, startedAt)
	return err
}

// advanceQueue moves the slot pointer past fromIndex: either onto the
// next pending token, which starts serving immediately, or idle at
// fromIndex with the serving reference cleared. The pointer stays at
// fromIndex when the queue drains so a token booked afterwards, which
// gets index fromIndex+1, is still servable in order.
func advanceQueue(ctx context.Context, tx pgx.Tx, slot *models.Slot, fromIndex int, now time.Time) (*models.Appointment, error) {
	next, err := lockNextPending(ctx, tx, slot.SlotID, fromIndex)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		slot.CurrentToken = fromIndex
		slot.ServingAppointmentID = nil
		slot.UpdatedAt = now
		return nil, nil
	}

	if err := setServing(ctx, tx, &next, now); err != nil {
		return nil, err
	}
	slot.CurrentToken = next.TokenIndex
	slot.ServingAppointmentID = &next.AppointmentID
	slot.UpdatedAt = now
	return &next, nil
}

func saveSlotQueueState(ctx context.Context, tx pgx.Tx, slot models.Slot) error {
	_, err := tx.Exec(ctx, `
		UPDATE slots
		SET current_token = $2,
			serving_appointment_id = $3,
			serving_session_started = $4,
			updated_at = $5
		WHERE slot_id = $1
	`, slot.SlotID, slot.CurrentToken, slot.ServingAppointmentID, slot.ServingSessionStarted, slot.UpdatedAt)
	return err
}

func saveSlotAverages(ctx context.Context, tx pgx.Tx, slot models.Slot) error {
	_, err := tx.Exec(ctx, `
		UPDATE slots
		SET current_token = $2,
			serving_appointment_id = $3,
			average_consult_min = $4,
			total_service_seconds = $5,
			consultations_count = $6,
			updated_at = $7
		WHERE slot_id = $1
	`, slot.SlotID, slot.CurrentToken, slot.ServingAppointmentID, slot.AverageConsultMin,
		slot.TotalServiceSeconds, slot.ConsultationsCount, slot.UpdatedAt)
	return err
}
