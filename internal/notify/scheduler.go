package notify

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"mediq/queue-service/internal/models"
	"mediq/queue-service/internal/queue"
	"mediq/queue-service/internal/schedule"
	"mediq/queue-service/internal/store"

	"github.com/robfig/cron/v3"
)

const (
	earlyWarningLeadMin = 15
	approachingLeadMin  = 5
)

// Scheduler turns queue movement into at-most-once reminders. It is
// driven two ways: event hooks from the queue engine, and a cron sweep
// that catches tokens whose reminder window arrives through the mere
// passage of time, with no queue event to piggyback on.
type Scheduler struct {
	store store.Store
	push  Provider
	sms   Provider
	cron  *cron.Cron
	now   func() time.Time

	mu    sync.Mutex
	slots map[string]models.Slot
}

type Options struct {
	Push Provider
	SMS  Provider
	Now  func() time.Time
}

func NewScheduler(st store.Store, opts Options) *Scheduler {
	push := opts.Push
	if push == nil {
		push = logProvider{channel: "push"}
	}
	sms := opts.SMS
	if sms == nil {
		sms = noopProvider{}
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Scheduler{
		store: st,
		push:  push,
		sms:   sms,
		cron:  cron.New(),
		now:   now,
		slots: make(map[string]models.Slot),
	}
}

func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc("@every 1m", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.Sweep(ctx); err != nil {
			log.Printf("reminder sweep error: %v", err)
		}
	}); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Sweep walks every open token for today and fires any reminder whose
// window has been reached since the last queue event.
func (s *Scheduler) Sweep(ctx context.Context) error {
	now := s.now()
	appts, err := s.store.ListOpenForDate(ctx, now.Format("2006-01-02"))
	if err != nil {
		return err
	}
	for _, appt := range appts {
		slot, err := s.slotFor(ctx, appt.SlotID)
		if err != nil {
			log.Printf("reminder slot lookup failed slot=%s err=%v", appt.SlotID, err)
			continue
		}
		s.evaluate(ctx, slot, appt, now)
	}
	s.invalidateSlots()
	return nil
}

func (s *Scheduler) Reschedule(ctx context.Context, slot models.Slot, appt models.Appointment) {
	s.evaluate(ctx, slot, appt, s.now())
}

func (s *Scheduler) QueueAdvanced(ctx context.Context, slot models.Slot, appts []models.Appointment) {
	now := s.now()
	for _, appt := range appts {
		if !models.ActiveInQueue(appt.Status) {
			continue
		}
		s.evaluate(ctx, slot, appt, now)
		s.proximityPush(ctx, slot, appt)
	}
}

func (s *Scheduler) BookingConfirmed(ctx context.Context, slot models.Slot, appt models.Appointment, doctor queue.Doctor) {
	message := fmt.Sprintf("Booking confirmed with Dr. %s: token %d", doctor.Name, appt.TokenIndex)
	if appt.EstimatedStart != nil {
		message = fmt.Sprintf("%s, estimated %s", message, appt.EstimatedStart.Format("15:04"))
	}
	s.send(ctx, appt.UserID, message)
}

// evaluate applies the three reminder rules to one token. Each rule is
// guarded by a persisted flag flip, so a rule fires at most once per
// token no matter how many paths re-evaluate it.
func (s *Scheduler) evaluate(ctx context.Context, slot models.Slot, appt models.Appointment, now time.Time) {
	if !models.ActiveInQueue(appt.Status) {
		return
	}

	if appt.TokenIndex == slot.CurrentToken+1 {
		s.fire(ctx, appt, store.FlagYourTurn,
			fmt.Sprintf("You are next: token %d is about to be called", appt.TokenIndex))
	}

	remaining := s.remainingWait(slot, appt, now)
	if remaining <= appt.TravelTimeMin+earlyWarningLeadMin {
		s.fire(ctx, appt, store.FlagEarlyWarning,
			fmt.Sprintf("Leave soon: about %d min until token %d, travel takes %d min",
				remaining, appt.TokenIndex, appt.TravelTimeMin))
	}
	if remaining <= appt.TravelTimeMin+approachingLeadMin {
		s.fire(ctx, appt, store.FlagApproaching,
			fmt.Sprintf("Head out now: about %d min until token %d", remaining, appt.TokenIndex))
	}
}

func (s *Scheduler) proximityPush(ctx context.Context, slot models.Slot, appt models.Appointment) {
	if !appt.Subscribed || appt.NotifyTokensAway <= 0 {
		return
	}
	position := schedule.Position(appt.TokenIndex, slot.CurrentToken)
	if position != appt.NotifyTokensAway {
		return
	}
	s.send(ctx, appt.UserID,
		fmt.Sprintf("Queue update: %d token(s) ahead of you for token %d", position, appt.TokenIndex))
}

func (s *Scheduler) remainingWait(slot models.Slot, appt models.Appointment, now time.Time) int {
	if appt.EstimatedStart != nil {
		return schedule.WaitMinutes(*appt.EstimatedStart, now)
	}
	position := schedule.Position(appt.TokenIndex, slot.CurrentToken)
	return int(math.Round(float64(position) * slot.AverageConsultMin))
}

func (s *Scheduler) fire(ctx context.Context, appt models.Appointment, flag, message string) {
	flipped, err := s.store.SetNotificationFlag(ctx, appt.AppointmentID, flag)
	if err != nil {
		log.Printf("reminder flag error appointment=%s flag=%s err=%v", appt.AppointmentID, flag, err)
		return
	}
	if !flipped {
		return
	}
	s.send(ctx, appt.UserID, message)
	if err := s.sms.Send(ctx, message, appt.UserID); err != nil {
		log.Printf("sms send error appointment=%s err=%v", appt.AppointmentID, err)
	}
}

func (s *Scheduler) send(ctx context.Context, userID, message string) {
	if err := s.push.Send(ctx, message, userID); err != nil {
		log.Printf("push send error user=%s err=%v", userID, err)
	}
}

// slotFor caches slot rows for the duration of one sweep so a slot
// with many open tokens is fetched once.
func (s *Scheduler) slotFor(ctx context.Context, slotID string) (models.Slot, error) {
	s.mu.Lock()
	slot, ok := s.slots[slotID]
	s.mu.Unlock()
	if ok {
		return slot, nil
	}
	slot, err := s.store.GetSlot(ctx, slotID)
	if err != nil {
		return models.Slot{}, err
	}
	s.mu.Lock()
	s.slots[slotID] = slot
	s.mu.Unlock()
	return slot, nil
}

func (s *Scheduler) invalidateSlots() {
	s.mu.Lock()
	s.slots = make(map[string]models.Slot)
	s.mu.Unlock()
}
