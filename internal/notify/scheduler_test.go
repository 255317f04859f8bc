package notify

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"mediq/queue-service/internal/models"
	"mediq/queue-service/internal/store"
)

type flagStore struct {
	mu    sync.Mutex
	slots map[string]models.Slot
	appts map[string]*models.Appointment
}

func newFlagStore() *flagStore {
	return &flagStore{
		slots: make(map[string]models.Slot),
		appts: make(map[string]*models.Appointment),
	}
}

func (f *flagStore) GetSlot(ctx context.Context, slotID string) (models.Slot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	slot, ok := f.slots[slotID]
	if !ok {
		return models.Slot{}, store.ErrSlotNotFound
	}
	return slot, nil
}

func (f *flagStore) ListOpenForDate(ctx context.Context, date string) ([]models.Appointment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var appts []models.Appointment
	for _, appt := range f.appts {
		slot, ok := f.slots[appt.SlotID]
		if ok && slot.Date == date && models.ActiveInQueue(appt.Status) {
			appts = append(appts, *appt)
		}
	}
	return appts, nil
}

func (f *flagStore) SetNotificationFlag(ctx context.Context, appointmentID, flag string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	appt, ok := f.appts[appointmentID]
	if !ok {
		return false, store.ErrAppointmentNotFound
	}
	switch flag {
	case store.FlagEarlyWarning:
		if appt.NotifiedEarly {
			return false, nil
		}
		appt.NotifiedEarly = true
	case store.FlagApproaching:
		if appt.NotifiedApproach {
			return false, nil
		}
		appt.NotifiedApproach = true
	case store.FlagYourTurn:
		if appt.NotifiedYourTurn {
			return false, nil
		}
		appt.NotifiedYourTurn = true
	}
	return true, nil
}

func (f *flagStore) GetAppointment(ctx context.Context, appointmentID string) (models.Appointment, error) {
	return models.Appointment{}, store.ErrAppointmentNotFound
}

func (f *flagStore) AllocateToken(ctx context.Context, slotID string, now time.Time) (models.Slot, error) {
	return models.Slot{}, store.ErrSlotNotFound
}

func (f *flagStore) ReleaseToken(ctx context.Context, slotID string) error { return nil }

func (f *flagStore) CreateAppointment(ctx context.Context, input store.CreateAppointmentInput) (models.Appointment, error) {
	return models.Appointment{}, nil
}

func (f *flagStore) BeginSession(ctx context.Context, slotID string, now time.Time) (store.SessionStart, error) {
	return store.SessionStart{}, store.ErrSlotNotFound
}

func (f *flagStore) StartServing(ctx context.Context, appointmentID string, now time.Time) (store.Transition, error) {
	return store.Transition{}, store.ErrAppointmentNotFound
}

func (f *flagStore) CompleteServing(ctx context.Context, input store.CompleteServingInput) (store.Transition, error) {
	return store.Transition{}, store.ErrAppointmentNotFound
}

func (f *flagStore) SkipServing(ctx context.Context, appointmentID string, now time.Time) (store.Transition, error) {
	return store.Transition{}, store.ErrAppointmentNotFound
}

func (f *flagStore) CancelAppointment(ctx context.Context, appointmentID string, now time.Time) (models.Appointment, error) {
	return models.Appointment{}, store.ErrAppointmentNotFound
}

func (f *flagStore) ListSlotAppointments(ctx context.Context, slotID string) ([]models.Appointment, error) {
	return nil, nil
}

func (f *flagStore) ListPendingAfter(ctx context.Context, slotID string, afterIndex int) ([]models.Appointment, error) {
	return nil, nil
}

func (f *flagStore) UpdateEstimates(ctx context.Context, updates []store.EstimateUpdate) error {
	return nil
}

type recordingProvider struct {
	mu       sync.Mutex
	messages []string
}

func (p *recordingProvider) Send(ctx context.Context, message, recipient string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, message)
	return nil
}

func (p *recordingProvider) count(substr string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, msg := range p.messages {
		if strings.Contains(msg, substr) {
			n++
		}
	}
	return n
}

func reminderFixture(now time.Time) (*flagStore, *recordingProvider, *Scheduler) {
	fs := newFlagStore()
	push := &recordingProvider{}
	scheduler := NewScheduler(fs, Options{
		Push: push,
		Now:  func() time.Time { return now },
	})
	return fs, push, scheduler
}

func TestEarlyWarningFiresInsideWindowOnce(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	fs, push, scheduler := reminderFixture(now)

	slot := models.Slot{SlotID: "slot-1", Date: "2026-03-02", CurrentToken: 1, AverageConsultMin: 10}
	fs.slots[slot.SlotID] = slot

	// Travel 20 min, so the window opens at 35 min of remaining wait.
	estimate := now.Add(40 * time.Minute)
	appt := models.Appointment{
		AppointmentID:  "appt-far",
		SlotID:         slot.SlotID,
		UserID:         "user-1",
		TokenIndex:     5,
		Status:         models.StatusBooked,
		EstimatedStart: &estimate,
		TravelTimeMin:  20,
	}
	fs.appts[appt.AppointmentID] = &appt

	scheduler.Reschedule(context.Background(), slot, appt)
	if got := push.count("Leave soon"); got != 0 {
		t.Fatalf("early warning fired at 40 min remaining, count = %d", got)
	}

	// The estimate moved closer; the catch-up fires immediately.
	closer := now.Add(34 * time.Minute)
	appt.EstimatedStart = &closer
	fs.appts[appt.AppointmentID].EstimatedStart = &closer
	scheduler.Reschedule(context.Background(), slot, appt)
	if got := push.count("Leave soon"); got != 1 {
		t.Fatalf("early warning count = %d, want 1", got)
	}

	// Re-evaluation never re-fires a flipped flag.
	scheduler.Reschedule(context.Background(), slot, appt)
	if err := scheduler.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if got := push.count("Leave soon"); got != 1 {
		t.Fatalf("early warning re-fired, count = %d", got)
	}
}

func TestApproachingAndYourTurn(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	fs, push, scheduler := reminderFixture(now)

	slot := models.Slot{SlotID: "slot-1", Date: "2026-03-02", CurrentToken: 2, AverageConsultMin: 10}
	fs.slots[slot.SlotID] = slot

	estimate := now.Add(10 * time.Minute)
	appt := models.Appointment{
		AppointmentID:  "appt-next",
		SlotID:         slot.SlotID,
		UserID:         "user-1",
		TokenIndex:     3,
		Status:         models.StatusWaiting,
		EstimatedStart: &estimate,
		TravelTimeMin:  15,
	}
	fs.appts[appt.AppointmentID] = &appt

	scheduler.Reschedule(context.Background(), slot, appt)

	if got := push.count("You are next"); got != 1 {
		t.Fatalf("your-turn count = %d, want 1", got)
	}
	// 10 min remaining is inside both the 30 min and 20 min windows.
	if got := push.count("Leave soon"); got != 1 {
		t.Fatalf("early warning count = %d, want 1", got)
	}
	if got := push.count("Head out now"); got != 1 {
		t.Fatalf("approaching count = %d, want 1", got)
	}
}

func TestSweepUsesPositionWhenNoEstimate(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	fs, push, scheduler := reminderFixture(now)

	slot := models.Slot{SlotID: "slot-1", Date: "2026-03-02", CurrentToken: 1, AverageConsultMin: 10}
	fs.slots[slot.SlotID] = slot

	// Position 2, avg 10: 20 min remaining, inside travel 15 + 5.
	appt := models.Appointment{
		AppointmentID: "appt-pos",
		SlotID:        slot.SlotID,
		UserID:        "user-1",
		TokenIndex:    3,
		Status:        models.StatusBooked,
		TravelTimeMin: 15,
	}
	fs.appts[appt.AppointmentID] = &appt

	if err := scheduler.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if got := push.count("Head out now"); got != 1 {
		t.Fatalf("approaching count = %d, want 1", got)
	}
}

func TestProximityPushFiresAtThreshold(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	fs, push, scheduler := reminderFixture(now)

	slot := models.Slot{SlotID: "slot-1", Date: "2026-03-02", CurrentToken: 3, AverageConsultMin: 10}
	fs.slots[slot.SlotID] = slot

	estimate := now.Add(2 * time.Hour)
	subscribed := models.Appointment{
		AppointmentID:    "appt-sub",
		SlotID:           slot.SlotID,
		UserID:           "user-1",
		TokenIndex:       5,
		Status:           models.StatusBooked,
		EstimatedStart:   &estimate,
		TravelTimeMin:    10,
		Subscribed:       true,
		NotifyTokensAway: 2,
	}
	unsubscribed := subscribed
	unsubscribed.AppointmentID = "appt-unsub"
	unsubscribed.TokenIndex = 5
	unsubscribed.Subscribed = false
	fs.appts[subscribed.AppointmentID] = &subscribed
	fs.appts[unsubscribed.AppointmentID] = &unsubscribed

	scheduler.QueueAdvanced(context.Background(), slot, []models.Appointment{subscribed, unsubscribed})
	if got := push.count("token(s) ahead"); got != 1 {
		t.Fatalf("proximity count = %d, want 1", got)
	}

	// Farther away than the threshold: nothing fires.
	slot.CurrentToken = 1
	scheduler.QueueAdvanced(context.Background(), slot, []models.Appointment{subscribed})
	if got := push.count("token(s) ahead"); got != 1 {
		t.Fatalf("proximity fired outside threshold, count = %d", got)
	}
}

func TestTravelMinutes(t *testing.T) {
	// 20 km at 40 km/h driving is 30 minutes.
	if got := TravelMinutes(20, "driving"); got != 30 {
		t.Fatalf("driving = %d, want 30", got)
	}
	// 1 km on foot at 5 km/h is 12 minutes.
	if got := TravelMinutes(1, "walking"); got != 12 {
		t.Fatalf("walking = %d, want 12", got)
	}
	if got := TravelMinutes(20, "unknown"); got != 30 {
		t.Fatalf("unknown mode = %d, want driving fallback 30", got)
	}
}

func TestDistanceKm(t *testing.T) {
	// One degree of latitude is roughly 111 km.
	got := DistanceKm(12.0, 77.0, 13.0, 77.0)
	if got < 110 || got > 112 {
		t.Fatalf("distance = %v, want ~111", got)
	}
	if got := DistanceKm(12.0, 77.0, 12.0, 77.0); got != 0 {
		t.Fatalf("zero distance = %v", got)
	}
}
