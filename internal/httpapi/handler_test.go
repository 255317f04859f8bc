package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"mediq/queue-service/internal/models"
	"mediq/queue-service/internal/queue"
	"mediq/queue-service/internal/store"
)

const (
	slotID = "5f0b8a6e-1f3c-4f1a-9a3e-0d9c2b7e4a10"
	apptID = "3c2b1a0d-9e8f-4a5b-8c7d-6e5f4a3b2c1d"
	userID = "8a4f2d1c-6b5e-4c3a-8d7f-1e2a3b4c5d6e"
)

type fakeEngine struct {
	issueErr    error
	issuedSlot  string
	issuedUser  string
	travelTime  int
	completeErr error
	cancelErr   error
	serveErr    error
	sessionErr  error
	stateErr    error
}

func (f *fakeEngine) IssueToken(ctx context.Context, slotID, userID string, travelTimeMin int) (queue.TokenGrant, error) {
	f.issuedSlot = slotID
	f.issuedUser = userID
	f.travelTime = travelTimeMin
	if f.issueErr != nil {
		return queue.TokenGrant{}, f.issueErr
	}
	return queue.TokenGrant{TokenIndex: 4, Appointment: models.Appointment{AppointmentID: apptID, TokenIndex: 4}}, nil
}

func (f *fakeEngine) StartSession(ctx context.Context, slotID string) (queue.QueueState, error) {
	if f.sessionErr != nil {
		return queue.QueueState{}, f.sessionErr
	}
	return queue.QueueState{QueueID: slotID, CurrentToken: 1}, nil
}

func (f *fakeEngine) StartServing(ctx context.Context, appointmentID string) (models.Appointment, error) {
	if f.serveErr != nil {
		return models.Appointment{}, f.serveErr
	}
	return models.Appointment{AppointmentID: appointmentID, Status: models.StatusServing}, nil
}

func (f *fakeEngine) Complete(ctx context.Context, appointmentID string, actualMinutes float64) (queue.CompleteResult, error) {
	if f.completeErr != nil {
		return queue.CompleteResult{}, f.completeErr
	}
	return queue.CompleteResult{ServiceDurationSec: 600, ServiceMinutes: 10}, nil
}

func (f *fakeEngine) MarkWrong(ctx context.Context, appointmentID string) (queue.QueueSnapshot, error) {
	return queue.QueueSnapshot{SlotID: slotID}, nil
}

func (f *fakeEngine) Cancel(ctx context.Context, appointmentID string) error {
	return f.cancelErr
}

func (f *fakeEngine) GetSlotQueue(ctx context.Context, slotID string) (queue.QueueSnapshot, error) {
	if f.stateErr != nil {
		return queue.QueueSnapshot{}, f.stateErr
	}
	return queue.QueueSnapshot{SlotID: slotID, CurrentToken: 2}, nil
}

func (f *fakeEngine) GetQueueState(ctx context.Context, slotID string) (queue.QueueState, error) {
	if f.stateErr != nil {
		return queue.QueueState{}, f.stateErr
	}
	return queue.QueueState{QueueID: slotID, CurrentToken: 2, WaitingTokens: []int{3, 4}}, nil
}

func doRequest(t *testing.T, engine *fakeEngine, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	NewHandler(engine).Routes().ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal error body: %v", err)
	}
	return resp.Error.Code
}

func TestIssueTokenEndpoint(t *testing.T) {
	engine := &fakeEngine{}
	body := `{"user_id":"` + userID + `","travel_time_min":25}`
	rec := doRequest(t, engine, http.MethodPost, "/api/slots/"+slotID+"/tokens", body)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}
	if engine.issuedSlot != slotID || engine.issuedUser != userID {
		t.Fatalf("engine called with slot=%s user=%s", engine.issuedSlot, engine.issuedUser)
	}
	if engine.travelTime != 25 {
		t.Fatalf("travel time = %d, want 25", engine.travelTime)
	}
	var grant queue.TokenGrant
	if err := json.Unmarshal(rec.Body.Bytes(), &grant); err != nil {
		t.Fatalf("unmarshal grant: %v", err)
	}
	if grant.TokenIndex != 4 {
		t.Fatalf("token index = %d, want 4", grant.TokenIndex)
	}
}

func TestIssueTokenValidation(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		body     string
		wantCode string
	}{
		{"bad slot id", "/api/slots/not-a-uuid/tokens", `{"user_id":"` + userID + `"}`, "invalid_request"},
		{"missing user", "/api/slots/" + slotID + "/tokens", `{}`, "invalid_request"},
		{"bad user id", "/api/slots/" + slotID + "/tokens", `{"user_id":"nope"}`, "invalid_request"},
		{"unknown field", "/api/slots/" + slotID + "/tokens", `{"user_id":"` + userID + `","extra":1}`, "invalid_json"},
		{"negative travel", "/api/slots/" + slotID + "/tokens", `{"user_id":"` + userID + `","travel_time_min":-5}`, "invalid_request"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, &fakeEngine{}, http.MethodPost, tt.path, tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			if got := errorCode(t, rec); got != tt.wantCode {
				t.Fatalf("code = %s, want %s", got, tt.wantCode)
			}
		})
	}
}

func TestIssueTokenComputesTravelFromCoordinates(t *testing.T) {
	engine := &fakeEngine{}
	// ~111 km apart, driving at 40 km/h.
	body := `{"user_id":"` + userID + `","latitude":12.0,"longitude":77.0,"clinic_latitude":13.0,"clinic_longitude":77.0,"travel_mode":"driving"}`
	rec := doRequest(t, engine, http.MethodPost, "/api/slots/"+slotID+"/tokens", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if engine.travelTime < 160 || engine.travelTime > 172 {
		t.Fatalf("computed travel = %d, want ~167", engine.travelTime)
	}
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"slot not found", store.ErrSlotNotFound, http.StatusNotFound, "slot_not_found"},
		{"capacity", store.ErrSlotFull, http.StatusConflict, "capacity_exceeded"},
		{"ended", store.ErrSlotEnded, http.StatusConflict, "slot_ended"},
		{"dependency", store.ErrDependencyMissing, http.StatusBadGateway, "dependency_missing"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := &fakeEngine{issueErr: tt.err}
			body := `{"user_id":"` + userID + `"}`
			rec := doRequest(t, engine, http.MethodPost, "/api/slots/"+slotID+"/tokens", body)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if got := errorCode(t, rec); got != tt.wantCode {
				t.Fatalf("code = %s, want %s", got, tt.wantCode)
			}
		})
	}
}

func TestAppointmentActions(t *testing.T) {
	tests := []struct {
		name   string
		action string
	}{
		{"serve", "serve"},
		{"complete", "complete"},
		{"wrong", "wrong"},
		{"cancel", "cancel"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, &fakeEngine{}, http.MethodPost, "/api/appointments/"+apptID+"/"+tt.action, "")
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestAppointmentActionErrors(t *testing.T) {
	engine := &fakeEngine{serveErr: store.ErrOutOfOrder, cancelErr: store.ErrCancelWindow}

	rec := doRequest(t, engine, http.MethodPost, "/api/appointments/"+apptID+"/serve", "")
	if rec.Code != http.StatusConflict || errorCode(t, rec) != "out_of_order" {
		t.Fatalf("serve: status = %d code = %s", rec.Code, errorCode(t, rec))
	}

	rec = doRequest(t, engine, http.MethodPost, "/api/appointments/"+apptID+"/cancel", "")
	if rec.Code != http.StatusConflict || errorCode(t, rec) != "cancel_window_closed" {
		t.Fatalf("cancel: status = %d code = %s", rec.Code, errorCode(t, rec))
	}
}

func TestCompleteWithActualMinutes(t *testing.T) {
	rec := doRequest(t, &fakeEngine{}, http.MethodPost, "/api/appointments/"+apptID+"/complete", `{"actual_minutes":12.5}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, &fakeEngine{}, http.MethodPost, "/api/appointments/"+apptID+"/complete", `{"actual_minutes":-1}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestQueueReads(t *testing.T) {
	rec := doRequest(t, &fakeEngine{}, http.MethodGet, "/api/slots/"+slotID+"/queue", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("queue status = %d", rec.Code)
	}
	var snapshot queue.QueueSnapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snapshot); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	if snapshot.CurrentToken != 2 {
		t.Fatalf("current token = %d, want 2", snapshot.CurrentToken)
	}

	rec = doRequest(t, &fakeEngine{}, http.MethodGet, "/api/slots/"+slotID+"/state", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("state status = %d", rec.Code)
	}
	var state queue.QueueState
	if err := json.Unmarshal(rec.Body.Bytes(), &state); err != nil {
		t.Fatalf("unmarshal state: %v", err)
	}
	if len(state.WaitingTokens) != 2 {
		t.Fatalf("waiting = %v", state.WaitingTokens)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	rec := doRequest(t, &fakeEngine{}, http.MethodGet, "/api/slots/"+slotID+"/tokens", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
	rec = doRequest(t, &fakeEngine{}, http.MethodPost, "/api/slots/"+slotID+"/queue", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}

func TestUnknownRoutes(t *testing.T) {
	rec := doRequest(t, &fakeEngine{}, http.MethodPost, "/api/slots/"+slotID+"/unknown", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	rec = doRequest(t, &fakeEngine{}, http.MethodPost, "/api/appointments/"+apptID, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	rec := doRequest(t, &fakeEngine{}, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}
