package orca

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

const taskID = "0x0000000000000000000000000000000000000000000000000000000000000001"

func TestCreateTaskForwardsPaymentHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/tasks" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Fatalf("unexpected method: %s", r.Method)
		}
		if got := r.Header.Get("X-PAYMENT"); got != "envelope-token" {
			t.Fatalf("expected payment header, got %q", got)
		}
		var req CreateTaskRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("unexpected body: %v", err)
		}
		if req.Budget != "100000000" {
			t.Fatalf("unexpected budget: %s", req.Budget)
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(Task{ID: req.TaskID, Budget: 100000000, Status: "open"})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())
	task, err := client.CreateTask(context.Background(), CreateTaskRequest{
		TaskID: taskID,
		Budget: "100000000",
	}, "envelope-token")
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if task.ID != taskID || task.Status != "open" {
		t.Fatalf("unexpected task: %+v", task)
	}
}

func TestCreateTaskSurfacesPaymentChallenge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-PAYMENT") != "" {
			t.Fatal("expected no payment header on challenge request")
		}
		w.Header().Set("X-PAYMENT-REQUIRED", "challenge-token")
		w.WriteHeader(http.StatusPaymentRequired)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())
	_, err := client.CreateTask(context.Background(), CreateTaskRequest{
		TaskID: taskID,
		Budget: "100",
	}, "")
	var challenge *PaymentRequiredError
	if !errors.As(err, &challenge) {
		t.Fatalf("expected PaymentRequiredError, got %v", err)
	}
	if challenge.Challenge != "challenge-token" {
		t.Fatalf("unexpected challenge token: %q", challenge.Challenge)
	}
}

func TestSpendDecodesNetAmount(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/tasks/"+taskID+"/spend" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(AmountResult{TaskID: taskID, AgentID: 1, Amount: "49500000"})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())
	result, err := client.Spend(context.Background(), taskID, 1, "50000000", "0x2222222222222222222222222222222222222222")
	if err != nil {
		t.Fatalf("spend: %v", err)
	}
	if result.Amount != "49500000" {
		t.Fatalf("unexpected net amount: %s", result.Amount)
	}
}

func TestGetTaskError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(struct {
			Error APIError `json:"error"`
		}{Error: APIError{Code: "TASK_NOT_FOUND", Message: "missing"}})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())
	_, err := client.GetTask(context.Background(), taskID)
	if err == nil {
		t.Fatal("expected error")
	}
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.Code != "TASK_NOT_FOUND" || apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("unexpected error: %+v", apiErr)
	}
}

func TestEventsQueryLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("limit") != "5" {
			t.Fatalf("unexpected limit: %s", r.URL.Query().Get("limit"))
		}
		_ = json.NewEncoder(w).Encode([]Event{{ID: "event-1", Type: "task_created"}})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())
	events, err := client.Events(context.Background(), 5)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 1 || events[0].Type != "task_created" {
		t.Fatalf("unexpected events: %+v", events)
	}
}
