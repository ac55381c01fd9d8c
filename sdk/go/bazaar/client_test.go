package bazaar

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestTriggerSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/session/trigger" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Fatalf("unexpected method: %s", r.Method)
		}
		var req TriggerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("unexpected body: %v", err)
		}
		if req.TaskRef != "ipfs://task" {
			t.Fatalf("unexpected task ref: %q", req.TaskRef)
		}
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(Session{RequestID: "req-1", State: "REQUEST"})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())

	session, err := client.TriggerSession(context.Background(), TriggerRequest{TaskRef: "ipfs://task"})
	if err != nil {
		t.Fatalf("trigger session: %v", err)
	}
	if session.RequestID != "req-1" {
		t.Fatalf("unexpected request id: %q", session.RequestID)
	}
}

func TestSubmitBidApprovalSendsToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/session/approval" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer token" {
			t.Fatalf("expected bearer token, got %q", r.Header.Get("Authorization"))
		}
		var req struct {
			Approved bool              `json:"approved"`
			Winners  map[string]string `json:"winners"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("unexpected body: %v", err)
		}
		if !req.Approved || req.Winners["backend"] != "agent-1" {
			t.Fatalf("unexpected payload: %+v", req)
		}
		_ = json.NewEncoder(w).Encode(map[string]bool{"accepted": true})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())
	client.SetAccessToken("token")

	accepted, err := client.SubmitBidApproval(context.Background(), true, map[string]string{"backend": "agent-1"})
	if err != nil {
		t.Fatalf("submit approval: %v", err)
	}
	if !accepted {
		t.Fatal("expected decision to be accepted")
	}
}

func TestSubmitReviewNothingPending(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/session/review" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]bool{"accepted": false})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())

	accepted, err := client.SubmitReview(context.Background(), map[string]Review{
		"backend": {Role: "backend", Approved: true, Score: 90},
	})
	if err != nil {
		t.Fatalf("submit review: %v", err)
	}
	if accepted {
		t.Fatal("expected no pending decision")
	}
}

func TestGetSessionError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "当前没有会话", http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())

	_, err := client.GetSession(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("unexpected status: %d", apiErr.StatusCode)
	}
}
