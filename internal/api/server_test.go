package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"OpenBazaar-Chain/internal/escrow"
	"OpenBazaar-Chain/internal/ledger"
	"OpenBazaar-Chain/internal/market"
)

func testOrchestrator(t *testing.T) *market.Orchestrator {
	t.Helper()
	led, err := ledger.NewMemoryLedger("")
	if err != nil {
		t.Fatalf("创建内存账本失败: %v", err)
	}
	t.Cleanup(func() { _ = led.Close() })

	o, err := market.NewOrchestrator(led, escrow.NewMemoryVault(nil), nil, market.Config{
		Roles:           []string{"builder"},
		Budget:          100,
		MaxRevisions:    1,
		PollInterval:    5 * time.Millisecond,
		BidWindow:       50 * time.Millisecond,
		DeliverableWait: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("创建协调器失败: %v", err)
	}
	t.Cleanup(o.Close)
	return o
}

func TestHandleSessionWithoutSession(t *testing.T) {
	server := NewServer(":0", testOrchestrator(t), nil, AuthConfig{Mode: "disabled"})

	rec := httptest.NewRecorder()
	server.handleSession(rec, httptest.NewRequest(http.MethodGet, "/api/v1/session", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("无会话时应返回 404, got %d", rec.Code)
	}
}

func TestHandleTrigger(t *testing.T) {
	server := NewServer(":0", testOrchestrator(t), nil, AuthConfig{Mode: "disabled"})

	rec := httptest.NewRecorder()
	body := strings.NewReader(`{"task_ref":"build a dashboard","budget":80}`)
	server.handleTrigger(rec, httptest.NewRequest(http.MethodPost, "/api/v1/session/trigger", body))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("触发应返回 202, got %d body=%s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "request_id") {
		t.Fatalf("响应应包含会话标识: %s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	server.handleSession(rec, httptest.NewRequest(http.MethodGet, "/api/v1/session", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("触发后查询应返回 200, got %d", rec.Code)
	}
}

func TestHandleTriggerRejectsEmptyTaskRef(t *testing.T) {
	server := NewServer(":0", testOrchestrator(t), nil, AuthConfig{Mode: "disabled"})

	rec := httptest.NewRecorder()
	server.handleTrigger(rec, httptest.NewRequest(http.MethodPost, "/api/v1/session/trigger",
		strings.NewReader(`{}`)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("缺少 task_ref 应返回 400, got %d", rec.Code)
	}
}

func TestHandleApprovalWithNothingPending(t *testing.T) {
	server := NewServer(":0", testOrchestrator(t), nil, AuthConfig{Mode: "disabled"})

	rec := httptest.NewRecorder()
	server.handleApproval(rec, httptest.NewRequest(http.MethodPost, "/api/v1/session/approval",
		strings.NewReader(`{"approved":true}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("空投递应返回 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"accepted":false`) {
		t.Fatalf("没有待裁决项时 accepted 应为 false: %s", rec.Body.String())
	}
}

func TestRequireAuthToken(t *testing.T) {
	server := NewServer(":0", testOrchestrator(t), nil, AuthConfig{Mode: "token", Token: "secret"})
	handler := server.requireAuth(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("缺少令牌应返回 401, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	handler(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("错误令牌应返回 401, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Authorization", "Bearer secret")
	handler(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("正确令牌应放行, got %d", rec.Code)
	}
}
