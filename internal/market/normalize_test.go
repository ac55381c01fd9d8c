package market

import (
	"encoding/json"
	"testing"
	"time"

	"OpenBazaar-Chain/internal/ledger"
)

func entryFor(t *testing.T, seq uint64, payload string) ledger.Entry {
	t.Helper()
	return ledger.Entry{Seq: seq, Timestamp: time.Now(), Payload: json.RawMessage(payload)}
}

func TestParseMessageCanonicalFields(t *testing.T) {
	entry := entryFor(t, 7, `{"type":"bid","request_id":"req-1","sender":"agent-a","role":"analyst","price":42,"pitch":"快速交付"}`)
	msg, err := ParseMessage(entry)
	if err != nil {
		t.Fatalf("解析消息失败: %v", err)
	}
	if msg.Type != MsgBid || msg.RequestID != "req-1" || msg.Sender != "agent-a" {
		t.Fatalf("规范字段解析不符: %+v", msg)
	}
	if msg.Price != 42 || msg.Role != "analyst" || msg.Pitch != "快速交付" {
		t.Fatalf("业务字段解析不符: %+v", msg)
	}
	if msg.Seq != 7 {
		t.Fatalf("Seq 应来自账本条目, got %d", msg.Seq)
	}
}

func TestParseMessageAliasPrecedence(t *testing.T) {
	// 规范字段与别名同时出现时，规范字段优先。
	entry := entryFor(t, 1, `{"type":"bid","message_type":"deliverable","request_id":"req-1","taskId":"req-2","price":10,"bid_amount":99,"sender":"agent-a","bidder":"agent-b"}`)
	msg, err := ParseMessage(entry)
	if err != nil {
		t.Fatalf("解析消息失败: %v", err)
	}
	if msg.Type != MsgBid {
		t.Fatalf("type 应优先于 message_type, got %s", msg.Type)
	}
	if msg.RequestID != "req-1" {
		t.Fatalf("request_id 应优先于 taskId, got %s", msg.RequestID)
	}
	if msg.Price != 10 {
		t.Fatalf("price 应优先于 bid_amount, got %d", msg.Price)
	}
	if msg.Sender != "agent-a" {
		t.Fatalf("sender 应优先于 bidder, got %s", msg.Sender)
	}
}

func TestParseMessageAliasedBid(t *testing.T) {
	entry := entryFor(t, 3, `{"message_type":"bid","taskId":"req-9","bidder":"agent-x","bid_amount":55,"worker_role":"builder","proposal":"two day turnaround"}`)
	msg, err := ParseMessage(entry)
	if err != nil {
		t.Fatalf("解析消息失败: %v", err)
	}
	bid := msg.AsBid()
	if bid.RequestID != "req-9" || bid.Sender != "agent-x" || bid.Price != 55 {
		t.Fatalf("别名字段归一化不符: %+v", bid)
	}
	if bid.Role != "builder" || bid.Pitch != "two day turnaround" {
		t.Fatalf("角色与提案归一化不符: %+v", bid)
	}
}

func TestParseMessageNormalizationIdempotent(t *testing.T) {
	// 协调器自己发布的规范负载再次解析必须得到相同结果。
	payload := NewBidAcceptedPayload("req-1", "analyst", "agent-a", 42)
	first, err := ParseMessage(entryFor(t, 1, string(payload)))
	if err != nil {
		t.Fatalf("首次解析失败: %v", err)
	}
	second, err := ParseMessage(entryFor(t, 1, string(payload)))
	if err != nil {
		t.Fatalf("再次解析失败: %v", err)
	}
	if first.Type != second.Type || first.RequestID != second.RequestID ||
		first.Role != second.Role || first.Sender != second.Sender || first.Price != second.Price {
		t.Fatalf("归一化不幂等: %+v vs %+v", first, second)
	}
}

func TestParseMessageRejectsMissingType(t *testing.T) {
	if _, err := ParseMessage(entryFor(t, 1, `{"request_id":"req-1"}`)); err == nil {
		t.Fatal("缺少消息类型应返回错误")
	}
	if _, err := ParseMessage(entryFor(t, 2, `not-json`)); err == nil {
		t.Fatal("非 JSON 负载应返回错误")
	}
}

func TestInferRolesByElimination(t *testing.T) {
	roles := []string{"analyst", "builder", "tester"}
	bids := []Bid{
		{Sender: "c", Seq: 30},
		{Sender: "b", Role: "builder", Seq: 20},
		{Sender: "a", Seq: 10},
	}

	inferred := InferRoles(bids, roles)
	got := map[string]string{}
	for _, bid := range inferred {
		got[bid.Sender] = bid.Role
	}
	// 显式声明的角色先占位，未声明的按 Seq 升序补到剩余角色。
	if got["b"] != "builder" {
		t.Fatalf("显式角色不应被改写, got %s", got["b"])
	}
	if got["a"] != "analyst" || got["c"] != "tester" {
		t.Fatalf("按消除法推断角色不符: %+v", got)
	}

	// 输入顺序不同，结果必须一致。
	shuffled := []Bid{bids[1], bids[0], bids[2]}
	again := InferRoles(shuffled, roles)
	for _, bid := range again {
		if got[bid.Sender] != bid.Role {
			t.Fatalf("推断结果与输入顺序相关: %s got %s want %s", bid.Sender, bid.Role, got[bid.Sender])
		}
	}
}

func TestInferRolesDoesNotMutateInput(t *testing.T) {
	bids := []Bid{{Sender: "a", Seq: 1}}
	_ = InferRoles(bids, []string{"analyst"})
	if bids[0].Role != "" {
		t.Fatalf("输入切片不应被修改, got %s", bids[0].Role)
	}
}
