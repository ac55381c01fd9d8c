package market

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"OpenBazaar-Chain/internal/ledger"
)

func newTestLedger(t *testing.T) *ledger.MemoryLedger {
	t.Helper()
	led, err := ledger.NewMemoryLedger("")
	if err != nil {
		t.Fatalf("创建内存账本失败: %v", err)
	}
	t.Cleanup(func() { _ = led.Close() })
	return led
}

func appendBid(t *testing.T, led ledger.Writer, requestID, sender string, price int64) ledger.Entry {
	t.Helper()
	payload := fmt.Sprintf(`{"type":"bid","request_id":%q,"sender":%q,"price":%d}`, requestID, sender, price)
	entry, err := led.Append(context.Background(), json.RawMessage(payload))
	if err != nil {
		t.Fatalf("写入竞标失败: %v", err)
	}
	return entry
}

func TestPollReturnsWhenExpectedCountReached(t *testing.T) {
	led := newTestLedger(t)
	appendBid(t, led, "req-1", "agent-a", 10)
	appendBid(t, led, "req-1", "agent-b", 20)

	poller := NewPoller(led, 5*time.Millisecond, nil)
	start := time.Now()
	msgs, err := poller.Poll(context.Background(), Filter{Type: MsgBid, RequestID: "req-1"}, 2, 5*time.Second)
	if err != nil {
		t.Fatalf("轮询失败: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("期望 2 条消息, got %d", len(msgs))
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("消息齐备后应立即返回, 耗时 %v", elapsed)
	}
	if msgs[0].Seq >= msgs[1].Seq {
		t.Fatalf("结果应按 Seq 升序: %d, %d", msgs[0].Seq, msgs[1].Seq)
	}
}

func TestPollReturnsPartialOnTimeout(t *testing.T) {
	led := newTestLedger(t)
	appendBid(t, led, "req-1", "agent-a", 10)

	poller := NewPoller(led, 5*time.Millisecond, nil)
	msgs, err := poller.Poll(context.Background(), Filter{Type: MsgBid, RequestID: "req-1"}, 3, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("部分结果不应视为错误: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("超时后应返回已收集的 1 条消息, got %d", len(msgs))
	}
}

func TestPollIgnoresEntriesAtOrBelowAfterSeq(t *testing.T) {
	led := newTestLedger(t)
	old := appendBid(t, led, "req-1", "agent-a", 10)
	appendBid(t, led, "req-1", "agent-b", 20)

	poller := NewPoller(led, 5*time.Millisecond, nil)
	msgs, err := poller.Poll(context.Background(), Filter{
		Type:      MsgBid,
		RequestID: "req-1",
		AfterSeq:  old.Seq,
	}, 1, time.Second)
	if err != nil {
		t.Fatalf("轮询失败: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Sender != "agent-b" {
		t.Fatalf("锚点之前的消息不应出现: %+v", msgs)
	}
}

func TestPollDeduplicatesAcrossTicks(t *testing.T) {
	led := newTestLedger(t)
	appendBid(t, led, "req-1", "agent-a", 10)

	// 第二条消息在几个轮询周期之后才出现，第一条会被反复读到。
	go func() {
		time.Sleep(50 * time.Millisecond)
		_, _ = led.Append(context.Background(),
			json.RawMessage(`{"type":"bid","request_id":"req-1","sender":"agent-b","price":20}`))
	}()

	poller := NewPoller(led, 5*time.Millisecond, nil)
	msgs, err := poller.Poll(context.Background(), Filter{Type: MsgBid, RequestID: "req-1"}, 2, 2*time.Second)
	if err != nil {
		t.Fatalf("轮询失败: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("重复读取不应产生重复结果, got %d", len(msgs))
	}
	if msgs[0].Sender == msgs[1].Sender {
		t.Fatalf("两条消息应来自不同发送者: %+v", msgs)
	}
}

func TestPollSkipsMalformedEntries(t *testing.T) {
	led := newTestLedger(t)
	if _, err := led.Append(context.Background(), json.RawMessage(`{"no_type":true}`)); err != nil {
		t.Fatalf("写入坏消息失败: %v", err)
	}
	appendBid(t, led, "req-1", "agent-a", 10)

	poller := NewPoller(led, 5*time.Millisecond, nil)
	msgs, err := poller.Poll(context.Background(), Filter{Type: MsgBid, RequestID: "req-1"}, 1, time.Second)
	if err != nil {
		t.Fatalf("轮询失败: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Sender != "agent-a" {
		t.Fatalf("坏消息应被跳过: %+v", msgs)
	}
}

func TestPollStopsOnContextCancel(t *testing.T) {
	led := newTestLedger(t)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	poller := NewPoller(led, 5*time.Millisecond, nil)
	_, err := poller.Poll(ctx, Filter{Type: MsgBid}, 1, 10*time.Second)
	if err == nil {
		t.Fatal("上下文取消应返回错误")
	}
}
