package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"OpenBazaar-Chain/internal/ledger"
)

// recordingProducer 记录所有投递的触发。
type recordingProducer struct {
	mu       sync.Mutex
	triggers []Trigger
}

func (p *recordingProducer) Publish(_ context.Context, trigger Trigger) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.triggers = append(p.triggers, trigger)
	return nil
}

func (p *recordingProducer) Close() error { return nil }

func (p *recordingProducer) all() []Trigger {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Trigger(nil), p.triggers...)
}

func newWatcherLedger(t *testing.T) *ledger.MemoryLedger {
	t.Helper()
	led, err := ledger.NewMemoryLedger("")
	if err != nil {
		t.Fatalf("创建内存账本失败: %v", err)
	}
	t.Cleanup(func() { _ = led.Close() })
	return led
}

func appendRaw(t *testing.T, led ledger.Writer, payload string) ledger.Entry {
	t.Helper()
	entry, err := led.Append(context.Background(), json.RawMessage(payload))
	if err != nil {
		t.Fatalf("写入账本失败: %v", err)
	}
	return entry
}

func testWatcher(t *testing.T, led ledger.Reader, producer Producer, cooldown time.Duration) *Watcher {
	t.Helper()
	w, err := NewWatcher(led, producer, WatcherConfig{
		Roster:   map[string]string{"analyst": "agent-a", "builder": "agent-b"},
		Advisor:  "advisor-1",
		Cooldown: cooldown,
		Interval: time.Second,
	})
	if err != nil {
		t.Fatalf("创建观察器失败: %v", err)
	}
	return w
}

func TestWatcherRoutesTaskRequestToAllWorkers(t *testing.T) {
	led := newWatcherLedger(t)
	producer := &recordingProducer{}
	w := testWatcher(t, led, producer, time.Hour)

	appendRaw(t, led, `{"type":"task_request","request_id":"req-1","task_ref":"anything"}`)
	if err := w.sweep(context.Background()); err != nil {
		t.Fatalf("扫描失败: %v", err)
	}

	triggers := producer.all()
	if len(triggers) != 2 {
		t.Fatalf("任务请求应唤醒全部工人, got %d", len(triggers))
	}
	seen := map[string]bool{}
	for _, trigger := range triggers {
		seen[trigger.Agent] = true
		if trigger.Reason != "task_request" || trigger.RequestID != "req-1" {
			t.Fatalf("触发内容不符: %+v", trigger)
		}
	}
	if !seen["agent-a"] || !seen["agent-b"] {
		t.Fatalf("唤醒对象不符: %+v", seen)
	}
}

func TestWatcherRoutesRoleMessagesToRoleAgent(t *testing.T) {
	led := newWatcherLedger(t)
	producer := &recordingProducer{}
	w := testWatcher(t, led, producer, time.Hour)

	appendRaw(t, led, `{"type":"bid_accepted","request_id":"req-1","role":"builder","sender":"agent-b","price":50}`)
	appendRaw(t, led, `{"type":"consult_request","request_id":"req-1","role":"builder","sender":"agent-b"}`)
	if err := w.sweep(context.Background()); err != nil {
		t.Fatalf("扫描失败: %v", err)
	}

	triggers := producer.all()
	if len(triggers) != 2 {
		t.Fatalf("应产生 2 个触发, got %d", len(triggers))
	}
	if triggers[0].Agent != "agent-b" || triggers[0].Reason != "bid_accepted" {
		t.Fatalf("中标通知应唤醒角色工人: %+v", triggers[0])
	}
	if triggers[1].Agent != "advisor-1" || triggers[1].Reason != "consult_request" {
		t.Fatalf("咨询请求应唤醒顾问: %+v", triggers[1])
	}
}

func TestWatcherDeduplicatesBySeq(t *testing.T) {
	led := newWatcherLedger(t)
	producer := &recordingProducer{}
	w := testWatcher(t, led, producer, time.Millisecond)

	appendRaw(t, led, `{"type":"bid_accepted","request_id":"req-1","role":"builder","sender":"agent-b","price":50}`)
	if err := w.sweep(context.Background()); err != nil {
		t.Fatalf("扫描失败: %v", err)
	}
	// 把读取游标拨回去模拟重复读取，同一 Seq 不应再次唤醒。
	w.lastSeq = 0
	time.Sleep(5 * time.Millisecond)
	if err := w.sweep(context.Background()); err != nil {
		t.Fatalf("扫描失败: %v", err)
	}

	if got := len(producer.all()); got != 1 {
		t.Fatalf("重复读取不应重复唤醒, got %d", got)
	}
}

func TestWatcherCooldownKeepsLatestPending(t *testing.T) {
	led := newWatcherLedger(t)
	producer := &recordingProducer{}
	w := testWatcher(t, led, producer, 40*time.Millisecond)

	appendRaw(t, led, `{"type":"bid_accepted","request_id":"req-1","role":"builder","sender":"agent-b","price":50}`)
	if err := w.sweep(context.Background()); err != nil {
		t.Fatalf("扫描失败: %v", err)
	}
	if got := len(producer.all()); got != 1 {
		t.Fatalf("首个触发应立即投递, got %d", got)
	}

	// 冷却期内到达两个新触发，只有最新的一个在冷却结束后补发。
	for round := 1; round <= 2; round++ {
		appendRaw(t, led, fmt.Sprintf(
			`{"type":"revision_request","request_id":"req-1","role":"builder","round":%d}`, round))
	}
	if err := w.sweep(context.Background()); err != nil {
		t.Fatalf("扫描失败: %v", err)
	}
	if got := len(producer.all()); got != 1 {
		t.Fatalf("冷却期内不应投递, got %d", got)
	}

	time.Sleep(50 * time.Millisecond)
	if err := w.sweep(context.Background()); err != nil {
		t.Fatalf("扫描失败: %v", err)
	}
	triggers := producer.all()
	if len(triggers) != 2 {
		t.Fatalf("冷却结束应只补发一个触发, got %d", len(triggers))
	}
	last := triggers[len(triggers)-1]
	if last.Reason != "revision_request" {
		t.Fatalf("补发的应是修订触发: %+v", last)
	}
	// 滞留槽只保留最新触发，Seq 是两条修订中较大的那个。
	if last.Seq != 3 {
		t.Fatalf("补发触发应是最新的一条, seq=%d", last.Seq)
	}
}

func TestMemoryQueueRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	queue := NewMemoryQueue(8)
	defer queue.Close()

	received := make(chan Trigger, 1)
	go func() {
		_ = queue.Consume(ctx, 1, func(_ context.Context, trigger Trigger) error {
			received <- trigger
			return nil
		})
	}()

	want := Trigger{Agent: "agent-a", Reason: "task_request", RequestID: "req-1", Seq: 9}
	if err := queue.Publish(ctx, want); err != nil {
		t.Fatalf("投递失败: %v", err)
	}
	select {
	case got := <-received:
		if got != want {
			t.Fatalf("触发不一致: %+v vs %+v", got, want)
		}
	case <-ctx.Done():
		t.Fatal("等待消费超时")
	}
}
