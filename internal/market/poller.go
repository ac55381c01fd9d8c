package market

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"OpenBazaar-Chain/internal/ledger"
	"OpenBazaar-Chain/pkg/logger"
)

// Event 是对外广播的生命周期通知，供仪表盘实时展示。
type Event struct {
	Kind       string    `json:"kind"`
	RequestID  string    `json:"request_id,omitempty"`
	State      string    `json:"state,omitempty"`
	Role       string    `json:"role,omitempty"`
	Message    string    `json:"message,omitempty"`
	Count      int       `json:"count,omitempty"`
	Seq        uint64    `json:"seq,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// EventSink 接收生命周期通知。通知只用于观测，不参与正确性。
type EventSink interface {
	Emit(event Event)
}

// NopSink 丢弃所有通知。
type NopSink struct{}

// Emit 实现 EventSink。
func (NopSink) Emit(Event) {}

// FanoutSink 把通知同时投递给多个接收方。
type FanoutSink []EventSink

// Emit 实现 EventSink。
func (s FanoutSink) Emit(event Event) {
	for _, sink := range s {
		if sink != nil {
			sink.Emit(event)
		}
	}
}

// Filter 描述一次轮询要匹配的消息。AfterSeq 之前（含）的消息一律忽略。
type Filter struct {
	Type      MsgType
	Role      string
	RequestID string
	AfterSeq  uint64
}

func (f Filter) matches(m Message) bool {
	if f.Type != "" && m.Type != f.Type {
		return false
	}
	if f.Role != "" && m.Role != f.Role {
		return false
	}
	if f.RequestID != "" && m.RequestID != f.RequestID {
		return false
	}
	return true
}

// Poller 周期性读取账本并按过滤条件收集消息。
// 轮询周期与超时预算相互独立；到期后返回已收集的部分结果，不视为错误。
type Poller struct {
	reader   ledger.Reader
	interval time.Duration
	sink     EventSink
	log      *slog.Logger
}

// NewPoller 构造 Poller。interval 非法时退回 2 秒。
func NewPoller(reader ledger.Reader, interval time.Duration, sink EventSink) *Poller {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if sink == nil {
		sink = NopSink{}
	}
	return &Poller{
		reader:   reader,
		interval: interval,
		sink:     sink,
		log:      logger.Named("poller"),
	}
}

// Poll 收集至多 expected 条匹配消息。返回值按 Seq 升序、无重复序号，
// 且全部满足 Seq > filter.AfterSeq。消息不足只会发生于超时，不产生错误；
// 上下文取消时返回已收集的结果和 ctx.Err()。
func (p *Poller) Poll(ctx context.Context, filter Filter, expected int, timeout time.Duration) ([]Message, error) {
	if expected <= 0 {
		expected = 1
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	seen := make(map[uint64]bool)
	var collected []Message

	for {
		entries, err := p.reader.ReadSince(ctx, filter.AfterSeq)
		if err != nil {
			// 账本暂时不可读按一次空轮询处理，等待下个周期重试。
			p.log.Warn("读取账本失败", slog.Any("error", err))
		}
		fresh := 0
		for _, entry := range entries {
			if entry.Seq <= filter.AfterSeq {
				continue
			}
			msg, parseErr := ParseMessage(entry)
			if parseErr != nil {
				// 无法解析的条目直接跳过：既不去重也不计入命中。
				p.log.Debug("跳过无法解析的账本条目", slog.Uint64("seq", entry.Seq))
				continue
			}
			if seen[msg.Seq] {
				continue
			}
			seen[msg.Seq] = true
			if !filter.matches(msg) {
				continue
			}
			collected = append(collected, msg)
			fresh++
		}
		if fresh > 0 {
			p.sink.Emit(Event{
				Kind:       "poll_progress",
				RequestID:  filter.RequestID,
				Role:       filter.Role,
				Message:    string(filter.Type),
				Count:      len(collected),
				OccurredAt: time.Now().UTC(),
			})
		}
		if len(collected) >= expected {
			break
		}

		select {
		case <-ctx.Done():
			sortBySeq(collected)
			return collected, ctx.Err()
		case <-deadline.C:
			sortBySeq(collected)
			p.sink.Emit(Event{
				Kind:       "poll_timeout",
				RequestID:  filter.RequestID,
				Role:       filter.Role,
				Message:    string(filter.Type),
				Count:      len(collected),
				OccurredAt: time.Now().UTC(),
			})
			return collected, nil
		case <-ticker.C:
		}
	}

	sortBySeq(collected)
	return collected, nil
}

func sortBySeq(messages []Message) {
	sort.Slice(messages, func(i, j int) bool { return messages[i].Seq < messages[j].Seq })
}
