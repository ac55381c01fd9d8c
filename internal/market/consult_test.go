package market

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"OpenBazaar-Chain/internal/escrow"
)

func consultRequestPayload(requestID, sender, role, question string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(
		`{"type":"consult_request","request_id":%q,"sender":%q,"role":%q,"content":%q}`,
		requestID, sender, role, question))
}

func consultAcceptPayload(requestID, sender, role string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(
		`{"type":"consult_accept","request_id":%q,"sender":%q,"role":%q}`,
		requestID, sender, role))
}

// 顾问全程缺席：协调器补发兜底报价与兜底回答，咨询费照常划给顾问，
// 会话不受影响走到完成。
func TestConsultationSyntheticFallback(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	led := newTestLedger(t)
	vault := escrow.NewMemoryVault(nil)

	o, err := NewOrchestrator(led, vault, nil, testConfig("builder"))
	if err != nil {
		t.Fatalf("创建协调器失败: %v", err)
	}
	defer o.Close()

	runAgent(ctx, t, led, func(msg Message) []json.RawMessage {
		switch msg.Type {
		case MsgTaskRequest:
			return []json.RawMessage{bidPayload(msg.RequestID, "agent-b", "builder", 60)}
		case MsgBidAccepted:
			return []json.RawMessage{
				consultRequestPayload(msg.RequestID, "agent-b", "builder", "目标链是哪条"),
			}
		case MsgConsultQuote:
			return []json.RawMessage{
				consultAcceptPayload(msg.RequestID, "agent-b", "builder"),
			}
		case MsgConsultAnswer:
			return []json.RawMessage{
				deliverablePayload(msg.RequestID, "agent-b", "builder", "done"),
			}
		}
		return nil
	})

	if _, err := o.Trigger(ctx, TriggerRequest{TaskRef: "deploy contract"}); err != nil {
		t.Fatalf("触发会话失败: %v", err)
	}

	waitForState(t, o, StateAwaitingBidApproval, 10*time.Second)
	resolveEventually(t, func() bool {
		return o.ResolveBidApproval(BidDecision{Approved: true})
	}, 5*time.Second)

	waitForState(t, o, StateAwaitingReview, 15*time.Second)
	resolveEventually(t, func() bool {
		return o.ResolveReview(ReviewDecision{Reviews: map[string]Review{
			"builder": {Approved: true, Score: 100},
		}})
	}, 5*time.Second)

	final := waitForState(t, o, StateComplete, 10*time.Second)

	if len(final.Consults) != 1 {
		t.Fatalf("应记录 1 次咨询, got %d", len(final.Consults))
	}
	consult := final.Consults[0]
	if !consult.Requested {
		t.Fatal("咨询应被标记为已发起")
	}
	if consult.QuoteProvenance != ProvenanceSynthetic {
		t.Fatalf("报价来源应为兜底, got %s", consult.QuoteProvenance)
	}
	if consult.AnswerProvenance != ProvenanceSynthetic {
		t.Fatalf("回答来源应为兜底, got %s", consult.AnswerProvenance)
	}
	if consult.FeePaid != 2 {
		t.Fatalf("咨询费应为默认费率 2, got %d", consult.FeePaid)
	}
	if vault.Balance("advisor-1") != 2 {
		t.Fatalf("顾问账户应收到咨询费, got %d", vault.Balance("advisor-1"))
	}

	// 兜底消息必须落在账本上并带有 synthetic 标记。
	entries, err := led.ReadSince(ctx, 0)
	if err != nil {
		t.Fatalf("读取账本失败: %v", err)
	}
	var sawQuote, sawAnswer bool
	for _, entry := range entries {
		msg, parseErr := ParseMessage(entry)
		if parseErr != nil {
			continue
		}
		switch msg.Type {
		case MsgConsultQuote:
			if msg.Synthetic {
				sawQuote = true
			}
		case MsgConsultAnswer:
			if msg.Synthetic {
				sawAnswer = true
			}
		}
	}
	if !sawQuote || !sawAnswer {
		t.Fatalf("账本应包含兜底报价与回答: quote=%v answer=%v", sawQuote, sawAnswer)
	}

	// 咨询费与结算都从托管释放。60 + 2。
	if final.EscrowReleased != 62 {
		t.Fatalf("释放额应为结算加咨询费 62, got %d", final.EscrowReleased)
	}
}

// 报价已经是兜底的说明顾问不在线，等待回答时必须用短窗口，
// 不能按长窗口把会话拖住。长窗口远超测试时限，只有走短窗口
// 会话才来得及完成。
func TestConsultationSyntheticQuoteUsesShortAnswerWindow(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	led := newTestLedger(t)
	vault := escrow.NewMemoryVault(nil)

	cfg := testConfig("builder")
	cfg.ConsultLongWait = 10 * time.Minute

	o, err := NewOrchestrator(led, vault, nil, cfg)
	if err != nil {
		t.Fatalf("创建协调器失败: %v", err)
	}
	defer o.Close()

	runAgent(ctx, t, led, func(msg Message) []json.RawMessage {
		switch msg.Type {
		case MsgTaskRequest:
			return []json.RawMessage{bidPayload(msg.RequestID, "agent-b", "builder", 60)}
		case MsgBidAccepted:
			return []json.RawMessage{
				consultRequestPayload(msg.RequestID, "agent-b", "builder", "预算怎么分"),
			}
		case MsgConsultAnswer:
			return []json.RawMessage{
				deliverablePayload(msg.RequestID, "agent-b", "builder", "done"),
			}
		}
		return nil
	})

	if _, err := o.Trigger(ctx, TriggerRequest{TaskRef: "anything"}); err != nil {
		t.Fatalf("触发会话失败: %v", err)
	}

	waitForState(t, o, StateAwaitingBidApproval, 10*time.Second)
	resolveEventually(t, func() bool {
		return o.ResolveBidApproval(BidDecision{Approved: true})
	}, 5*time.Second)

	// 长窗口是 10 分钟：评审阶段能在几秒内到达，说明兜底报价
	// 之后走的是短窗口。
	waitForState(t, o, StateAwaitingReview, 10*time.Second)
	resolveEventually(t, func() bool {
		return o.ResolveReview(ReviewDecision{Reviews: map[string]Review{
			"builder": {Approved: true, Score: 100},
		}})
	}, 5*time.Second)

	final := waitForState(t, o, StateComplete, 10*time.Second)
	if len(final.Consults) != 1 {
		t.Fatalf("应记录 1 次咨询, got %d", len(final.Consults))
	}
	consult := final.Consults[0]
	if consult.QuoteProvenance != ProvenanceSynthetic || consult.AnswerProvenance != ProvenanceSynthetic {
		t.Fatalf("报价与回答都应为兜底: %+v", consult)
	}
	// 咨询费在等待回答之前划转，回答兜底也不影响。
	if vault.Balance("advisor-1") != 2 {
		t.Fatalf("顾问应收到咨询费, got %d", vault.Balance("advisor-1"))
	}
}

// 工人没有发起咨询时整个子协议被跳过，不产生任何咨询消息。
func TestConsultationSkippedWithoutRequest(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	led := newTestLedger(t)
	vault := escrow.NewMemoryVault(nil)

	o, err := NewOrchestrator(led, vault, nil, testConfig("builder"))
	if err != nil {
		t.Fatalf("创建协调器失败: %v", err)
	}
	defer o.Close()

	runAgent(ctx, t, led, func(msg Message) []json.RawMessage {
		switch msg.Type {
		case MsgTaskRequest:
			return []json.RawMessage{bidPayload(msg.RequestID, "agent-b", "builder", 60)}
		case MsgBidAccepted:
			return []json.RawMessage{deliverablePayload(msg.RequestID, "agent-b", "builder", "done")}
		}
		return nil
	})

	if _, err := o.Trigger(ctx, TriggerRequest{TaskRef: "anything"}); err != nil {
		t.Fatalf("触发会话失败: %v", err)
	}

	waitForState(t, o, StateAwaitingBidApproval, 10*time.Second)
	resolveEventually(t, func() bool {
		return o.ResolveBidApproval(BidDecision{Approved: true})
	}, 5*time.Second)
	waitForState(t, o, StateAwaitingReview, 10*time.Second)
	resolveEventually(t, func() bool {
		return o.ResolveReview(ReviewDecision{Reviews: map[string]Review{
			"builder": {Approved: true, Score: 100},
		}})
	}, 5*time.Second)

	final := waitForState(t, o, StateComplete, 10*time.Second)
	if len(final.Consults) != 0 {
		t.Fatalf("未发起的咨询不应留下记录: %+v", final.Consults)
	}
	if vault.Balance("advisor-1") != 0 {
		t.Fatalf("顾问不应收到费用, got %d", vault.Balance("advisor-1"))
	}
}
