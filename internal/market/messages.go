package market

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"OpenBazaar-Chain/internal/ledger"
)

// MsgType 标识账本消息的业务类型。
type MsgType string

const (
	MsgTaskRequest     MsgType = "task_request"
	MsgBid             MsgType = "bid"
	MsgBidAccepted     MsgType = "bid_accepted"
	MsgConsultRequest  MsgType = "consult_request"
	MsgConsultQuote    MsgType = "consult_quote"
	MsgConsultAccept   MsgType = "consult_accept"
	MsgConsultAnswer   MsgType = "consult_answer"
	MsgDeliverable     MsgType = "deliverable"
	MsgRevisionRequest MsgType = "revision_request"
	MsgSettlement      MsgType = "settlement"
	MsgSessionComplete MsgType = "session_complete"
)

// Message 是账本条目经过宽容解析后的规范形式。
// 工人智能体的消息字段命名不受约束，别名归一化见 normalize.go。
type Message struct {
	Seq        uint64
	Timestamp  time.Time
	Type       MsgType
	RequestID  string
	Role       string
	Sender     string
	SenderName string
	Price      int64
	Pitch      string
	Feedback   string
	Content    json.RawMessage
	Synthetic  bool
	Raw        map[string]any
}

// Bid 是一次竞标的规范记录。
type Bid struct {
	RequestID  string    `json:"request_id"`
	Sender     string    `json:"sender"`
	Role       string    `json:"role,omitempty"`
	Price      int64     `json:"price"`
	Pitch      string    `json:"pitch,omitempty"`
	SenderName string    `json:"sender_name,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Seq        uint64    `json:"seq"`
}

// Deliverable 是一次交付的规范记录。Content 对协调器是不透明的。
type Deliverable struct {
	RequestID  string          `json:"request_id"`
	Sender     string          `json:"sender"`
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content,omitempty"`
	SenderName string          `json:"sender_name,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Seq        uint64          `json:"seq"`
}

// payload 构造工具：协调器自己发布的消息统一使用规范字段名。

func marshalPayload(fields map[string]any) json.RawMessage {
	encoded, err := json.Marshal(fields)
	if err != nil {
		// map[string]any 的基础类型序列化不会失败，保底返回空对象。
		return json.RawMessage(`{}`)
	}
	return encoded
}

// NewTaskRequestPayload 构造会话发布的任务请求消息。
func NewTaskRequestPayload(requestID, taskRef string, budget int64, roles []string) json.RawMessage {
	return marshalPayload(map[string]any{
		"type":       string(MsgTaskRequest),
		"request_id": requestID,
		"task_ref":   taskRef,
		"budget":     budget,
		"roles":      roles,
	})
}

// NewBidAcceptedPayload 构造中标通知。派发层据此拉起对应角色的工人。
func NewBidAcceptedPayload(requestID, role, account string, price int64) json.RawMessage {
	return marshalPayload(map[string]any{
		"type":       string(MsgBidAccepted),
		"request_id": requestID,
		"role":       role,
		"sender":     account,
		"price":      price,
	})
}

// NewConsultQuotePayload 构造顾问报价。synthetic 标记由协调器代发的兜底报价。
func NewConsultQuotePayload(requestID, role, advisor string, fee int64, synthetic bool) json.RawMessage {
	return marshalPayload(map[string]any{
		"type":       string(MsgConsultQuote),
		"request_id": requestID,
		"role":       role,
		"sender":     advisor,
		"price":      fee,
		"synthetic":  synthetic,
	})
}

// NewConsultAnswerPayload 构造顾问答复，synthetic 含义同上。
func NewConsultAnswerPayload(requestID, role, advisor, answer string, synthetic bool) json.RawMessage {
	return marshalPayload(map[string]any{
		"type":       string(MsgConsultAnswer),
		"request_id": requestID,
		"role":       role,
		"sender":     advisor,
		"content":    answer,
		"synthetic":  synthetic,
	})
}

// NewRevisionRequestPayload 构造修订请求，附带人工评审意见。
func NewRevisionRequestPayload(requestID, role, feedback string, round int) json.RawMessage {
	return marshalPayload(map[string]any{
		"type":       string(MsgRevisionRequest),
		"request_id": requestID,
		"role":       role,
		"feedback":   feedback,
		"round":      round,
	})
}

// NewSettlementPayload 构造结算记录消息。
func NewSettlementPayload(requestID, role, account string, amount int64, txRef string) json.RawMessage {
	return marshalPayload(map[string]any{
		"type":       string(MsgSettlement),
		"request_id": requestID,
		"role":       role,
		"sender":     account,
		"amount":     amount,
		"tx_ref":     txRef,
	})
}

// NewSessionCompletePayload 构造会话完结标记。
func NewSessionCompletePayload(requestID string, released int64) json.RawMessage {
	return marshalPayload(map[string]any{
		"type":       string(MsgSessionComplete),
		"request_id": requestID,
		"released":   released,
	})
}

// appendMessage 将消息写入账本并返回解析后的规范形式。
func appendMessage(ctx context.Context, w ledger.Writer, payload json.RawMessage) (Message, error) {
	entry, err := w.Append(ctx, payload)
	if err != nil {
		return Message{}, err
	}
	msg, err := ParseMessage(entry)
	if err != nil {
		return Message{}, fmt.Errorf("回读协调器消息失败: %w", err)
	}
	return msg, nil
}
