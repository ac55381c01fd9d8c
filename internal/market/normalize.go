package market

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"OpenBazaar-Chain/internal/ledger"
)

// 字段别名按优先级排列，规范名永远在首位，保证归一化幂等。
var (
	aliasType      = []string{"type", "message_type", "msg_type", "kind"}
	aliasRequestID = []string{"request_id", "requestId", "task_id", "taskId", "request"}
	aliasRole      = []string{"role", "worker_role", "position"}
	aliasSender    = []string{"sender", "bidder", "sender_account", "senderAccount", "account", "from"}
	aliasName      = []string{"sender_name", "senderName", "name", "agent_name", "agent"}
	aliasPrice     = []string{"price", "bid_amount", "bidAmount", "amount", "fee"}
	aliasPitch     = []string{"pitch", "proposal", "message", "note"}
	aliasFeedback  = []string{"feedback", "comment", "reason"}
	aliasContent   = []string{"content", "result", "deliverable", "output", "answer"}
)

// ParseMessage 宽容地解析一条账本条目。解析失败的条目由调用方丢弃，
// 不计入去重也不计入轮询命中数。
func ParseMessage(entry ledger.Entry) (Message, error) {
	var raw map[string]any
	if err := json.Unmarshal(entry.Payload, &raw); err != nil {
		return Message{}, fmt.Errorf("消息不是合法 JSON 对象: %w", err)
	}
	if raw == nil {
		return Message{}, fmt.Errorf("消息体为空")
	}

	msgType := strings.TrimSpace(pickString(raw, aliasType))
	if msgType == "" {
		return Message{}, fmt.Errorf("消息缺少 type 字段")
	}

	msg := Message{
		Seq:        entry.Seq,
		Timestamp:  entry.Timestamp,
		Type:       MsgType(msgType),
		RequestID:  pickString(raw, aliasRequestID),
		Role:       pickString(raw, aliasRole),
		Sender:     pickString(raw, aliasSender),
		SenderName: pickString(raw, aliasName),
		Price:      pickInt(raw, aliasPrice),
		Pitch:      pickString(raw, aliasPitch),
		Feedback:   pickString(raw, aliasFeedback),
		Content:    pickContent(raw, aliasContent),
		Synthetic:  pickBool(raw, "synthetic"),
		Raw:        raw,
	}
	return msg, nil
}

// AsBid 将消息视作竞标并产出规范记录。
func (m Message) AsBid() Bid {
	return Bid{
		RequestID:  m.RequestID,
		Sender:     m.Sender,
		Role:       m.Role,
		Price:      m.Price,
		Pitch:      m.Pitch,
		SenderName: m.SenderName,
		Timestamp:  m.Timestamp,
		Seq:        m.Seq,
	}
}

// AsDeliverable 将消息视作交付并产出规范记录。
func (m Message) AsDeliverable() Deliverable {
	return Deliverable{
		RequestID:  m.RequestID,
		Sender:     m.Sender,
		Role:       m.Role,
		Content:    m.Content,
		SenderName: m.SenderName,
		Timestamp:  m.Timestamp,
		Seq:        m.Seq,
	}
}

// InferRoles 对一批竞标做角色推断：缺少角色的竞标按 Seq 顺序
// 依次领取角色列表中尚未被占用的第一个角色。同一批输入无论先后
// 顺序如何，结果都是确定的。
func InferRoles(bids []Bid, roles []string) []Bid {
	result := make([]Bid, len(bids))
	copy(result, bids)
	sort.Slice(result, func(i, j int) bool { return result[i].Seq < result[j].Seq })

	claimed := make(map[string]bool, len(roles))
	for _, bid := range result {
		if bid.Role != "" {
			claimed[bid.Role] = true
		}
	}
	for i := range result {
		if result[i].Role != "" {
			continue
		}
		for _, role := range roles {
			if !claimed[role] {
				result[i].Role = role
				claimed[role] = true
				break
			}
		}
	}
	return result
}

func pickString(raw map[string]any, aliases []string) string {
	for _, key := range aliases {
		value, ok := raw[key]
		if !ok {
			continue
		}
		switch v := value.(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}

func pickInt(raw map[string]any, aliases []string) int64 {
	for _, key := range aliases {
		value, ok := raw[key]
		if !ok {
			continue
		}
		switch v := value.(type) {
		case float64:
			return int64(v)
		case string:
			if parsed, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
				return parsed
			}
		case json.Number:
			if parsed, err := v.Int64(); err == nil {
				return parsed
			}
		}
	}
	return 0
}

func pickBool(raw map[string]any, key string) bool {
	if value, ok := raw[key]; ok {
		if b, ok := value.(bool); ok {
			return b
		}
	}
	return false
}

func pickContent(raw map[string]any, aliases []string) json.RawMessage {
	for _, key := range aliases {
		value, ok := raw[key]
		if !ok || value == nil {
			continue
		}
		encoded, err := json.Marshal(value)
		if err != nil {
			continue
		}
		return encoded
	}
	return nil
}
