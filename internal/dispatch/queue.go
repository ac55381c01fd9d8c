package dispatch

import (
	"context"
	"encoding/json"
)

// Trigger 是一次对参与方的唤醒信号。
type Trigger struct {
	Agent     string `json:"agent"`
	Reason    string `json:"reason"`
	RequestID string `json:"request_id"`
	Role      string `json:"role,omitempty"`
	Seq       uint64 `json:"seq"`
}

func encodeTrigger(t Trigger) ([]byte, error) {
	return json.Marshal(t)
}

func decodeTrigger(data []byte) (Trigger, error) {
	var t Trigger
	err := json.Unmarshal(data, &t)
	return t, err
}

// Handler 处理来自队列的触发。
type Handler func(ctx context.Context, trigger Trigger) error

// Producer 负责向队列投递触发。
type Producer interface {
	Publish(ctx context.Context, trigger Trigger) error
	Close() error
}

// Consumer 负责从队列中消费触发。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}
