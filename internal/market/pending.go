package market

import (
	"context"
	"sync"
)

// BidDecision 是人工对招标结果的裁决。Winners 为 角色 -> 账户，
// 为空时按报价顺序自动选取。
type BidDecision struct {
	Approved bool
	Winners  map[string]string
}

// ReviewDecision 是人工对一轮交付的评审结果，按角色给出。
type ReviewDecision struct {
	Reviews map[string]Review
}

// decisionGate 是一个单次决策槽。状态机通过 arm 声明等待，
// API 通过 resolve 投递结果；没有待决项时 resolve 是空操作。
type decisionGate[T any] struct {
	mu    sync.Mutex
	armed bool
	ch    chan T
}

func newDecisionGate[T any]() *decisionGate[T] {
	return &decisionGate[T]{ch: make(chan T, 1)}
}

// arm 打开决策槽并返回接收通道。重复 arm 会先清空残留值。
func (g *decisionGate[T]) arm() <-chan T {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.ch:
	default:
	}
	g.armed = true
	return g.ch
}

// resolve 投递决策。返回 false 表示当前没有待决项。
func (g *decisionGate[T]) resolve(value T) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.armed {
		return false
	}
	g.armed = false
	select {
	case g.ch <- value:
		return true
	default:
		return false
	}
}

// disarm 放弃等待，通常在会话被终止时调用。
func (g *decisionGate[T]) disarm() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.armed = false
	select {
	case <-g.ch:
	default:
	}
}

// awaitDecision 阻塞等待决策或上下文取消。
func awaitDecision[T any](ctx context.Context, ch <-chan T) (T, error) {
	select {
	case v := <-ch:
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
