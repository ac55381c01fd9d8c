package dispatch

import (
	"context"
	"sync"

	xerrors "OpenBazaar-Chain/internal/errors"
)

// MemoryQueue 使用 channel 模拟触发队列，主要用于测试。
type MemoryQueue struct {
	ch     chan Trigger
	mu     sync.Mutex
	closed bool
}

var _ Queue = (*MemoryQueue)(nil)

// NewMemoryQueue 创建一个内存队列。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{ch: make(chan Trigger, size)}
}

// Publish 将触发投递到队列。
func (q *MemoryQueue) Publish(ctx context.Context, trigger Trigger) error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return xerrors.New(xerrors.CodeQueueFailure, "队列已关闭")
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.ch <- trigger:
		return nil
	}
}

// Consume 启动指定数量的工作协程消费队列中的触发。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case trigger, ok := <-q.ch:
					if !ok {
						return
					}
					_ = handler(ctx, trigger)
				}
			}
		}()
	}
	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// Close 关闭内存队列。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	if !q.closed {
		close(q.ch)
		q.closed = true
	}
	q.mu.Unlock()
	return nil
}
