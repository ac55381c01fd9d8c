package reputation

import (
	"context"
	"sync"

	xerrors "OpenBazaar-Chain/internal/errors"

	"github.com/google/uuid"
)

// CodeReputationFailure 标识声誉存储故障。
const CodeReputationFailure xerrors.Code = "REPUTATION_FAILURE"

func init() {
	xerrors.Register(CodeReputationFailure, xerrors.Attributes{
		Message:   "reputation store failure",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
}

// Record 是一条声誉记录。
type Record struct {
	ID       string `json:"id"`
	Account  string `json:"account"`
	Role     string `json:"role"`
	Score    int    `json:"score"`
	Feedback string `json:"feedback,omitempty"`
	Context  string `json:"context,omitempty"`
}

// Registry 抽象声誉存储。
type Registry interface {
	// Submit 追加一条声誉记录并返回记录标识。
	Submit(ctx context.Context, record Record) (string, error)
	// History 返回某账户的全部历史记录，按时间升序。
	History(ctx context.Context, account string) ([]Record, error)
	// Close 释放底层连接。
	Close() error
}

// NopRegistry 丢弃所有记录，用于关闭声誉功能的部署。
type NopRegistry struct{}

var _ Registry = NopRegistry{}

func (NopRegistry) Submit(context.Context, Record) (string, error) { return "", nil }

func (NopRegistry) History(context.Context, string) ([]Record, error) { return nil, nil }

func (NopRegistry) Close() error { return nil }

// MemoryRegistry 在进程内保存声誉记录，适用于开发与测试。
type MemoryRegistry struct {
	mu      sync.Mutex
	records []Record
}

var _ Registry = (*MemoryRegistry)(nil)

// NewMemoryRegistry 创建内存声誉存储。
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{}
}

// Submit 实现 Registry 接口。
func (r *MemoryRegistry) Submit(ctx context.Context, record Record) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if record.Account == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "声誉记录缺少账户")
	}
	record.ID = uuid.NewString()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, record)
	return record.ID, nil
}

// History 实现 Registry 接口。
func (r *MemoryRegistry) History(ctx context.Context, account string) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Record
	for _, record := range r.records {
		if record.Account == account {
			out = append(out, record)
		}
	}
	return out, nil
}

// Close 实现 Registry 接口。
func (r *MemoryRegistry) Close() error { return nil }
