package ledger

import (
	"context"
	"encoding/json"
	"time"

	xerrors "OpenBazaar-Chain/internal/errors"
)

// Entry 是账本中的一条不可变记录。
type Entry struct {
	Seq       uint64          `json:"seq"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Writer 负责向账本追加消息。
type Writer interface {
	Append(ctx context.Context, payload json.RawMessage) (Entry, error)
}

// Reader 负责按序号增量读取账本。返回的条目按 Seq 升序排列，
// 且全部满足 Seq > minSeq。
type Reader interface {
	ReadSince(ctx context.Context, minSeq uint64) ([]Entry, error)
}

// Ledger 同时具备读写能力。
type Ledger interface {
	Writer
	Reader
	Close() error
}

// ErrClosed 表示账本已经关闭。
var ErrClosed = xerrors.New(xerrors.CodeLedgerFailure, "账本已关闭")
