package ledger

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// MemoryLedger 以内存切片保存账本，并以 JSONL 追加写的方式落盘，
// 便于开发调试与进程重启后恢复。
type MemoryLedger struct {
	mu       sync.RWMutex
	entries  []Entry
	nextSeq  uint64
	dataFile string
	closed   bool
}

// NewMemoryLedger 创建内存账本。dataDir 为空时不落盘。
func NewMemoryLedger(dataDir string) (*MemoryLedger, error) {
	l := &MemoryLedger{nextSeq: 1}
	if dataDir == "" {
		return l, nil
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建账本目录失败: %w", err)
	}
	l.dataFile = filepath.Join(dataDir, "ledger.jsonl")
	if err := l.loadFromDisk(); err != nil {
		return nil, err
	}
	return l, nil
}

// Append 追加一条消息并返回分配的序号。
func (l *MemoryLedger) Append(_ context.Context, payload json.RawMessage) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return Entry{}, ErrClosed
	}

	entry := Entry{
		Seq:       l.nextSeq,
		Timestamp: time.Now().UTC(),
		Payload:   append(json.RawMessage(nil), payload...),
	}
	l.nextSeq++
	l.entries = append(l.entries, entry)

	if l.dataFile != "" {
		if err := l.appendToDisk(entry); err != nil {
			return Entry{}, err
		}
	}
	return entry, nil
}

// ReadSince 返回序号大于 minSeq 的所有条目。
func (l *MemoryLedger) ReadSince(_ context.Context, minSeq uint64) ([]Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil, ErrClosed
	}

	var results []Entry
	for _, entry := range l.entries {
		if entry.Seq > minSeq {
			results = append(results, entry)
		}
	}
	return results, nil
}

// Close 关闭账本。
func (l *MemoryLedger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func (l *MemoryLedger) appendToDisk(entry Entry) error {
	file, err := os.OpenFile(l.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("打开账本文件失败: %w", err)
	}
	defer file.Close()

	encoded, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("序列化账本条目失败: %w", err)
	}
	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("写入账本文件失败: %w", err)
	}
	return nil
}

func (l *MemoryLedger) loadFromDisk() error {
	file, err := os.OpenFile(l.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("读取账本文件失败: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var entry Entry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			// 损坏的行直接跳过，账本仍然可用。
			continue
		}
		l.entries = append(l.entries, entry)
		if entry.Seq >= l.nextSeq {
			l.nextSeq = entry.Seq + 1
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("解析账本文件失败: %w", err)
	}
	return nil
}

var _ Ledger = (*MemoryLedger)(nil)
