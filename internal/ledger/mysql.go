package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// SQLLedger 使用 MySQL 存储账本，自增主键即为消息序号。
type SQLLedger struct {
	db *sql.DB
}

// NewSQLLedger 创建连接池并初始化账本表。
func NewSQLLedger(dsn string) (*SQLLedger, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("连接 MySQL 失败: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("无法连接到 MySQL: %w", err)
	}

	l := &SQLLedger{db: db}
	if err := l.initSchema(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *SQLLedger) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS ledger_entries (
        seq BIGINT UNSIGNED AUTO_INCREMENT PRIMARY KEY,
        created_at BIGINT NOT NULL,
        payload JSON NOT NULL,
        INDEX idx_created_at (created_at)
)`

	if _, err := l.db.Exec(schema); err != nil {
		return fmt.Errorf("初始化 ledger_entries 表失败: %w", err)
	}
	return nil
}

// Append 将消息写入 MySQL 并返回数据库分配的序号。
func (l *SQLLedger) Append(ctx context.Context, payload json.RawMessage) (Entry, error) {
	now := time.Now().UTC()
	result, err := l.db.ExecContext(ctx,
		`INSERT INTO ledger_entries (created_at, payload) VALUES (?, ?)`,
		now.Unix(), []byte(payload),
	)
	if err != nil {
		return Entry{}, fmt.Errorf("写入账本失败: %w", err)
	}
	seq, err := result.LastInsertId()
	if err != nil {
		return Entry{}, fmt.Errorf("获取账本序号失败: %w", err)
	}
	return Entry{
		Seq:       uint64(seq),
		Timestamp: now,
		Payload:   append(json.RawMessage(nil), payload...),
	}, nil
}

// ReadSince 查询序号大于 minSeq 的条目，按序号升序返回。
func (l *SQLLedger) ReadSince(ctx context.Context, minSeq uint64) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT seq, created_at, payload FROM ledger_entries WHERE seq > ? ORDER BY seq ASC`,
		minSeq,
	)
	if err != nil {
		return nil, fmt.Errorf("查询账本失败: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			seq       uint64
			createdAt int64
			payload   []byte
		)
		if err := rows.Scan(&seq, &createdAt, &payload); err != nil {
			return nil, fmt.Errorf("解析账本条目失败: %w", err)
		}
		entries = append(entries, Entry{
			Seq:       seq,
			Timestamp: time.Unix(createdAt, 0).UTC(),
			Payload:   payload,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历账本条目失败: %w", err)
	}
	return entries, nil
}

// Close 关闭底层数据库连接。
func (l *SQLLedger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

var _ Ledger = (*SQLLedger)(nil)
