package reputation

import (
	"context"
	"database/sql"
	"strings"
	"time"

	xerrors "OpenBazaar-Chain/internal/errors"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
)

// MySQLRegistry 使用 MySQL 持久化声誉记录。
type MySQLRegistry struct {
	db *sql.DB
}

var _ Registry = (*MySQLRegistry)(nil)

// NewMySQLRegistry 创建一个新的 MySQLRegistry。
func NewMySQLRegistry(dsn string) (*MySQLRegistry, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(CodeReputationFailure, err, "连接 MySQL 失败")
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(CodeReputationFailure, err, "无法连接到 MySQL")
	}

	registry := &MySQLRegistry{db: db}
	if err := registry.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return registry, nil
}

func (r *MySQLRegistry) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS reputation_records (
        id VARCHAR(64) PRIMARY KEY,
        account VARCHAR(255) NOT NULL,
        role VARCHAR(64) DEFAULT '',
        score INT NOT NULL,
        feedback TEXT,
        context VARCHAR(255) DEFAULT '',
        created_at BIGINT NOT NULL,
        INDEX idx_reputation_account (account),
        INDEX idx_reputation_created (created_at)
)`
	if _, err := r.db.Exec(schema); err != nil {
		return xerrors.Wrap(CodeReputationFailure, err, "初始化 reputation_records 表失败")
	}
	return nil
}

// Submit 实现 Registry 接口。
func (r *MySQLRegistry) Submit(ctx context.Context, record Record) (string, error) {
	if record.Account == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "声誉记录缺少账户")
	}
	record.ID = uuid.NewString()
	const insert = `INSERT INTO reputation_records
        (id, account, role, score, feedback, context, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, insert,
		record.ID, record.Account, record.Role, record.Score,
		record.Feedback, record.Context, time.Now().Unix())
	if err != nil {
		return "", xerrors.Wrap(CodeReputationFailure, err, "插入声誉记录失败")
	}
	return record.ID, nil
}

// History 实现 Registry 接口。
func (r *MySQLRegistry) History(ctx context.Context, account string) ([]Record, error) {
	const query = `SELECT id, account, role, score, feedback, context
        FROM reputation_records WHERE account = ? ORDER BY created_at ASC`
	rows, err := r.db.QueryContext(ctx, query, account)
	if err != nil {
		return nil, xerrors.Wrap(CodeReputationFailure, err, "查询声誉记录失败")
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var record Record
		var feedback sql.NullString
		if err := rows.Scan(&record.ID, &record.Account, &record.Role,
			&record.Score, &feedback, &record.Context); err != nil {
			return nil, xerrors.Wrap(CodeReputationFailure, err, "解析声誉记录失败")
		}
		record.Feedback = feedback.String
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(CodeReputationFailure, err, "遍历声誉记录失败")
	}
	return out, nil
}

// Close 实现 Registry 接口。
func (r *MySQLRegistry) Close() error {
	return r.db.Close()
}
