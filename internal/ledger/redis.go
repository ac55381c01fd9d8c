package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLedgerConfig 描述 Redis 账本的连接参数。
type RedisLedgerConfig struct {
	Address  string
	Password string
	DB       int
	Key      string
}

// RedisLedger 使用 Redis 实现账本：INCR 计数器分配序号，
// 有序集合按序号存放条目，ZRANGEBYSCORE 完成增量读取。
type RedisLedger struct {
	client *redis.Client
	key    string
}

// NewRedisLedger 创建 Redis 账本实例。
func NewRedisLedger(cfg RedisLedgerConfig) (*RedisLedger, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	key := cfg.Key
	if key == "" {
		key = "bazaar:ledger"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &RedisLedger{client: client, key: key}, nil
}

func (l *RedisLedger) seqKey() string {
	return l.key + ":seq"
}

// Append 分配序号并写入有序集合。
func (l *RedisLedger) Append(ctx context.Context, payload json.RawMessage) (Entry, error) {
	seq, err := l.client.Incr(ctx, l.seqKey()).Result()
	if err != nil {
		return Entry{}, fmt.Errorf("分配账本序号失败: %w", err)
	}

	entry := Entry{
		Seq:       uint64(seq),
		Timestamp: time.Now().UTC(),
		Payload:   append(json.RawMessage(nil), payload...),
	}
	encoded, err := json.Marshal(entry)
	if err != nil {
		return Entry{}, fmt.Errorf("序列化账本条目失败: %w", err)
	}
	if err := l.client.ZAdd(ctx, l.key, redis.Z{
		Score:  float64(seq),
		Member: string(encoded),
	}).Err(); err != nil {
		return Entry{}, fmt.Errorf("写入账本失败: %w", err)
	}
	return entry, nil
}

// ReadSince 以序号为分值做区间查询。
func (l *RedisLedger) ReadSince(ctx context.Context, minSeq uint64) ([]Entry, error) {
	members, err := l.client.ZRangeByScore(ctx, l.key, &redis.ZRangeBy{
		Min: fmt.Sprintf("(%d", minSeq),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("读取账本失败: %w", err)
	}

	entries := make([]Entry, 0, len(members))
	for _, member := range members {
		var entry Entry
		if err := json.Unmarshal([]byte(member), &entry); err != nil {
			// 无法解析的成员跳过，不让单条脏数据阻塞整体读取。
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Close 关闭 Redis 连接。
func (l *RedisLedger) Close() error {
	if l == nil || l.client == nil {
		return nil
	}
	return l.client.Close()
}

var _ Ledger = (*RedisLedger)(nil)
