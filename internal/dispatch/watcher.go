package dispatch

import (
	"context"
	"log/slog"
	"time"

	xerrors "OpenBazaar-Chain/internal/errors"
	"OpenBazaar-Chain/internal/ledger"
	"OpenBazaar-Chain/internal/market"
	"OpenBazaar-Chain/pkg/logger"
)

// WatcherConfig 描述路由与安全阀参数。
type WatcherConfig struct {
	// Roster 是角色到参与方账户的花名册。
	Roster map[string]string
	// Advisor 是顾问账户，为空时咨询类消息不路由。
	Advisor string
	// Cooldown 是同一参与方两次唤醒之间的最小间隔。
	Cooldown time.Duration
	// Interval 是账本轮询周期。
	Interval time.Duration
}

// agentState 跟踪单个参与方的投递安全阀。
type agentState struct {
	lastSeq       uint64
	inFlightUntil time.Time
	pending       *Trigger
}

// Watcher 轮询账本并把新消息转成触发投递到队列。
type Watcher struct {
	reader   ledger.Reader
	producer Producer
	cfg      WatcherConfig
	log      *slog.Logger

	lastSeq uint64
	agents  map[string]*agentState
}

// NewWatcher 构造观察器。
func NewWatcher(reader ledger.Reader, producer Producer, cfg WatcherConfig) (*Watcher, error) {
	if reader == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "观察器缺少账本读端")
	}
	if producer == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "观察器缺少触发队列")
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	return &Watcher{
		reader:   reader,
		producer: producer,
		cfg:      cfg,
		log:      logger.Named("dispatch"),
		agents:   make(map[string]*agentState),
	}, nil
}

// Run 阻塞运行观察循环，直到上下文取消。
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := w.sweep(ctx); err != nil {
			w.log.Warn("派发扫描失败", slog.String("error", err.Error()))
		}
	}
}

// sweep 执行一轮读取、路由和补发。
func (w *Watcher) sweep(ctx context.Context) error {
	entries, err := w.reader.ReadSince(ctx, w.lastSeq)
	if err != nil {
		return err
	}
	now := time.Now()

	for _, entry := range entries {
		if entry.Seq > w.lastSeq {
			w.lastSeq = entry.Seq
		}
		msg, parseErr := market.ParseMessage(entry)
		if parseErr != nil {
			continue
		}
		for _, agent := range w.route(msg) {
			w.offer(ctx, agent, Trigger{
				Agent:     agent,
				Reason:    string(msg.Type),
				RequestID: msg.RequestID,
				Role:      msg.Role,
				Seq:       msg.Seq,
			}, now)
		}
	}

	// 冷却结束的参与方补发滞留的最新触发。
	for agent, state := range w.agents {
		if state.pending != nil && !now.Before(state.inFlightUntil) {
			trigger := *state.pending
			state.pending = nil
			w.deliver(ctx, agent, trigger, now)
		}
	}
	return nil
}

// route 返回消息应唤醒的参与方账户。
func (w *Watcher) route(msg market.Message) []string {
	switch msg.Type {
	case market.MsgTaskRequest:
		agents := make([]string, 0, len(w.cfg.Roster))
		for _, agent := range w.cfg.Roster {
			agents = append(agents, agent)
		}
		return agents
	case market.MsgBidAccepted, market.MsgRevisionRequest, market.MsgConsultQuote, market.MsgConsultAnswer:
		if agent, ok := w.cfg.Roster[msg.Role]; ok {
			return []string{agent}
		}
	case market.MsgConsultRequest, market.MsgConsultAccept:
		if w.cfg.Advisor != "" {
			return []string{w.cfg.Advisor}
		}
	}
	return nil
}

// offer 对单个参与方应用安全阀后投递或滞留触发。
func (w *Watcher) offer(ctx context.Context, agent string, trigger Trigger, now time.Time) {
	state, ok := w.agents[agent]
	if !ok {
		state = &agentState{}
		w.agents[agent] = state
	}
	// 按 Seq 去重：同一参与方不会因重复读取被重复唤醒。
	if trigger.Seq <= state.lastSeq {
		return
	}
	state.lastSeq = trigger.Seq

	if now.Before(state.inFlightUntil) {
		// 在途或冷却中：只保留最新的一个待发触发。
		state.pending = &trigger
		return
	}
	w.deliver(ctx, agent, trigger, now)
}

func (w *Watcher) deliver(ctx context.Context, agent string, trigger Trigger, now time.Time) {
	state := w.agents[agent]
	if err := w.producer.Publish(ctx, trigger); err != nil {
		w.log.Warn("触发投递失败",
			slog.String("agent", agent),
			slog.String("reason", trigger.Reason),
			slog.String("error", err.Error()))
		return
	}
	state.inFlightUntil = now.Add(w.cfg.Cooldown)
	w.log.Debug("已唤醒参与方",
		slog.String("agent", agent),
		slog.String("reason", trigger.Reason),
		slog.Uint64("seq", trigger.Seq))
}
