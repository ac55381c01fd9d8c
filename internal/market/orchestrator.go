package market

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	xerrors "OpenBazaar-Chain/internal/errors"
	"OpenBazaar-Chain/internal/escrow"
	"OpenBazaar-Chain/internal/ledger"
	"OpenBazaar-Chain/internal/observability/alerting"
	"OpenBazaar-Chain/internal/reputation"
	"OpenBazaar-Chain/pkg/logger"

	"github.com/google/uuid"
)

// Config 汇总一次会话运行所需的市场参数。
type Config struct {
	Roles             []string
	Budget            int64
	MaxRevisions      int
	PollInterval      time.Duration
	BidWindow         time.Duration
	DeliverableWait   time.Duration
	ConsultQuoteWait  time.Duration
	ConsultShortWait  time.Duration
	ConsultLongWait   time.Duration
	AdvisorAccount    string
	AdvisorDefaultFee int64
	ClientAccount     string
}

// TriggerRequest 描述一次新会话的启动参数。
type TriggerRequest struct {
	TaskRef       string `json:"task_ref"`
	Budget        int64  `json:"budget,omitempty"`
	ClientAccount string `json:"client_account,omitempty"`
}

// Orchestrator 驱动集市会话状态机。同一时刻至多运行一个会话，
// 新的触发会先终止旧会话。
type Orchestrator struct {
	ledger     ledger.Ledger
	poller     *Poller
	vault      escrow.Vault
	reputation reputation.Registry
	alerts     alerting.Dispatcher
	sink       EventSink
	cfg        Config
	log        *slog.Logger

	mu         sync.Mutex
	session    *Session
	cancel     context.CancelFunc
	done       chan struct{}
	bidGate    *decisionGate[BidDecision]
	reviewGate *decisionGate[ReviewDecision]
}

// OrchestratorOption 定制协调器的可选依赖。
type OrchestratorOption func(*Orchestrator)

// WithEventSink 注入生命周期事件的接收方。
func WithEventSink(sink EventSink) OrchestratorOption {
	return func(o *Orchestrator) {
		if sink != nil {
			o.sink = sink
		}
	}
}

// WithAlerts 注入告警分发器。
func WithAlerts(dispatcher alerting.Dispatcher) OrchestratorOption {
	return func(o *Orchestrator) {
		if dispatcher != nil {
			o.alerts = dispatcher
		}
	}
}

// NewOrchestrator 构造协调器。registry 可为 nil，表示不记录声誉。
func NewOrchestrator(led ledger.Ledger, vault escrow.Vault, registry reputation.Registry, cfg Config, opts ...OrchestratorOption) (*Orchestrator, error) {
	if led == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "协调器缺少账本")
	}
	if vault == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "协调器缺少托管账户")
	}
	if len(cfg.Roles) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "协调器缺少角色定义")
	}
	if registry == nil {
		registry = reputation.NopRegistry{}
	}

	o := &Orchestrator{
		ledger:     led,
		vault:      vault,
		reputation: registry,
		sink:       NopSink{},
		cfg:        cfg,
		log:        logger.Named("market"),
		bidGate:    newDecisionGate[BidDecision](),
		reviewGate: newDecisionGate[ReviewDecision](),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.poller = NewPoller(led, cfg.PollInterval, o.sink)
	return o, nil
}

// Trigger 启动新会话。若已有会话在运行，会先将其终止。
func (o *Orchestrator) Trigger(ctx context.Context, req TriggerRequest) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	budget := req.Budget
	if budget <= 0 {
		budget = o.cfg.Budget
	}
	if budget <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "会话预算必须为正数")
	}

	o.mu.Lock()
	if o.cancel != nil {
		cancel, done := o.cancel, o.done
		o.mu.Unlock()
		cancel()
		<-done
		o.mu.Lock()
	}

	requestID := uuid.NewString()
	session := newSession(requestID, req.TaskRef, budget)
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	o.session = session
	o.cancel = cancel
	o.done = done
	o.bidGate.disarm()
	o.reviewGate.disarm()
	snapshot := cloneSession(session)
	o.mu.Unlock()

	client := req.ClientAccount
	if client == "" {
		client = o.cfg.ClientAccount
	}

	go o.run(runCtx, requestID, req.TaskRef, budget, client, done)
	return snapshot, nil
}

// Snapshot 返回当前会话的深拷贝，无会话时返回 nil。
func (o *Orchestrator) Snapshot() *Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return cloneSession(o.session)
}

// ResolveBidApproval 投递招标裁决。返回 false 表示当前没有待裁决的招标。
func (o *Orchestrator) ResolveBidApproval(decision BidDecision) bool {
	return o.bidGate.resolve(decision)
}

// ResolveReview 投递评审结论。返回 false 表示当前没有等待评审的交付。
func (o *Orchestrator) ResolveReview(decision ReviewDecision) bool {
	return o.reviewGate.resolve(decision)
}

// Close 终止运行中的会话并等待状态机退出。
func (o *Orchestrator) Close() {
	o.mu.Lock()
	cancel, done := o.cancel, o.done
	o.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// run 是状态机主循环，独占修改会话。
func (o *Orchestrator) run(ctx context.Context, requestID, taskRef string, budget int64, client string, done chan struct{}) {
	defer close(done)
	defer func() {
		o.mu.Lock()
		if o.done == done {
			o.cancel = nil
			o.done = nil
		}
		o.mu.Unlock()
	}()

	log := logger.ForRequest(requestID)

	// REQUEST: 把任务请求写入账本，其 Seq 作为后续轮询的起点。
	o.transition(requestID, StateRequest, "")
	requestMsg, err := appendMessage(ctx, o.ledger, NewTaskRequestPayload(requestID, taskRef, budget, o.cfg.Roles))
	if err != nil {
		o.fail(ctx, requestID, err)
		return
	}
	log.Info("任务请求已发布", slog.Uint64("seq", requestMsg.Seq), slog.Int64("budget", budget))

	// BIDDING: 收集竞标，窗口到期接受部分结果。
	o.transition(requestID, StateBidding, "")
	bidMsgs, err := o.poller.Poll(ctx, Filter{
		Type:      MsgBid,
		RequestID: requestID,
		AfterSeq:  requestMsg.Seq,
	}, len(o.cfg.Roles), o.cfg.BidWindow)
	if err != nil {
		o.fail(ctx, requestID, err)
		return
	}
	if len(bidMsgs) == 0 {
		o.fail(ctx, requestID, xerrors.New(CodeNoBids, "竞标窗口内没有收到任何报价"))
		return
	}

	bids := make([]Bid, 0, len(bidMsgs))
	for _, msg := range bidMsgs {
		bids = append(bids, msg.AsBid())
	}
	bids = InferRoles(bids, o.cfg.Roles)
	o.updateSession(requestID, func(s *Session) {
		s.Bids = bids
	})
	log.Info("竞标收集完成", slog.Int("bids", len(bids)))

	// AWAITING_BID_APPROVAL: 等待人工裁决，无限期阻塞。
	o.transition(requestID, StateAwaitingBidApproval, "")
	decision, err := awaitDecision(ctx, o.bidGate.arm())
	if err != nil {
		o.fail(ctx, requestID, xerrors.Wrap(CodeSessionAborted, err, "会话在等待招标裁决时被终止"))
		return
	}
	if !decision.Approved {
		o.fail(ctx, requestID, xerrors.New(CodeBidsRejected, "人工否决了本轮竞标"))
		return
	}

	accepted, total, err := selectWinners(bids, o.cfg.Roles, decision.Winners)
	if err != nil {
		o.fail(ctx, requestID, err)
		return
	}
	if total > budget {
		o.fail(ctx, requestID, xerrors.New(CodeBudgetExceeded,
			fmt.Sprintf("中标总价 %d 超过预算 %d", total, budget)))
		return
	}

	// 锁入整笔预算而非中标总价，咨询费等会话内开销都从这笔托管释放。
	lockRef, err := o.vault.Lock(ctx, client, budget)
	if err != nil {
		o.fail(ctx, requestID, err)
		return
	}
	o.updateSession(requestID, func(s *Session) {
		s.Accepted = accepted
		s.EscrowLocked = budget
	})
	log.Info("预算已锁入托管", slog.Int64("amount", budget), slog.String("tx_ref", lockRef))

	// 交付锚点在公布中标结果之前捕获，紧跟公布发布的交付不会被漏掉。
	anchor := maxBidSeq(bids, requestMsg.Seq)
	orderedRoles := acceptedRolesInOrder(o.cfg.Roles, accepted)
	for _, role := range orderedRoles {
		win := accepted[role]
		if _, err := appendMessage(ctx, o.ledger, NewBidAcceptedPayload(requestID, role, win.Account, win.Price)); err != nil {
			o.fail(ctx, requestID, err)
			return
		}
	}

	// 工作与修订循环。每一轮结束后锚点推进到本轮观察到的最大 Seq。
	finalRoles := make(map[string]bool, len(orderedRoles))
	firstRound := true
	for {
		pending := pendingRoles(orderedRoles, finalRoles)
		if len(pending) == 0 {
			break
		}

		roundMax := anchor
		for _, role := range pending {
			o.transition(requestID, WorkingState(role), role)

			if firstRound {
				record, consultMax := o.runConsultation(ctx, log, requestID, role, accepted[role].Account, anchor)
				if consultMax > roundMax {
					roundMax = consultMax
				}
				if record.Requested {
					o.updateSession(requestID, func(s *Session) {
						s.Consults = append(s.Consults, record)
					})
				}
			}

			msgs, err := o.poller.Poll(ctx, Filter{
				Type:      MsgDeliverable,
				Role:      role,
				RequestID: requestID,
				AfterSeq:  anchor,
			}, 1, o.cfg.DeliverableWait)
			if err != nil {
				o.fail(ctx, requestID, err)
				return
			}
			if len(msgs) == 0 {
				// 交付超时的角色直接定稿，结算金额为零。
				log.Warn("角色交付超时", slog.String("role", role))
				finalRoles[role] = true
				continue
			}
			for _, msg := range msgs {
				if msg.Seq > roundMax {
					roundMax = msg.Seq
				}
				d := msg.AsDeliverable()
				o.updateSession(requestID, func(s *Session) {
					s.History = append(s.History, d)
					s.Deliverables[role] = d
				})
			}
		}
		firstRound = false
		anchor = roundMax

		reviewable := reviewableRoles(pending, finalRoles, o.Snapshot())
		if len(reviewable) == 0 {
			continue
		}

		o.transition(requestID, StateAwaitingReview, "")
		review, err := awaitDecision(ctx, o.reviewGate.arm())
		if err != nil {
			o.fail(ctx, requestID, xerrors.Wrap(CodeSessionAborted, err, "会话在等待评审时被终止"))
			return
		}

		for _, role := range reviewable {
			verdict, ok := review.Reviews[role]
			if !ok {
				// 评审未覆盖的角色视为本轮通过。
				verdict = Review{Role: role, Approved: true, Score: 100}
			}
			verdict.Role = role
			o.updateSession(requestID, func(s *Session) {
				s.Reviews = append(s.Reviews, verdict)
			})
			if verdict.Approved {
				finalRoles[role] = true
				continue
			}
			snapshot := o.Snapshot()
			if snapshot.RevisionCount[role] >= o.cfg.MaxRevisions {
				// 修订额度耗尽，按未通过定稿。
				log.Warn("角色修订额度耗尽", slog.String("role", role))
				finalRoles[role] = true
				continue
			}
			round := snapshot.RevisionCount[role] + 1
			// 修订请求的 Seq 不并入锚点：下一轮的锚点在所有修订
			// 请求落账之前就已定格，否则先收到修订请求的角色抢先
			// 交付时，其 Seq 会落在被推高的锚点之下而被过滤掉。
			// 角色自己的修订交付 Seq 必然高于本轮交付，旧交付不会
			// 因此重新匹配。
			if _, err := appendMessage(ctx, o.ledger, NewRevisionRequestPayload(requestID, role, verdict.Feedback, round)); err != nil {
				o.fail(ctx, requestID, err)
				return
			}
			o.updateSession(requestID, func(s *Session) {
				s.RevisionCount[role]++
			})
		}
	}

	// RELEASING: 按评审结果结算并收尾。
	o.transition(requestID, StateReleasing, "")
	if err := o.settle(ctx, log, requestID); err != nil {
		o.fail(ctx, requestID, err)
		return
	}

	released := o.Snapshot().EscrowReleased
	if remainder := budget - released; remainder > 0 && client != "" {
		if _, refundErr := o.vault.Release(ctx, client, remainder); refundErr != nil {
			log.Warn("退还剩余预算失败", slog.Int64("remainder", remainder),
				slog.String("error", refundErr.Error()))
		} else {
			log.Info("剩余预算已退还", slog.Int64("remainder", remainder))
		}
	}
	if _, err := appendMessage(ctx, o.ledger, NewSessionCompletePayload(requestID, released)); err != nil {
		o.fail(ctx, requestID, err)
		return
	}
	o.transition(requestID, StateComplete, "")
	log.Info("会话完成", slog.Int64("released", released))
}

// transition 更新会话状态并广播事件。
func (o *Orchestrator) transition(requestID string, state State, role string) {
	o.updateSession(requestID, func(s *Session) {
		s.State = state
	})
	o.sink.Emit(Event{
		Kind:       "state_change",
		RequestID:  requestID,
		State:      string(state),
		Role:       role,
		OccurredAt: time.Now().UTC(),
	})
}

// updateSession 在锁内修改当前会话。会话已被替换时静默忽略。
func (o *Orchestrator) updateSession(requestID string, fn func(*Session)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session == nil || o.session.RequestID != requestID {
		return
	}
	fn(o.session)
	o.session.UpdatedAt = time.Now().UTC()
}

// fail 把会话置为 ERROR 终态，必要时触发告警。
func (o *Orchestrator) fail(ctx context.Context, requestID string, err error) {
	o.log.Error("会话失败",
		slog.String("request_id", requestID),
		slog.String("code", string(xerrors.CodeOf(err))),
		slog.String("error", err.Error()))
	o.updateSession(requestID, func(s *Session) {
		s.State = StateError
		s.LastError = err.Error()
	})
	o.sink.Emit(Event{
		Kind:       "state_change",
		RequestID:  requestID,
		State:      string(StateError),
		Message:    err.Error(),
		OccurredAt: time.Now().UTC(),
	})
	if o.alerts != nil && xerrors.ShouldAlert(err) {
		notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = o.alerts.Notify(notifyCtx, alerting.Event{
			Code:       xerrors.CodeOf(err),
			Message:    err.Error(),
			Severity:   xerrors.SeverityOf(err),
			RequestID:  requestID,
			State:      string(StateError),
			OccurredAt: time.Now().UTC(),
		})
	}
}

// selectWinners 为每个角色确定中标账户与价格。
// winners 显式指定的优先，其余角色取该角色下 Seq 最小的报价。
func selectWinners(bids []Bid, roles []string, winners map[string]string) (map[string]AcceptedBid, int64, error) {
	byRole := make(map[string][]Bid, len(roles))
	for _, bid := range bids {
		byRole[bid.Role] = append(byRole[bid.Role], bid)
	}

	accepted := make(map[string]AcceptedBid, len(roles))
	var total int64
	for _, role := range roles {
		candidates := byRole[role]
		if len(candidates) == 0 {
			continue
		}
		chosen := candidates[0]
		if account, ok := winners[role]; ok && account != "" {
			found := false
			for _, candidate := range candidates {
				if candidate.Sender == account {
					chosen = candidate
					found = true
					break
				}
			}
			if !found {
				return nil, 0, xerrors.New(xerrors.CodeInvalidArgument,
					fmt.Sprintf("账户 %s 没有对角色 %s 的报价", account, role))
			}
		}
		accepted[role] = AcceptedBid{Account: chosen.Sender, Price: chosen.Price}
		total += chosen.Price
	}
	if len(accepted) == 0 {
		return nil, 0, xerrors.New(CodeNoBids, "没有任何角色产生中标")
	}
	return accepted, total, nil
}

func maxBidSeq(bids []Bid, floor uint64) uint64 {
	max := floor
	for _, bid := range bids {
		if bid.Seq > max {
			max = bid.Seq
		}
	}
	return max
}

func acceptedRolesInOrder(roles []string, accepted map[string]AcceptedBid) []string {
	out := make([]string, 0, len(accepted))
	for _, role := range roles {
		if _, ok := accepted[role]; ok {
			out = append(out, role)
		}
	}
	return out
}

func pendingRoles(roles []string, final map[string]bool) []string {
	var out []string
	for _, role := range roles {
		if !final[role] {
			out = append(out, role)
		}
	}
	return out
}

// reviewableRoles 返回本轮有交付可评审的角色。
func reviewableRoles(pending []string, final map[string]bool, snapshot *Session) []string {
	var out []string
	for _, role := range pending {
		if final[role] {
			continue
		}
		if _, ok := snapshot.Deliverables[role]; ok {
			out = append(out, role)
		}
	}
	return out
}
