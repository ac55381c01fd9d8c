package market

import (
	"encoding/json"
	"strings"
	"time"

	xerrors "OpenBazaar-Chain/internal/errors"
)

// State 表示会话在生命周期中的状态。
type State string

const (
	StateIdle                State = "IDLE"
	StateRequest             State = "REQUEST"
	StateBidding             State = "BIDDING"
	StateAwaitingBidApproval State = "AWAITING_BID_APPROVAL"
	StateAwaitingReview      State = "AWAITING_REVIEW"
	StateReleasing           State = "RELEASING"
	StateComplete            State = "COMPLETE"
	StateError               State = "ERROR"
)

// WorkingState 返回某个角色的工作状态，例如 ANALYST_WORKING。
func WorkingState(role string) State {
	return State(strings.ToUpper(role) + "_WORKING")
}

// Terminal 判断状态是否为终态。
func (s State) Terminal() bool {
	return s == StateComplete || s == StateError
}

const (
	CodeSessionConflict   xerrors.Code = "SESSION_CONFLICT"
	CodeSessionAborted    xerrors.Code = "SESSION_ABORTED"
	CodeNoBids            xerrors.Code = "SESSION_NO_BIDS"
	CodeBidsRejected      xerrors.Code = "SESSION_BIDS_REJECTED"
	CodeBudgetExceeded    xerrors.Code = "SESSION_BUDGET_EXCEEDED"
	CodeSettlementFailure xerrors.Code = "SETTLEMENT_FAILURE"
)

func init() {
	xerrors.Register(CodeSessionConflict, xerrors.Attributes{
		Message:   "session already running",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeSessionAborted, xerrors.Attributes{
		Message:   "session aborted",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeNoBids, xerrors.Attributes{
		Message:   "no bids collected",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeBidsRejected, xerrors.Attributes{
		Message:   "bids rejected by reviewer",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeBudgetExceeded, xerrors.Attributes{
		Message:   "accepted bids exceed session budget",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeSettlementFailure, xerrors.Attributes{
		Message:   "escrow settlement failed",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
}

// AcceptedBid 记录某角色的中标账户与价格。
type AcceptedBid struct {
	Account string `json:"account"`
	Price   int64  `json:"price"`
}

// Review 是人工对某角色某轮交付的评审结论。
type Review struct {
	Role     string `json:"role"`
	Approved bool   `json:"approved"`
	Score    int    `json:"score"`
	Feedback string `json:"feedback,omitempty"`
}

// Settlement 记录一次角色结算。
type Settlement struct {
	Role      string `json:"role"`
	ToAccount string `json:"to_account"`
	Amount    int64  `json:"amount"`
	TxRef     string `json:"tx_ref,omitempty"`
}

// ConsultRecord 记录某角色咨询子协议的走向，Provenance 区分真实与兜底消息。
type ConsultRecord struct {
	Role             string `json:"role"`
	Requested        bool   `json:"requested"`
	QuoteProvenance  string `json:"quote_provenance,omitempty"`
	AnswerProvenance string `json:"answer_provenance,omitempty"`
	FeePaid          int64  `json:"fee_paid"`
}

// Session 是一次集市合约实例。只由状态机协程修改；
// 对外查询通过 Snapshot 返回深拷贝。
type Session struct {
	RequestID      string                 `json:"request_id"`
	State          State                  `json:"state"`
	TaskRef        string                 `json:"task_ref"`
	Budget         int64                  `json:"budget"`
	EscrowLocked   int64                  `json:"escrow_locked"`
	EscrowReleased int64                  `json:"escrow_released"`
	Bids           []Bid                  `json:"bids,omitempty"`
	Accepted       map[string]AcceptedBid `json:"accepted,omitempty"`
	Deliverables   map[string]Deliverable `json:"deliverables,omitempty"`
	History        []Deliverable          `json:"history,omitempty"`
	RevisionCount  map[string]int         `json:"revision_count,omitempty"`
	Reviews        []Review               `json:"reviews,omitempty"`
	Settlements    []Settlement           `json:"settlements,omitempty"`
	Consults       []ConsultRecord        `json:"consults,omitempty"`
	LastError      string                 `json:"last_error,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
}

func newSession(requestID, taskRef string, budget int64) *Session {
	now := time.Now().UTC()
	return &Session{
		RequestID:     requestID,
		State:         StateIdle,
		TaskRef:       taskRef,
		Budget:        budget,
		Accepted:      make(map[string]AcceptedBid),
		Deliverables:  make(map[string]Deliverable),
		RevisionCount: make(map[string]int),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func cloneSession(s *Session) *Session {
	if s == nil {
		return nil
	}
	clone := *s
	clone.Bids = append([]Bid(nil), s.Bids...)
	clone.History = append([]Deliverable(nil), s.History...)
	clone.Reviews = append([]Review(nil), s.Reviews...)
	clone.Settlements = append([]Settlement(nil), s.Settlements...)
	clone.Consults = append([]ConsultRecord(nil), s.Consults...)
	clone.Accepted = make(map[string]AcceptedBid, len(s.Accepted))
	for role, bid := range s.Accepted {
		clone.Accepted[role] = bid
	}
	clone.Deliverables = make(map[string]Deliverable, len(s.Deliverables))
	for role, d := range s.Deliverables {
		d.Content = append(json.RawMessage(nil), d.Content...)
		clone.Deliverables[role] = d
	}
	clone.RevisionCount = make(map[string]int, len(s.RevisionCount))
	for role, count := range s.RevisionCount {
		clone.RevisionCount[role] = count
	}
	return &clone
}
