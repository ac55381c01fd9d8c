package market

import (
	"context"
	"log/slog"
)

// 咨询消息的来源标记。
const (
	ProvenanceReal      = "real"
	ProvenanceSynthetic = "synthetic"
)

// runConsultation 执行某角色的咨询子协议。流程最多五步：
// 工人发起咨询、顾问报价、工人接受、费用划转、顾问作答。
// 顾问侧的报价与回答缺席时由协调器补发兜底消息，保证工人
// 永远能从账本上读到一个可继续的协议走向。咨询失败只降级，
// 不会让会话进入 ERROR。
// 返回咨询记录与本次观察到的最大 Seq。
func (o *Orchestrator) runConsultation(ctx context.Context, log *slog.Logger, requestID, role, worker string, anchor uint64) (ConsultRecord, uint64) {
	record := ConsultRecord{Role: role}
	maxSeq := anchor

	// 第一步：短窗口探测工人是否发起咨询，没有就跳过整个子协议。
	requests, err := o.poller.Poll(ctx, Filter{
		Type:      MsgConsultRequest,
		Role:      role,
		RequestID: requestID,
		AfterSeq:  anchor,
	}, 1, o.cfg.ConsultShortWait)
	if err != nil || len(requests) == 0 {
		return record, maxSeq
	}
	record.Requested = true
	for _, msg := range requests {
		if msg.Seq > maxSeq {
			maxSeq = msg.Seq
		}
	}
	log.Info("工人发起咨询", slog.String("role", role))

	// 第二步：等顾问报价，缺席则补发兜底报价。
	quotes, err := o.poller.Poll(ctx, Filter{
		Type:      MsgConsultQuote,
		Role:      role,
		RequestID: requestID,
		AfterSeq:  maxSeq,
	}, 1, o.cfg.ConsultQuoteWait)
	if err != nil {
		return record, maxSeq
	}

	fee := o.cfg.AdvisorDefaultFee
	if len(quotes) > 0 {
		record.QuoteProvenance = ProvenanceReal
		quote := quotes[len(quotes)-1]
		if quote.Price > 0 {
			fee = quote.Price
		}
		for _, msg := range quotes {
			if msg.Seq > maxSeq {
				maxSeq = msg.Seq
			}
		}
	} else {
		record.QuoteProvenance = ProvenanceSynthetic
		msg, appendErr := appendMessage(ctx, o.ledger,
			NewConsultQuotePayload(requestID, role, o.cfg.AdvisorAccount, fee, true))
		if appendErr != nil {
			log.Warn("补发咨询报价失败", slog.String("role", role), slog.String("error", appendErr.Error()))
			return record, maxSeq
		}
		maxSeq = msg.Seq
		log.Info("顾问缺席，已补发兜底报价", slog.String("role", role), slog.Int64("fee", fee))
	}

	// 第三步：短窗口等工人接受报价。接受消息从不代发，
	// 缺席也继续走完流程，费用照付。
	accepts, err := o.poller.Poll(ctx, Filter{
		Type:      MsgConsultAccept,
		Role:      role,
		RequestID: requestID,
		AfterSeq:  maxSeq,
	}, 1, o.cfg.ConsultShortWait)
	if err == nil {
		for _, msg := range accepts {
			if msg.Seq > maxSeq {
				maxSeq = msg.Seq
			}
		}
	}

	// 第四步：报价一旦上账，费用无条件划给顾问。
	if fee > 0 && o.cfg.AdvisorAccount != "" {
		if txRef, payErr := o.vault.Release(ctx, o.cfg.AdvisorAccount, fee); payErr != nil {
			log.Warn("咨询费划转失败", slog.String("role", role), slog.String("error", payErr.Error()))
		} else {
			record.FeePaid = fee
			o.updateSession(requestID, func(s *Session) {
				s.EscrowReleased += fee
			})
			log.Info("咨询费已划转", slog.String("role", role),
				slog.Int64("fee", fee), slog.String("tx_ref", txRef))
		}
	}

	// 第五步：等顾问作答，缺席补发兜底回答。只有报价是顾问真实
	// 发出时才按长窗口等待；报价已经是兜底的，顾问显然不在线，
	// 短窗口即可。
	answerWait := o.cfg.ConsultShortWait
	if record.QuoteProvenance == ProvenanceReal {
		answerWait = o.cfg.ConsultLongWait
	}
	answers, err := o.poller.Poll(ctx, Filter{
		Type:      MsgConsultAnswer,
		Role:      role,
		RequestID: requestID,
		AfterSeq:  maxSeq,
	}, 1, answerWait)
	if err == nil && len(answers) > 0 {
		record.AnswerProvenance = ProvenanceReal
		for _, msg := range answers {
			if msg.Seq > maxSeq {
				maxSeq = msg.Seq
			}
		}
	} else if err == nil {
		record.AnswerProvenance = ProvenanceSynthetic
		msg, appendErr := appendMessage(ctx, o.ledger,
			NewConsultAnswerPayload(requestID, role, o.cfg.AdvisorAccount,
				"顾问未在窗口内作答，请按现有信息继续交付。", true))
		if appendErr != nil {
			log.Warn("补发咨询回答失败", slog.String("role", role), slog.String("error", appendErr.Error()))
		} else {
			maxSeq = msg.Seq
		}
	}
	return record, maxSeq
}
