package market

import (
	"context"
	"fmt"
	"log/slog"

	xerrors "OpenBazaar-Chain/internal/errors"
	"OpenBazaar-Chain/internal/reputation"
)

// calculatePayment 计算角色的结算金额。未通过评审的交付不付款，
// 通过的按评分比例付款，评分截断到 [0, 100]。
func calculatePayment(price int64, approved bool, score int) int64 {
	if !approved || price <= 0 {
		return 0
	}
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return price * int64(score) / 100
}

// finalReview 返回角色的最终评审结论，没有评审记录时视为未通过。
func finalReview(reviews []Review, role string) (Review, bool) {
	for i := len(reviews) - 1; i >= 0; i-- {
		if reviews[i].Role == role {
			return reviews[i], true
		}
	}
	return Review{}, false
}

// settle 按最终评审结果逐角色释放托管资金。任何一笔释放失败
// 都会中断结算并让会话进入 ERROR，已释放的部分保持不变。
// 声誉写入尽力而为，失败只记日志。
func (o *Orchestrator) settle(ctx context.Context, log *slog.Logger, requestID string) error {
	snapshot := o.Snapshot()
	if snapshot == nil || snapshot.RequestID != requestID {
		return xerrors.New(xerrors.CodeNotFound, "结算时会话已不存在")
	}

	for _, role := range acceptedRolesInOrder(o.cfg.Roles, snapshot.Accepted) {
		win := snapshot.Accepted[role]
		verdict, reviewed := finalReview(snapshot.Reviews, role)
		payment := calculatePayment(win.Price, reviewed && verdict.Approved, verdict.Score)

		var txRef string
		if payment > 0 {
			// 释放前校验托管不变量：累计释放不得超过锁定额。
			if snapshot.EscrowReleased+payment > snapshot.EscrowLocked {
				return xerrors.New(CodeSettlementFailure,
					fmt.Sprintf("角色 %s 结算 %d 将超出托管锁定额 %d（已释放 %d）",
						role, payment, snapshot.EscrowLocked, snapshot.EscrowReleased))
			}
			ref, err := o.vault.Release(ctx, win.Account, payment)
			if err != nil {
				return xerrors.Wrap(CodeSettlementFailure, err,
					fmt.Sprintf("释放角色 %s 的结算款失败", role))
			}
			txRef = ref
			snapshot.EscrowReleased += payment
		}

		settlement := Settlement{Role: role, ToAccount: win.Account, Amount: payment, TxRef: txRef}
		if _, err := appendMessage(ctx, o.ledger,
			NewSettlementPayload(requestID, role, win.Account, payment, txRef)); err != nil {
			return xerrors.Wrap(CodeSettlementFailure, err,
				fmt.Sprintf("记录角色 %s 的结算消息失败", role))
		}
		o.updateSession(requestID, func(s *Session) {
			s.Settlements = append(s.Settlements, settlement)
			s.EscrowReleased = snapshot.EscrowReleased
		})
		log.Info("角色结算完成",
			slog.String("role", role),
			slog.String("account", win.Account),
			slog.Int64("amount", payment),
			slog.Int("score", verdict.Score))

		record := reputation.Record{
			Account:  win.Account,
			Role:     role,
			Score:    verdict.Score,
			Feedback: verdict.Feedback,
			Context:  requestID,
		}
		if !reviewed {
			record.Score = 0
			record.Feedback = "未产生可评审的交付"
		}
		if _, err := o.reputation.Submit(ctx, record); err != nil {
			log.Warn("声誉写入失败",
				slog.String("account", win.Account),
				slog.String("error", err.Error()))
		}
	}
	return nil
}
