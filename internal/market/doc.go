// Package market 实现任务集市的协调逻辑：竞标、人工审批、咨询子协议、
// 交付轮询、修订循环与按评分结算。所有参与方只通过追加式账本交换消息，
// 协调器是账本的唯一状态机读者。
package market
