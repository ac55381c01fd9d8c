// Package reputation 记录参与方的历史评分。
// 结算完成后尽力写入，失败只告警不阻断会话收尾。
package reputation
