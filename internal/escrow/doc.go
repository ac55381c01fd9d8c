// Package escrow 负责集市资金的托管与划转。
// 会话开始时把预算锁入托管账户，结算阶段按评审结果释放给中标账户。
// 提供内存实现（开发与测试）和基于以太坊兼容链的实现。
package escrow
