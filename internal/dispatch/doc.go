// Package dispatch 负责把账本上的新消息变成对外部参与方的唤醒信号。
// 观察器轮询账本并按角色花名册路由触发；投递经过安全阀：
// 同一参与方按 Seq 去重、冷却窗口内不重复唤醒、同时至多一个在途触发，
// 冷却期间的新触发只保留最新一个。
package dispatch
