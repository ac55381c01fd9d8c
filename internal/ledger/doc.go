// Package ledger 提供市场消息账本的抽象：一个只追加、带单调序号的消息存储。
// 写入方（协调器与各个智能体）只能 Append，读取方按序号增量拉取。
// 账本只保证至少一次投递与近似有序，去重与过滤由上层完成。
package ledger
