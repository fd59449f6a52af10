package models

import "time"

// BotSnapshot 定义了需要持久化的机器人运行状态。
// 机器人每个周期结束后写入一次，进程重启后用于恢复展示上一次运行的情况。
type BotSnapshot struct {
	RunID          string    `json:"run_id"`           // 本次运行的唯一标识符
	ConfigID       int64     `json:"config_id"`        // 关联的策略配置ID
	Version        int       `json:"version"`          // 快照模型的版本号，用于未来迁移
	Status         BotStatus `json:"status"`           // 最近一次周期结束时的遥测快照
	LastUpdateTime time.Time `json:"last_update_time"` // 快照最后更新的时间戳
}
