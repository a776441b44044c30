package trade

// TradeStats 聚合了交易状态的统计信息，常用于仪表盘或复核队列概览。
type TradeStats struct {
	Total               int   `json:"total"`
	Pending             int   `json:"pending"`
	Accepted            int   `json:"accepted"`
	PendingReview       int   `json:"pending_review"`
	Completed           int   `json:"completed"`
	CompletedAutonomous int   `json:"completed_autonomous"`
	OldestUpdatedAt     int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt     int64 `json:"newest_updated_at,omitempty"`
}
