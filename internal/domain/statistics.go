package domain

import "time"

// TrackingStatistic 单个追踪 ID 的聚合统计
type TrackingStatistic struct {
	TrackingID string    `json:"trackingId"`
	OpenCount  int       `json:"openCount"` // 全部事件数，含点击
	FirstOpen  time.Time `json:"firstOpen"`
	LastOpen   time.Time `json:"lastOpen"`
}

// ForwardedOpen 锚点之后的事件，附带读取时重新计算的转发判定
type ForwardedOpen struct {
	OpenEvent
	IsForwarded      bool   `json:"isForwarded"`
	AttributedSender string `json:"attributedSender,omitempty"`
}

// AnchorOpen 锚点事件及其后续事件
type AnchorOpen struct {
	OpenEvent
	ForwardedChildren []ForwardedOpen `json:"forwardedData"`
}

// TrackingHistory 追踪历史：嵌套视图与平铺列表
type TrackingHistory struct {
	TrackingID  string          `json:"trackingId"`
	Message     *TrackedMessage `json:"message,omitempty"`
	Anchor      *AnchorOpen     `json:"anchor,omitempty"`
	Events      []OpenEvent     `json:"events"`
	TotalEvents int             `json:"totalEvents"`
}

// Empty 没有任何事件
func (h *TrackingHistory) Empty() bool {
	return h == nil || h.TotalEvents == 0
}

// EmailSummary 单封邮件的摘要，含一层转发子邮件
type EmailSummary struct {
	Email                TrackedMessage         `json:"email"`
	Events               []OpenEvent            `json:"events"`
	OpenCount            int                    `json:"openCount"`
	ForwardCount         int                    `json:"forwardCount"`
	ForwardedEmails      []TrackedMessage       `json:"forwardedEmails"`
	ForwardedEmailEvents map[string][]OpenEvent `json:"forwardedEmailEvents"`
}

// MessageOverview 邮件列表项
type MessageOverview struct {
	TrackedMessage
	OpenCount int `json:"openCount"`
}
