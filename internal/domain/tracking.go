package domain

import "time"

// EventKind 追踪事件类型
type EventKind string

const (
	EventKindOpen        EventKind = "open"         // 原收件人打开
	EventKindForwardOpen EventKind = "forward_open" // 转发后被他人打开
	EventKindClick       EventKind = "click"        // 链接点击
)

// IsOpen 判断事件是否属于打开类事件（含转发打开）
func (k EventKind) IsOpen() bool {
	return k == EventKindOpen || k == EventKindForwardOpen
}

// Valid 判断事件类型是否合法
func (k EventKind) Valid() bool {
	switch k {
	case EventKindOpen, EventKindForwardOpen, EventKindClick:
		return true
	}
	return false
}

// Location 由 IP 解析出的地理位置
type Location struct {
	Country   string  `json:"country"`
	Region    string  `json:"region"`
	City      string  `json:"city"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// DeviceInfo 由 User-Agent 解析出的设备信息
type DeviceInfo struct {
	Browser string `json:"browser"`
	OS      string `json:"os"`
	Device  string `json:"device"`
}

// TrackedMessage 一封被追踪的外发邮件
//
// TrackingID 一经签发不可变；除 EverOpened / EverForwarded 汇总标记外不做修改，也不删除。
type TrackedMessage struct {
	TrackingID        string    `json:"trackingId"`
	OriginalRecipient string    `json:"originalRecipient"`
	Subject           string    `json:"subject,omitempty"`
	ParentTrackingID  *string   `json:"parentTrackingId,omitempty"` // 转发来源邮件（非拥有关系）
	SentAt            time.Time `json:"sentAt"`
	EverOpened        bool      `json:"everOpened"`
	EverForwarded     bool      `json:"everForwarded"`
}

// OpenEvent 一次像素请求或链接点击
//
// 事件只追加不修改，同一 TrackingID 下按 (ObservedAt, ID) 全序排列，第一条为锚点事件。
type OpenEvent struct {
	ID                  int64       `json:"id"`
	TrackingID          string      `json:"trackingId"`
	Kind                EventKind   `json:"eventKind"`
	ObservedAt          time.Time   `json:"observedAt"`
	SourceIP            string      `json:"sourceIp,omitempty"`
	UserAgent           string      `json:"userAgent,omitempty"`
	Referrer            string      `json:"referrer,omitempty"`
	ClaimedRecipient    string      `json:"claimedRecipient,omitempty"`
	ForwardedBy         string      `json:"forwardedBy,omitempty"`
	LinkURL             string      `json:"linkUrl,omitempty"`
	Location            *Location   `json:"location,omitempty"`
	Device              *DeviceInfo `json:"deviceInfo,omitempty"`
	ClassifiedForwarded bool        `json:"classifiedForwarded"`
}

// Before 按 (ObservedAt, ID) 比较两个事件的先后
func (e OpenEvent) Before(other OpenEvent) bool {
	if e.ObservedAt.Equal(other.ObservedAt) {
		return e.ID < other.ID
	}
	return e.ObservedAt.Before(other.ObservedAt)
}
