// Package classifier 判定一次打开事件是原收件人的打开还是转发后的打开。
//
// 判定基于锚点事件（该追踪 ID 的第一条事件）与新事件的设备指纹漂移：
// IP 或 User-Agent 任一不同即视为转发。这是启发式判断而非证明：
// 共享网络/共享设备会造成漏判，动态 IP 会造成误判。
// 缺少比较数据时按信号不足处理，不判为转发。
package classifier

import (
	"strings"

	"mailtrack/backend/internal/domain"
)

// Result 分类结果
type Result struct {
	IsForward        bool   `json:"isForward"`
	AttributedSender string `json:"attributedSender,omitempty"`
}

// Classify 判定新事件是否为转发打开
//
// 参数:
//   - history: 该追踪 ID 已有事件，按 (ObservedAt, ID) 升序
//   - ev: 新事件
//   - claimedForwarder: 请求中声明的转发人，可为空
//
// 返回值:
//   - Result: history 为空时 ev 即锚点，恒为非转发；有声明时信任声明；
//     否则与 history[0] 比较 IP / User-Agent，时间间隔不参与判断
func Classify(history []domain.OpenEvent, ev domain.OpenEvent, claimedForwarder string) Result {
	if len(history) == 0 {
		return Result{}
	}

	if claim := strings.TrimSpace(claimedForwarder); claim != "" {
		return Result{IsForward: true, AttributedSender: claim}
	}

	return Result{IsForward: Drifted(history[0], ev)}
}

// Drifted 判断事件相对锚点是否发生设备指纹漂移
//
// 只有两侧都有值的字段才参与比较。
func Drifted(anchor, ev domain.OpenEvent) bool {
	return differs(anchor.SourceIP, ev.SourceIP) || differs(anchor.UserAgent, ev.UserAgent)
}

func differs(a, b string) bool {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if a == "" || b == "" {
		return false
	}
	return a != b
}

// NewlyForwarded 判断本次结果是否需要设置邮件的 EverForwarded 汇总标记
//
// msg 为空表示孤立事件（邮件未登记），此时无需更新。
func NewlyForwarded(msg *domain.TrackedMessage, r Result) bool {
	return r.IsForward && msg != nil && !msg.EverForwarded
}

// KindFor 根据分类结果确定事件类型，点击事件保持不变
func KindFor(requested domain.EventKind, r Result) domain.EventKind {
	if requested == domain.EventKindClick {
		return requested
	}
	if r.IsForward {
		return domain.EventKindForwardOpen
	}
	return domain.EventKindOpen
}
