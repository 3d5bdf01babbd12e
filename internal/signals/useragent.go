package signals

import (
	"strings"

	"mailtrack/backend/internal/domain"
)

// 浏览器 / 系统 / 设备分类取值
const (
	BrowserEdge    = "Edge"
	BrowserIE      = "Internet Explorer"
	BrowserFirefox = "Firefox"
	BrowserChrome  = "Chrome"
	BrowserSafari  = "Safari"

	OSWindows = "Windows"
	OSMacOS   = "MacOS"
	OSLinux   = "Linux"
	OSAndroid = "Android"
	OSiOS     = "iOS"

	DeviceMobile  = "Mobile"
	DeviceTablet  = "Tablet"
	DeviceDesktop = "Desktop"

	Unknown = "Unknown"
)

// rule 命中任一 token 即归类为 name
type rule struct {
	name   string
	tokens []string
}

// 顺序即优先级：Edge / IE 的 UA 里同样带有 Chrome、Safari 字样，必须先判断
var browserRules = []rule{
	{BrowserEdge, []string{"Edg/", "Edge/", "EdgA/", "EdgiOS/"}},
	{BrowserIE, []string{"MSIE", "Trident/"}},
	{BrowserFirefox, []string{"Firefox/", "FxiOS/"}},
	{BrowserChrome, []string{"Chrome/", "CriOS/"}},
	{BrowserSafari, []string{"Safari/"}},
}

// Android UA 带 "Linux"，iOS UA 带 "like Mac OS X"，所以移动系统先判断
var osRules = []rule{
	{OSAndroid, []string{"Android"}},
	{OSiOS, []string{"iPhone", "iPad", "iPod"}},
	{OSWindows, []string{"Windows"}},
	{OSMacOS, []string{"Mac OS X", "Macintosh"}},
	{OSLinux, []string{"Linux", "X11"}},
}

// ParseUserAgent 以字符串匹配方式解析 User-Agent
//
// 只做尽力分类，不是完整解析器；未知组合返回 Unknown / Desktop。
// 空 UA 返回 nil。
func ParseUserAgent(ua string) *domain.DeviceInfo {
	if strings.TrimSpace(ua) == "" {
		return nil
	}

	info := &domain.DeviceInfo{
		Browser: match(ua, browserRules),
		OS:      match(ua, osRules),
		Device:  DeviceDesktop,
	}

	if info.OS == OSAndroid || info.OS == OSiOS {
		if strings.Contains(ua, "iPad") {
			info.Device = DeviceTablet
		} else {
			info.Device = DeviceMobile
		}
	}

	return info
}

func match(ua string, rules []rule) string {
	for _, r := range rules {
		for _, token := range r.tokens {
			if strings.Contains(ua, token) {
				return r.name
			}
		}
	}
	return Unknown
}
