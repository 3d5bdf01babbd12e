package mailer

import (
	"errors"
	"fmt"
	"regexp"
)

// ErrUnsafeContent 正文包含可执行内容
var ErrUnsafeContent = errors.New("html content contains active content")

// ContentFilter 出站正文过滤器
//
// 多数邮件客户端会剥离脚本和嵌入对象，带这些内容的邮件容易进垃圾箱，
// 因此在登记追踪之前拒绝。
type ContentFilter struct {
	patterns []*regexp.Regexp
}

// NewContentFilter 创建内容过滤器
func NewContentFilter() *ContentFilter {
	return &ContentFilter{
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)<script[^>]*>`),
			regexp.MustCompile(`(?i)javascript:`),
			regexp.MustCompile(`(?i)\son(load|error|click|mouseover)\s*=`),
			regexp.MustCompile(`(?i)document\.cookie`),
			regexp.MustCompile(`(?i)<iframe[^>]*>`),
			regexp.MustCompile(`(?i)<object[^>]*>`),
			regexp.MustCompile(`(?i)<embed[^>]*>`),
		},
	}
}

// Check 检查 HTML 正文
//
// 返回值:
//   - error: 命中任一规则时返回包装了 ErrUnsafeContent 的错误
func (f *ContentFilter) Check(html string) error {
	for _, p := range f.patterns {
		if loc := p.FindStringIndex(html); loc != nil {
			return fmt.Errorf("%w: %q", ErrUnsafeContent, html[loc[0]:loc[1]])
		}
	}
	return nil
}
