// Package text 提供与编码无关的文本截取工具
package text

import "unicode/utf8"

// Truncate 返回 s 中不超过 n 字节的前缀，不会截断多字节字符
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
