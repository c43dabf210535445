// Package linkpreview は本文中のリンクを検出し、デバウンスしてプレビューを解決します。
package linkpreview

import "regexp"

var urlPattern = regexp.MustCompile(`https?://[^\s\]()]+`)

// ExtractURL は text 中の最初の http(s) URL を返します。なければ空文字です。
func ExtractURL(text string) string {
	return urlPattern.FindString(text)
}
