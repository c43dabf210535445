package migration

import (
	"fmt"

	"github.com/shouni/go-http-kit/pkg/httpkit"
)

// CheckSafeURL は client の SSRF 判定で rawURL を検証します。
// プライベート・ループバック宛てなど、安全と判定されない URL はエラーです。
func CheckSafeURL(client httpkit.ClientInterface, rawURL string) error {
	safe, err := client.IsSafeURL(rawURL)
	if err != nil {
		return fmt.Errorf("安全ではないURLが指定されました: %w", err)
	}
	if !safe {
		return fmt.Errorf("安全ではないURLが指定されました: %s", rawURL)
	}
	return nil
}
