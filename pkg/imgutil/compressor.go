package imgutil

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"net/http"
	"strings"
)

// DefaultQuality は永続化前の再エンコードに使う JPEG 品質です。
const DefaultQuality = 75

// Blob は保存用に整えた画像データです。
type Blob struct {
	Data     []byte
	MimeType string
}

// Sniff は先頭バイトから画像の MIME タイプを判定します。
// image/* と判定できないデータ（HTML のエラーページなど）はエラーです。
func Sniff(data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("画像データが空です")
	}
	mimeType := http.DetectContentType(data)
	if !strings.HasPrefix(mimeType, "image/") {
		return "", fmt.Errorf("画像ではないデータです: %s", mimeType)
	}
	return mimeType, nil
}

// Normalize は画像を判定したうえで、縮む場合だけ JPEG に再エンコードします。
// GIF（アニメーションの可能性あり）と、この環境でデコードできない形式は元のまま返します。
func Normalize(data []byte, quality int) (Blob, error) {
	mimeType, err := Sniff(data)
	if err != nil {
		return Blob{}, err
	}
	original := Blob{Data: data, MimeType: mimeType}
	if mimeType == "image/gif" {
		return original, nil
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return original, nil
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil || buf.Len() >= len(data) {
		return original, nil
	}
	return Blob{Data: buf.Bytes(), MimeType: "image/jpeg"}, nil
}
