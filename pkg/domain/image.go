package domain

// Style は候補画像のスタイル枠 (0, 1, 2) です。
type Style int

// NumStyles は1回の生成で扱うスタイル枠の数です。
const NumStyles = 3

// DefaultStyleNames は各スタイル枠の既定の表示名です。
var DefaultStyleNames = [NumStyles]string{
	"Cinematic / Symbolic",
	"Surreal / Abstract",
	"Bold Graphic / Typographic",
}

// Valid はスタイル番号が有効範囲内かどうかを返します。
func (s Style) Valid() bool {
	return s >= 0 && s < NumStyles
}

// CandidateState は候補画像の状態です。loading から succeeded / failed へ一度だけ遷移します。
type CandidateState string

const (
	CandidateLoading   CandidateState = "loading"
	CandidateSucceeded CandidateState = "succeeded"
	CandidateFailed    CandidateState = "failed"
)

// ImageCandidate は候補プール内の1枚分の画像生成結果です。
// URL はプロバイダが返した一時URLか、移行後の永続参照のどちらかです。
type ImageCandidate struct {
	ID      int64  `json:"id"`
	URL     string `json:"url,omitempty"`
	Err     string `json:"error,omitempty"`
	Style   Style  `json:"style"`
	Loading bool   `json:"loading"`
	Token   uint64 `json:"token"`
}

// State は候補の現在の状態を返します。
func (c ImageCandidate) State() CandidateState {
	switch {
	case c.Loading:
		return CandidateLoading
	case c.Err != "":
		return CandidateFailed
	default:
		return CandidateSucceeded
	}
}

// PreviewResult はリンクプレビュー取得の結果です。
type PreviewResult struct {
	ImageURL string `json:"image_url,omitempty"`
	VideoURL string `json:"video_url,omitempty"`
}

// TextResult はテキスト生成の結果です。
type TextResult struct {
	Text         string
	ImagePrompts [NumStyles]string
	WhyItWorks   string
}
