package session

import "time"

// Phase はセッションのライフサイクル上の状態
type Phase string

const (
	PhaseLive           Phase = "live"
	PhaseCapturing      Phase = "capturing"
	PhaseCaptured       Phase = "captured"
	PhasePendingPayment Phase = "pending_payment"
	PhasePaid           Phase = "paid"
	PhasePaymentFailed  Phase = "payment_failed"
	PhaseExpired        Phase = "expired"
	PhaseCancelled      Phase = "cancelled"
	PhaseTimeout        Phase = "timeout"
)

// Terminal は終端状態かを返す
func (p Phase) Terminal() bool {
	switch p {
	case PhasePaid, PhaseExpired, PhaseCancelled, PhaseTimeout, PhasePaymentFailed:
		return true
	}
	return false
}

// ExpirablePhases は保持期限で掃除対象になる状態
// 掃除済みのセッションは DeleteAfter が空になるため再度選ばれない
var ExpirablePhases = []Phase{
	PhaseLive,
	PhaseCapturing,
	PhaseCaptured,
	PhasePendingPayment,
	PhasePaymentFailed,
	PhasePaid,
	PhaseTimeout,
	PhaseCancelled,
	PhaseExpired,
}

// PaymentPhase は決済の進行状態
type PaymentPhase string

const (
	PaymentNone    PaymentPhase = "none"
	PaymentPending PaymentPhase = "pending"
	PaymentPaid    PaymentPhase = "paid"
	PaymentFailed  PaymentPhase = "payment_failed"
	PaymentExpired PaymentPhase = "expired"
)

// CaptureKind は撮影の種類
type CaptureKind string

const (
	KindPhoto CaptureKind = "photo"
	KindClip  CaptureKind = "clip"
)

// 対応するクリップ長（秒）
const (
	ShortClipSeconds = 3
	LongClipSeconds  = 15
)

// ParseCaptureKind は文字列を撮影種別に変換する。"video" もクリップとして扱う
func ParseCaptureKind(s string) (CaptureKind, bool) {
	switch s {
	case "photo":
		return KindPhoto, true
	case "clip", "video":
		return KindClip, true
	}
	return "", false
}

// CoerceDuration はクリップ長を対応値（3秒か15秒）の近い方に丸める。写真は0
func CoerceDuration(kind CaptureKind, seconds int) int {
	if kind != KindClip {
		return 0
	}
	if seconds >= (ShortClipSeconds+LongClipSeconds)/2 {
		return LongClipSeconds
	}
	return ShortClipSeconds
}

// OverlaySelection はセッションで選択されたフレームとロゴ
type OverlaySelection struct {
	FrameID      string `json:"frameId,omitempty"`
	LogoID       string `json:"logoId,omitempty"`
	LogoPosition string `json:"logoPosition,omitempty"`
	FramePrice   int    `json:"framePrice"`
	LogoPrice    int    `json:"logoPrice"`
}

// Empty は何も選択されていないかを返す
func (o OverlaySelection) Empty() bool {
	return o.FrameID == "" && o.LogoID == ""
}

// PricingSnapshot は決済作成時の料金内訳
type PricingSnapshot struct {
	FreeMode       bool `json:"freeMode"`
	PhotoPrice     int  `json:"photoPrice"`
	ShortClipPrice int  `json:"shortClipPrice"`
	LongClipPrice  int  `json:"longClipPrice"`
	BasePrice      int  `json:"basePrice"`
	FramePrice     int  `json:"framePrice"`
	LogoPrice      int  `json:"logoPrice"`
	Total          int  `json:"total"`
}

// Session は撮影1回分の権威レコード
type Session struct {
	ID            string
	Secret        string
	DeviceID      string
	TenantID      string
	Phase         Phase
	PaymentPhase  PaymentPhase
	CaptureKind   CaptureKind
	ClipDuration  int
	Overlay       OverlaySelection
	CreatedAt     time.Time
	LiveExpiresAt time.Time
	CapturedAt    *time.Time

	PreviewRef  string
	PreviewURL  string
	OriginalRef string
	LegacyRef   string
	DeleteAfter *time.Time

	Paid             bool
	DownloadToken    string
	Pricing          *PricingSnapshot
	PaymentAmount    int
	CheckoutID       string
	CheckoutURL      string
	EndUserEmail     string
	PaidAt           *time.Time
	FailedAt         *time.Time
	LastPaymentError string
	LastCaptureError string

	EndedAt   *time.Time
	DeletedAt *time.Time
	UpdatedAt time.Time
}

// Clone はポインタ項目も含めて複製する
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.CapturedAt = cloneTime(s.CapturedAt)
	c.DeleteAfter = cloneTime(s.DeleteAfter)
	c.PaidAt = cloneTime(s.PaidAt)
	c.FailedAt = cloneTime(s.FailedAt)
	c.EndedAt = cloneTime(s.EndedAt)
	c.DeletedAt = cloneTime(s.DeletedAt)
	if s.Pricing != nil {
		p := *s.Pricing
		c.Pricing = &p
	}
	return &c
}

// HasArtifacts はプレビューと原本の両方が揃っているかを返す
func (s *Session) HasArtifacts() bool {
	return s.PreviewRef != "" && s.OriginalRef != ""
}

// Scrub は成果物への参照とリンクを取り除く
func (s *Session) Scrub() {
	s.PreviewRef = ""
	s.PreviewURL = ""
	s.OriginalRef = ""
	s.LegacyRef = ""
	s.DownloadToken = ""
	s.CheckoutURL = ""
}

// OverlayKind はオーバーレイ素材の種類
type OverlayKind string

const (
	OverlayFrame OverlayKind = "frame"
	OverlayLogo  OverlayKind = "logo"
)

// OverlayAsset はテナントが登録したフレームまたはロゴ
type OverlayAsset struct {
	ID       string
	TenantID string
	Kind     OverlayKind
	BlobRef  string
	IsPaid   bool
	Price    int
	Position string
	FileName string
}

// EffectivePrice は有料素材なら価格、無料なら0を返す
func (a OverlayAsset) EffectivePrice() int {
	if !a.IsPaid {
		return 0
	}
	return a.Price
}

// TenantPricing はテナントごとの料金設定
type TenantPricing struct {
	TenantID       string
	FreeMode       bool
	PhotoPrice     int
	ShortClipPrice int
	LongClipPrice  int
}

// Grant は時間と回数で制限されたダウンロード権
type Grant struct {
	Token               string
	SessionID           string
	TenantID            string
	DeviceID            string
	ExpiresAt           time.Time
	MaxUses             int
	UseCount            int
	PendingConfirmation string
	LastRedeemedAt      *time.Time
	CreatedAt           time.Time
}

// Remaining は残り回数を返す
func (g *Grant) Remaining() int {
	if r := g.MaxUses - g.UseCount; r > 0 {
		return r
	}
	return 0
}

// ProcessedEvent は処理済み決済イベントの記録
type ProcessedEvent struct {
	ID          string
	Type        string
	ProcessedAt time.Time
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
