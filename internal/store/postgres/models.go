package postgres

import (
	"time"

	"towncapture/internal/session"
)

type sessionModel struct {
	ID            string                   `gorm:"column:id;primaryKey"`
	Secret        string                   `gorm:"column:secret"`
	DeviceID      string                   `gorm:"column:device_id;index:idx_sessions_device_created,priority:1"`
	TenantID      string                   `gorm:"column:tenant_id;index"`
	Phase         string                   `gorm:"column:phase;index:idx_sessions_phase_delete_after,priority:1"`
	PaymentPhase  string                   `gorm:"column:payment_phase"`
	CaptureKind   string                   `gorm:"column:capture_kind"`
	ClipDuration  int                      `gorm:"column:clip_duration_sec"`
	Overlay       session.OverlaySelection `gorm:"column:selected_overlay;serializer:json"`
	CreatedAt     time.Time                `gorm:"column:created_at;index:idx_sessions_device_created,priority:2"`
	LiveExpiresAt time.Time                `gorm:"column:live_expires_at"`
	CapturedAt    *time.Time               `gorm:"column:captured_at"`

	PreviewRef  string     `gorm:"column:preview_path"`
	PreviewURL  string     `gorm:"column:preview_url"`
	OriginalRef string     `gorm:"column:original_path"`
	LegacyRef   string     `gorm:"column:storage_path"`
	DeleteAfter *time.Time `gorm:"column:delete_after;index:idx_sessions_phase_delete_after,priority:2"`

	Paid             bool                     `gorm:"column:paid"`
	DownloadToken    string                   `gorm:"column:download_token"`
	Pricing          *session.PricingSnapshot `gorm:"column:pricing_snapshot;serializer:json"`
	PaymentAmount    int                      `gorm:"column:payment_amount"`
	CheckoutID       string                   `gorm:"column:checkout_id;index"`
	CheckoutURL      string                   `gorm:"column:checkout_url"`
	EndUserEmail     string                   `gorm:"column:end_user_email"`
	PaidAt           *time.Time               `gorm:"column:paid_at"`
	FailedAt         *time.Time               `gorm:"column:failed_at"`
	LastPaymentError string                   `gorm:"column:last_payment_error"`
	LastCaptureError string                   `gorm:"column:last_capture_error"`

	EndedAt   *time.Time `gorm:"column:ended_at"`
	DeletedAt *time.Time `gorm:"column:deleted_at"`
	UpdatedAt time.Time  `gorm:"column:updated_at"`
}

func (sessionModel) TableName() string { return "capture_sessions" }

func sessionModelFromEntity(s *session.Session) sessionModel {
	return sessionModel{
		ID:               s.ID,
		Secret:           s.Secret,
		DeviceID:         s.DeviceID,
		TenantID:         s.TenantID,
		Phase:            string(s.Phase),
		PaymentPhase:     string(s.PaymentPhase),
		CaptureKind:      string(s.CaptureKind),
		ClipDuration:     s.ClipDuration,
		Overlay:          s.Overlay,
		CreatedAt:        s.CreatedAt,
		LiveExpiresAt:    s.LiveExpiresAt,
		CapturedAt:       s.CapturedAt,
		PreviewRef:       s.PreviewRef,
		PreviewURL:       s.PreviewURL,
		OriginalRef:      s.OriginalRef,
		LegacyRef:        s.LegacyRef,
		DeleteAfter:      s.DeleteAfter,
		Paid:             s.Paid,
		DownloadToken:    s.DownloadToken,
		Pricing:          s.Pricing,
		PaymentAmount:    s.PaymentAmount,
		CheckoutID:       s.CheckoutID,
		CheckoutURL:      s.CheckoutURL,
		EndUserEmail:     s.EndUserEmail,
		PaidAt:           s.PaidAt,
		FailedAt:         s.FailedAt,
		LastPaymentError: s.LastPaymentError,
		LastCaptureError: s.LastCaptureError,
		EndedAt:          s.EndedAt,
		DeletedAt:        s.DeletedAt,
		UpdatedAt:        s.UpdatedAt,
	}
}

func (m sessionModel) toEntity() *session.Session {
	return &session.Session{
		ID:               m.ID,
		Secret:           m.Secret,
		DeviceID:         m.DeviceID,
		TenantID:         m.TenantID,
		Phase:            session.Phase(m.Phase),
		PaymentPhase:     session.PaymentPhase(m.PaymentPhase),
		CaptureKind:      session.CaptureKind(m.CaptureKind),
		ClipDuration:     m.ClipDuration,
		Overlay:          m.Overlay,
		CreatedAt:        m.CreatedAt,
		LiveExpiresAt:    m.LiveExpiresAt,
		CapturedAt:       m.CapturedAt,
		PreviewRef:       m.PreviewRef,
		PreviewURL:       m.PreviewURL,
		OriginalRef:      m.OriginalRef,
		LegacyRef:        m.LegacyRef,
		DeleteAfter:      m.DeleteAfter,
		Paid:             m.Paid,
		DownloadToken:    m.DownloadToken,
		Pricing:          m.Pricing,
		PaymentAmount:    m.PaymentAmount,
		CheckoutID:       m.CheckoutID,
		CheckoutURL:      m.CheckoutURL,
		EndUserEmail:     m.EndUserEmail,
		PaidAt:           m.PaidAt,
		FailedAt:         m.FailedAt,
		LastPaymentError: m.LastPaymentError,
		LastCaptureError: m.LastCaptureError,
		EndedAt:          m.EndedAt,
		DeletedAt:        m.DeletedAt,
		UpdatedAt:        m.UpdatedAt,
	}
}

type grantModel struct {
	Token               string     `gorm:"column:token;primaryKey"`
	SessionID           string     `gorm:"column:session_id;index"`
	TenantID            string     `gorm:"column:tenant_id"`
	DeviceID            string     `gorm:"column:device_id"`
	ExpiresAt           time.Time  `gorm:"column:expires_at"`
	MaxUses             int        `gorm:"column:max_downloads"`
	UseCount            int        `gorm:"column:download_count"`
	PendingConfirmation string     `gorm:"column:pending_confirmation"`
	LastRedeemedAt      *time.Time `gorm:"column:last_download_at"`
	CreatedAt           time.Time  `gorm:"column:created_at"`
}

func (grantModel) TableName() string { return "download_grants" }

func grantModelFromEntity(g *session.Grant) grantModel {
	return grantModel{
		Token:               g.Token,
		SessionID:           g.SessionID,
		TenantID:            g.TenantID,
		DeviceID:            g.DeviceID,
		ExpiresAt:           g.ExpiresAt,
		MaxUses:             g.MaxUses,
		UseCount:            g.UseCount,
		PendingConfirmation: g.PendingConfirmation,
		LastRedeemedAt:      g.LastRedeemedAt,
		CreatedAt:           g.CreatedAt,
	}
}

func (m grantModel) toEntity() *session.Grant {
	return &session.Grant{
		Token:               m.Token,
		SessionID:           m.SessionID,
		TenantID:            m.TenantID,
		DeviceID:            m.DeviceID,
		ExpiresAt:           m.ExpiresAt,
		MaxUses:             m.MaxUses,
		UseCount:            m.UseCount,
		PendingConfirmation: m.PendingConfirmation,
		LastRedeemedAt:      m.LastRedeemedAt,
		CreatedAt:           m.CreatedAt,
	}
}

type processedEventModel struct {
	ID          string    `gorm:"column:id;primaryKey"`
	Type        string    `gorm:"column:type"`
	ProcessedAt time.Time `gorm:"column:processed_at"`
}

func (processedEventModel) TableName() string { return "processed_payment_events" }

type overlayModel struct {
	ID       string `gorm:"column:id;primaryKey"`
	TenantID string `gorm:"column:tenant_id;index"`
	Kind     string `gorm:"column:kind"`
	BlobRef  string `gorm:"column:storage_path"`
	IsPaid   bool   `gorm:"column:is_paid"`
	Price    int    `gorm:"column:price"`
	Position string `gorm:"column:position"`
	FileName string `gorm:"column:file_name"`
}

func (overlayModel) TableName() string { return "overlay_assets" }

func (m overlayModel) toEntity() session.OverlayAsset {
	return session.OverlayAsset{
		ID:       m.ID,
		TenantID: m.TenantID,
		Kind:     session.OverlayKind(m.Kind),
		BlobRef:  m.BlobRef,
		IsPaid:   m.IsPaid,
		Price:    m.Price,
		Position: m.Position,
		FileName: m.FileName,
	}
}

type pricingModel struct {
	TenantID       string `gorm:"column:tenant_id;primaryKey"`
	FreeMode       bool   `gorm:"column:free_mode"`
	PhotoPrice     int    `gorm:"column:photo_price"`
	ShortClipPrice int    `gorm:"column:video3_price"`
	LongClipPrice  int    `gorm:"column:video15_price"`
}

func (pricingModel) TableName() string { return "tenant_pricing" }

func (m pricingModel) toEntity() *session.TenantPricing {
	return &session.TenantPricing{
		TenantID:       m.TenantID,
		FreeMode:       m.FreeMode,
		PhotoPrice:     m.PhotoPrice,
		ShortClipPrice: m.ShortClipPrice,
		LongClipPrice:  m.LongClipPrice,
	}
}
