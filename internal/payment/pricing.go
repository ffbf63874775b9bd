package payment

import (
	"fmt"

	"towncapture/internal/session"
)

// Quote は料金設定と撮影内容から料金内訳を計算する
// 無料モードでは基本料金を0にするが、有料素材の料金は加算する
func Quote(p session.TenantPricing, kind session.CaptureKind, durationSec int, sel session.OverlaySelection) session.PricingSnapshot {
	snap := session.PricingSnapshot{
		FreeMode:       p.FreeMode,
		PhotoPrice:     p.PhotoPrice,
		ShortClipPrice: p.ShortClipPrice,
		LongClipPrice:  p.LongClipPrice,
		FramePrice:     nonNegative(sel.FramePrice),
		LogoPrice:      nonNegative(sel.LogoPrice),
	}

	if !p.FreeMode {
		switch {
		case kind == session.KindPhoto:
			snap.BasePrice = p.PhotoPrice
		case session.CoerceDuration(kind, durationSec) == session.LongClipSeconds:
			snap.BasePrice = p.LongClipPrice
		default:
			snap.BasePrice = p.ShortClipPrice
		}
	}
	snap.BasePrice = nonNegative(snap.BasePrice)
	snap.Total = snap.BasePrice + snap.FramePrice + snap.LogoPrice
	return snap
}

// LineItems は決済画面に表示する明細を返す。0円の明細は含めない
func LineItems(snap session.PricingSnapshot, kind session.CaptureKind, durationSec int) []LineItem {
	var items []LineItem
	if snap.BasePrice > 0 {
		items = append(items, LineItem{Name: ProductName(kind, durationSec), Amount: snap.BasePrice})
	}
	if snap.FramePrice > 0 {
		items = append(items, LineItem{Name: "Premium Frame", Amount: snap.FramePrice})
	}
	if snap.LogoPrice > 0 {
		items = append(items, LineItem{Name: "Logo Overlay", Amount: snap.LogoPrice})
	}
	return items
}

// ProductName は基本料金の商品名を返す
func ProductName(kind session.CaptureKind, durationSec int) string {
	if kind == session.KindPhoto {
		return "TownCapture Photo"
	}
	return fmt.Sprintf("TownCapture Video (%d sec)", session.CoerceDuration(kind, durationSec))
}

func nonNegative(v int) int {
	if v < 0 {
		return 0
	}
	return v
}
