package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"towncapture/internal/errclass"
)

// FakeSignature はFakeProcessorが受け付ける署名
const FakeSignature = "fake-signature"

// FakeProcessor はテスト用のProcessor
// ParseEvent はEventをJSONとしてそのまま解釈する
type FakeProcessor struct {
	mu        sync.Mutex
	checkouts []CheckoutRequest

	// Err が設定されていればCreateCheckoutは失敗する
	Err error
}

// NewFakeProcessor は新しいFakeProcessorを作成する
func NewFakeProcessor() *FakeProcessor {
	return &FakeProcessor{}
}

// CreateCheckout は要求を記録して連番の決済IDを返す
func (f *FakeProcessor) CreateCheckout(_ context.Context, req CheckoutRequest) (*Checkout, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	f.checkouts = append(f.checkouts, req)
	id := fmt.Sprintf("cs_test_%d", len(f.checkouts))
	return &Checkout{ID: id, URL: "https://checkout.example.com/" + id}, nil
}

// ParseEvent はFakeSignatureのみ受け付ける
func (f *FakeProcessor) ParseEvent(payload []byte, signature string) (*Event, error) {
	if signature != FakeSignature {
		return nil, errclass.ErrSignatureInvalid.WithMessage("署名が一致しません")
	}
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, errclass.ErrInvalidArgument.WithMessagef("イベントの解析に失敗: %v", err)
	}
	return &ev, nil
}

// Checkouts は作成要求を返す
func (f *FakeProcessor) Checkouts() []CheckoutRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]CheckoutRequest(nil), f.checkouts...)
}

var _ Processor = (*FakeProcessor)(nil)
