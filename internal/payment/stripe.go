package payment

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"

	"towncapture/internal/errclass"
	"towncapture/internal/logging"
)

// Stripeのイベント種別
const (
	stripeCheckoutCompleted      = "checkout.session.completed"
	stripeCheckoutAsyncSucceeded = "checkout.session.async_payment_succeeded"
	stripeCheckoutAsyncFailed    = "checkout.session.async_payment_failed"
	stripeCheckoutExpired        = "checkout.session.expired"
	stripePaymentIntentFailed    = "payment_intent.payment_failed"
)

// StripeProcessor はStripe Checkoutを使うProcessor
type StripeProcessor struct {
	api           *client.API
	webhookSecret string
	methods       []string
	logger        *slog.Logger
}

// NewStripeProcessor は新しいStripeProcessorを作成する
func NewStripeProcessor(secretKey, webhookSecret string, methods []string, logger *slog.Logger) *StripeProcessor {
	api := &client.API{}
	api.Init(secretKey, nil)
	if len(methods) == 0 {
		methods = []string{"card"}
	}
	return &StripeProcessor{
		api:           api,
		webhookSecret: webhookSecret,
		methods:       methods,
		logger:        logging.OrDefault(logger),
	}
}

// CreateCheckout は支払いモードのCheckout Sessionを作成する
func (p *StripeProcessor) CreateCheckout(ctx context.Context, req CheckoutRequest) (*Checkout, error) {
	metadata := map[string]string{
		"sessionId":   req.SessionID,
		"cameraId":    req.DeviceID,
		"clientId":    req.TenantID,
		"captureType": req.CaptureKind,
		"durationSec": strconv.Itoa(req.DurationSec),
	}

	params := &stripe.CheckoutSessionParams{
		Mode:               stripe.String(string(stripe.CheckoutSessionModePayment)),
		PaymentMethodTypes: stripe.StringSlice(p.methods),
		SuccessURL:         stripe.String(req.SuccessURL),
		CancelURL:          stripe.String(req.CancelURL),
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: metadata,
		},
	}
	params.Context = ctx
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}
	params.AddMetadata("total", strconv.Itoa(req.Total))
	if req.Email != "" {
		params.CustomerEmail = stripe.String(req.Email)
	}
	for _, item := range req.Items {
		params.LineItems = append(params.LineItems, &stripe.CheckoutSessionLineItemParams{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency: stripe.String(req.Currency),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(item.Name),
				},
				UnitAmount: stripe.Int64(int64(item.Amount)),
			},
			Quantity: stripe.Int64(1),
		})
	}

	cs, err := p.api.CheckoutSessions.New(params)
	if err != nil {
		p.logger.Error("Checkout Sessionの作成に失敗しました", "session_id", req.SessionID, "error", err)
		return nil, errclass.ErrUpstreamUnavailable.WithMessagef("決済画面の作成に失敗: %v", err)
	}
	return &Checkout{ID: cs.ID, URL: cs.URL}, nil
}

// ParseEvent はStripe-Signatureを検証してイベントを解釈する
func (p *StripeProcessor) ParseEvent(payload []byte, signature string) (*Event, error) {
	ev, err := webhook.ConstructEventWithOptions(payload, signature, p.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, errclass.ErrSignatureInvalid.WithMessage(err.Error())
	}
	return decodeStripeEvent(ev)
}

func decodeStripeEvent(ev stripe.Event) (*Event, error) {
	out := &Event{ID: ev.ID, Type: string(ev.Type), Kind: EventIgnored}
	if ev.Data == nil {
		return out, nil
	}

	switch out.Type {
	case stripeCheckoutCompleted, stripeCheckoutAsyncSucceeded, stripeCheckoutAsyncFailed, stripeCheckoutExpired:
		var cs stripe.CheckoutSession
		if err := json.Unmarshal(ev.Data.Raw, &cs); err != nil {
			return nil, errclass.ErrInvalidArgument.WithMessagef("checkout.session の解析に失敗: %v", err)
		}
		// 月額契約など支払いモード以外は扱わない
		if cs.Mode != stripe.CheckoutSessionModePayment {
			return out, nil
		}
		out.SessionID = cs.Metadata["sessionId"]
		out.CheckoutID = cs.ID
		if cs.PaymentIntent != nil {
			out.PaymentIntentID = cs.PaymentIntent.ID
		}
		if cs.CustomerDetails != nil {
			out.Email = cs.CustomerDetails.Email
		}
		out.Kind = classifyCheckout(out.Type, string(cs.PaymentStatus))

	case stripePaymentIntentFailed:
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(ev.Data.Raw, &pi); err != nil {
			return nil, errclass.ErrInvalidArgument.WithMessagef("payment_intent の解析に失敗: %v", err)
		}
		out.SessionID = pi.Metadata["sessionId"]
		out.PaymentIntentID = pi.ID
		if pi.LastPaymentError != nil {
			out.ErrorMessage = pi.LastPaymentError.Msg
		}
		out.Kind = EventFailed
	}
	return out, nil
}

// classifyCheckout はCheckout Sessionのイベントを分類する
// 非同期決済（PayPayなど）のcompletedは未払いのまま届くため保留扱いにする
func classifyCheckout(eventType, paymentStatus string) EventKind {
	switch eventType {
	case stripeCheckoutCompleted:
		if paymentStatus == "unpaid" {
			return EventPending
		}
		return EventPaid
	case stripeCheckoutAsyncSucceeded:
		return EventPaid
	case stripeCheckoutAsyncFailed:
		return EventFailed
	case stripeCheckoutExpired:
		return EventExpired
	}
	return EventIgnored
}

var _ Processor = (*StripeProcessor)(nil)
