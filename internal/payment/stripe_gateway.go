package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/account"
	"github.com/stripe/stripe-go/v82/accountlink"
	"github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/webhook"
)

// StripeGateway はStripe APIを使用したGateway実装。
type StripeGateway struct {
	accounts      *account.Client
	links         *accountlink.Client
	sessions      *session.Client
	webhookSecret string
}

// NewStripeGateway はStripeGatewayを生成する。
// backendがnilの場合はStripe APIの既定バックエンドを使用する。
func NewStripeGateway(secretKey, webhookSecret string, backend stripe.Backend) *StripeGateway {
	if backend == nil {
		backend = stripe.GetBackend(stripe.APIBackend)
	}
	return &StripeGateway{
		accounts:      &account.Client{B: backend, Key: secretKey},
		links:         &accountlink.Client{B: backend, Key: secretKey},
		sessions:      &session.Client{B: backend, Key: secretKey},
		webhookSecret: webhookSecret,
	}
}

// CreateConnectedAccount はExpressアカウントを作成する。
func (g *StripeGateway) CreateConnectedAccount(ctx context.Context, userID, email string) (string, error) {
	params := &stripe.AccountParams{
		Type: stripe.String(string(stripe.AccountTypeExpress)),
		Capabilities: &stripe.AccountCapabilitiesParams{
			CardPayments: &stripe.AccountCapabilitiesCardPaymentsParams{Requested: stripe.Bool(true)},
			Transfers:    &stripe.AccountCapabilitiesTransfersParams{Requested: stripe.Bool(true)},
		},
	}
	if email != "" {
		params.Email = stripe.String(email)
	}
	params.Context = ctx
	params.AddMetadata("user_id", userID)

	acct, err := g.accounts.New(params)
	if err != nil {
		return "", fmt.Errorf("stripe: failed to create account: %w", err)
	}
	return acct.ID, nil
}

// CreateOnboardingLink はアカウント登録用のリンクを作成する。
func (g *StripeGateway) CreateOnboardingLink(ctx context.Context, accountID, refreshURL, returnURL string) (string, error) {
	params := &stripe.AccountLinkParams{
		Account:    stripe.String(accountID),
		RefreshURL: stripe.String(refreshURL),
		ReturnURL:  stripe.String(returnURL),
		Type:       stripe.String("account_onboarding"),
	}
	params.Context = ctx

	link, err := g.links.New(params)
	if err != nil {
		return "", fmt.Errorf("stripe: failed to create account link: %w", err)
	}
	return link.URL, nil
}

// GetAccount はアカウントの有効化状態を取得する。
func (g *StripeGateway) GetAccount(ctx context.Context, accountID string) (*AccountStatus, error) {
	params := &stripe.AccountParams{}
	params.Context = ctx

	acct, err := g.accounts.GetByID(accountID, params)
	if err != nil {
		return nil, fmt.Errorf("stripe: failed to get account: %w", err)
	}
	return &AccountStatus{
		ID:               acct.ID,
		ChargesEnabled:   acct.ChargesEnabled,
		PayoutsEnabled:   acct.PayoutsEnabled,
		DetailsSubmitted: acct.DetailsSubmitted,
	}, nil
}

// CreateCheckoutSession はチェックアウトセッションを作成する。
// 売上は連携アカウントへ送金する。
func (g *StripeGateway) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	if req.AmountCents <= 0 {
		return nil, fmt.Errorf("stripe: amount must be positive")
	}

	priceData := &stripe.CheckoutSessionLineItemPriceDataParams{
		Currency:   stripe.String(strings.ToLower(req.Currency)),
		UnitAmount: stripe.Int64(req.AmountCents),
		ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
			Name: stripe.String(req.ProductName),
		},
	}

	params := &stripe.CheckoutSessionParams{
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		ClientReferenceID: stripe.String(req.BuyerID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{PriceData: priceData, Quantity: stripe.Int64(1)},
		},
	}
	if req.BuyerEmail != "" {
		params.CustomerEmail = stripe.String(req.BuyerEmail)
	}

	switch req.Mode {
	case ModeSubscription:
		params.Mode = stripe.String(string(stripe.CheckoutSessionModeSubscription))
		priceData.Recurring = &stripe.CheckoutSessionLineItemPriceDataRecurringParams{
			Interval: stripe.String(string(stripe.PriceRecurringIntervalMonth)),
		}
		params.SubscriptionData = &stripe.CheckoutSessionSubscriptionDataParams{
			TransferData: &stripe.CheckoutSessionSubscriptionDataTransferDataParams{
				Destination: stripe.String(req.DestinationAccount),
			},
		}
	case ModePayment:
		params.Mode = stripe.String(string(stripe.CheckoutSessionModePayment))
		params.PaymentIntentData = &stripe.CheckoutSessionPaymentIntentDataParams{
			TransferData: &stripe.CheckoutSessionPaymentIntentDataTransferDataParams{
				Destination: stripe.String(req.DestinationAccount),
			},
		}
	default:
		return nil, fmt.Errorf("stripe: unknown checkout mode %q", req.Mode)
	}

	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	params.Context = ctx

	s, err := g.sessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("stripe: failed to create checkout session: %w", err)
	}
	return toCheckoutSession(s), nil
}

// GetCheckoutSession はチェックアウトセッションを取得する。
func (g *StripeGateway) GetCheckoutSession(ctx context.Context, sessionID string) (*CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx

	s, err := g.sessions.Get(sessionID, params)
	if err != nil {
		return nil, fmt.Errorf("stripe: failed to get checkout session: %w", err)
	}
	return toCheckoutSession(s), nil
}

// ParseWebhook はStripe-Signatureヘッダーを検証してイベントを返す。
func (g *StripeGateway) ParseWebhook(payload []byte, signature string) (*Event, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, g.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true},
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	ev := &Event{ID: event.ID, Type: string(event.Type)}
	if strings.HasPrefix(ev.Type, "checkout.session.") && event.Data != nil {
		var s stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &s); err != nil {
			return nil, fmt.Errorf("stripe: failed to decode checkout session event: %w", err)
		}
		ev.Session = toCheckoutSession(&s)
	}
	return ev, nil
}

func toCheckoutSession(s *stripe.CheckoutSession) *CheckoutSession {
	return &CheckoutSession{
		ID:       s.ID,
		URL:      s.URL,
		Status:   SessionStatus(s.Status),
		Paid:     s.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid,
		Metadata: s.Metadata,
	}
}

var _ Gateway = (*StripeGateway)(nil)
