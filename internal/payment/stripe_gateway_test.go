package payment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

const testWebhookSecret = "whsec_test_secret"

// newTestGateway はhttptestサーバーに向けたStripeGatewayを生成する。
func newTestGateway(t *testing.T, handler http.HandlerFunc) *StripeGateway {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(srv.URL),
		MaxNetworkRetries: stripe.Int64(0),
	})
	return NewStripeGateway("sk_test_123", testWebhookSecret, backend)
}

func TestStripeGateway_CreateConnectedAccount(t *testing.T) {
	var form url.Values
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/accounts" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		form, _ = url.ParseQuery(string(body))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"acct_123","object":"account"}`)
	})

	id, err := g.CreateConnectedAccount(context.Background(), "user-1", "creator@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "acct_123" {
		t.Errorf("id = %q, want acct_123", id)
	}
	if form.Get("type") != "express" {
		t.Errorf("type = %q, want express", form.Get("type"))
	}
	if form.Get("metadata[user_id]") != "user-1" {
		t.Errorf("metadata[user_id] = %q", form.Get("metadata[user_id]"))
	}
}

func TestStripeGateway_GetAccount(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/accounts/acct_123" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"acct_123","object":"account","charges_enabled":true,"payouts_enabled":false,"details_submitted":true}`)
	})

	status, err := g.GetAccount(context.Background(), "acct_123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !status.ChargesEnabled || status.PayoutsEnabled || !status.DetailsSubmitted {
		t.Errorf("status = %+v", status)
	}
	if status.Verified() {
		t.Error("account without payouts must not be verified")
	}
}

func TestStripeGateway_CreateCheckoutSession_Subscription(t *testing.T) {
	var form url.Values
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		form, _ = url.ParseQuery(string(body))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"cs_test_1","object":"checkout.session","url":"https://checkout.stripe.com/c/pay/cs_test_1","status":"open","payment_status":"unpaid"}`)
	})

	s, err := g.CreateCheckoutSession(context.Background(), CheckoutRequest{
		Mode:               ModeSubscription,
		BuyerID:            "buyer-1",
		CreatorID:          "creator-1",
		DestinationAccount: "acct_creator",
		ProductName:        "Monthly",
		AmountCents:        500,
		Currency:           "USD",
		SuccessURL:         "https://app.example.com/checkout/return?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:          "https://app.example.com/",
		Metadata:           map[string]string{MetadataTargetKind: "subscription"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.ID != "cs_test_1" || s.Status != SessionStatusOpen || s.Paid {
		t.Errorf("session = %+v", s)
	}

	checks := map[string]string{
		"mode":                                           "subscription",
		"line_items[0][price_data][currency]":            "usd",
		"line_items[0][price_data][unit_amount]":         "500",
		"line_items[0][price_data][recurring][interval]": "month",
		"subscription_data[transfer_data][destination]":  "acct_creator",
		"metadata[target_kind]":                          "subscription",
		"client_reference_id":                            "buyer-1",
	}
	for k, want := range checks {
		if got := form.Get(k); got != want {
			t.Errorf("%s = %q, want %q", k, got, want)
		}
	}
}

func TestStripeGateway_CreateCheckoutSession_Validation(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})

	if _, err := g.CreateCheckoutSession(context.Background(), CheckoutRequest{Mode: ModePayment}); err == nil {
		t.Error("expected error for zero amount")
	}
	if _, err := g.CreateCheckoutSession(context.Background(), CheckoutRequest{Mode: "barter", AmountCents: 100}); err == nil {
		t.Error("expected error for unknown mode")
	}
}

func TestStripeGateway_GetCheckoutSession_Paid(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/v1/checkout/sessions/cs_test_1") {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"cs_test_1","object":"checkout.session","status":"complete","payment_status":"paid","metadata":{"buyer_id":"buyer-1"}}`)
	})

	s, err := g.GetCheckoutSession(context.Background(), "cs_test_1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Status != SessionStatusComplete || !s.Paid || s.Metadata[MetadataBuyerID] != "buyer-1" {
		t.Errorf("session = %+v", s)
	}
}

func TestStripeGateway_ProviderError(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"type":"invalid_request_error","message":"No such checkout.session"}}`)
	})

	if _, err := g.GetCheckoutSession(context.Background(), "cs_missing"); err == nil {
		t.Error("expected error")
	}
}

func signedPayload(t *testing.T, payload string) (string, []byte) {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    testWebhookSecret,
		Timestamp: time.Now(),
	})
	return signed.Header, signed.Payload
}

func TestStripeGateway_ParseWebhook(t *testing.T) {
	g := NewStripeGateway("sk_test_123", testWebhookSecret, nil)

	payload := `{
		"id": "evt_1",
		"object": "event",
		"type": "checkout.session.completed",
		"data": {"object": {"id": "cs_test_1", "object": "checkout.session", "status": "complete", "payment_status": "paid"}}
	}`
	header, body := signedPayload(t, payload)

	ev, err := g.ParseWebhook(body, header)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.ID != "evt_1" || ev.Type != "checkout.session.completed" {
		t.Errorf("event = %+v", ev)
	}
	if ev.Session == nil || ev.Session.ID != "cs_test_1" || !ev.Session.Paid {
		t.Errorf("session = %+v", ev.Session)
	}
}

func TestStripeGateway_ParseWebhook_NonCheckoutEvent(t *testing.T) {
	g := NewStripeGateway("sk_test_123", testWebhookSecret, nil)
	header, body := signedPayload(t, `{"id":"evt_2","object":"event","type":"account.updated","data":{"object":{"id":"acct_1","object":"account"}}}`)

	ev, err := g.ParseWebhook(body, header)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Session != nil {
		t.Errorf("non-checkout event should not carry a session: %+v", ev.Session)
	}
}

func TestStripeGateway_ParseWebhook_InvalidSignature(t *testing.T) {
	g := NewStripeGateway("sk_test_123", testWebhookSecret, nil)
	_, err := g.ParseWebhook([]byte(`{"id":"evt_1"}`), "t=1,v1=deadbeef")
	if !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("err = %v, want ErrInvalidSignature", err)
	}
}

func TestAccountStatus_Verified(t *testing.T) {
	tests := []struct {
		name   string
		status *AccountStatus
		want   bool
	}{
		{"nil", nil, false},
		{"決済のみ", &AccountStatus{ChargesEnabled: true}, false},
		{"入金のみ", &AccountStatus{PayoutsEnabled: true}, false},
		{"両方有効", &AccountStatus{ChargesEnabled: true, PayoutsEnabled: true}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.status.Verified(); got != tt.want {
				t.Errorf("Verified() = %v, want %v", got, tt.want)
			}
		})
	}
}
