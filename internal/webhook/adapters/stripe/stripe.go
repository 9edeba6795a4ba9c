package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	domain "github.com/memberware/treasury/internal/webhook/domain"
)

// ProviderName identifies this adapter in the registry.
const ProviderName = "stripe"

// Factory builds stripe adapters.
type Factory struct{}

func (Factory) Provider() string { return ProviderName }

func (Factory) NewAdapter(cfg domain.AdapterConfig) (domain.Adapter, error) {
	if cfg.WebhookSecret == "" {
		return nil, fmt.Errorf("stripe: webhook secret not configured")
	}
	return &Adapter{secret: cfg.WebhookSecret}, nil
}

// Adapter verifies and parses stripe webhook deliveries.
type Adapter struct {
	secret string
}

// Verify checks the Stripe-Signature header against an HMAC-SHA256 of
// "timestamp.payload" with the endpoint secret.
func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	header := headers.Get("Stripe-Signature")
	if header == "" {
		return domain.ErrInvalidSignature
	}

	ts, sigs, err := parseStripeSignature(header)
	if err != nil || len(sigs) == 0 {
		return domain.ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, []byte(a.secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, sig := range sigs {
		if hmac.Equal([]byte(expected), []byte(sig)) {
			return nil
		}
	}
	return domain.ErrInvalidSignature
}

// Parse maps a stripe event envelope onto a provider-neutral event.
func (a *Adapter) Parse(ctx context.Context, payload []byte) (*domain.ProviderEvent, error) {
	var event stripeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	if event.ID == "" {
		return nil, domain.ErrInvalidEvent
	}

	switch event.Type {
	case "payment_intent.succeeded":
		return parsePaymentIntent(event, domain.EventTypePaymentSucceeded)
	case "payment_intent.payment_failed":
		return parsePaymentIntent(event, domain.EventTypePaymentFailed)
	case "charge.refunded":
		return parseCharge(event)
	case "charge.dispute.created":
		return parseDispute(event)
	case "payout.paid":
		return parsePayout(event)
	default:
		return nil, domain.ErrEventIgnored
	}
}

type stripeEvent struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type stripePaymentIntent struct {
	ID             string `json:"id"`
	Amount         int64  `json:"amount"`
	AmountReceived int64  `json:"amount_received"`
	// Fee is nonzero only when the event carries settlement fees.
	Fee              int64             `json:"fee"`
	Currency         string            `json:"currency"`
	Created          int64             `json:"created"`
	Description      string            `json:"description"`
	Metadata         map[string]string `json:"metadata"`
	LastPaymentError *struct {
		Message string `json:"message"`
	} `json:"last_payment_error"`
}

type stripeCharge struct {
	ID             string            `json:"id"`
	Amount         int64             `json:"amount"`
	AmountRefunded int64             `json:"amount_refunded"`
	Currency       string            `json:"currency"`
	Created        int64             `json:"created"`
	PaymentIntent  string            `json:"payment_intent"`
	Metadata       map[string]string `json:"metadata"`
	Refunds        struct {
		Data []stripeRefund `json:"data"`
	} `json:"refunds"`
}

type stripeRefund struct {
	ID      string `json:"id"`
	Amount  int64  `json:"amount"`
	Reason  string `json:"reason"`
	Created int64  `json:"created"`
}

type stripeDispute struct {
	ID            string `json:"id"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	Reason        string `json:"reason"`
	PaymentIntent string `json:"payment_intent"`
	Charge        string `json:"charge"`
	Created       int64  `json:"created"`
}

type stripePayout struct {
	ID          string `json:"id"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	Status      string `json:"status"`
	ArrivalDate int64  `json:"arrival_date"`
	Created     int64  `json:"created"`
}

func parsePaymentIntent(event stripeEvent, eventType string) (*domain.ProviderEvent, error) {
	var intent stripePaymentIntent
	if err := json.Unmarshal(event.Data.Object, &intent); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	if intent.ID == "" {
		return nil, domain.ErrInvalidEvent
	}

	amount := intent.AmountReceived
	if amount == 0 {
		amount = intent.Amount
	}

	out := &domain.ProviderEvent{
		Provider:          ProviderName,
		EventID:           event.ID,
		Type:              eventType,
		UserID:            intent.Metadata["user_id"],
		EntityType:        intent.Metadata["entity_type"],
		Amount:            amount,
		Fee:               intent.Fee,
		Currency:          strings.ToUpper(intent.Currency),
		ExternalPaymentID: intent.ID,
		Description:       intent.Description,
		OccurredAt:        timestamp(intent.Created, event.Created),
	}
	if raw := intent.Metadata["entity_id"]; raw != "" {
		if id, err := snowflake.ParseString(raw); err == nil {
			out.EntityID = id
		}
	}
	if intent.LastPaymentError != nil {
		out.Reason = intent.LastPaymentError.Message
	}
	return out, nil
}

func parseCharge(event stripeEvent) (*domain.ProviderEvent, error) {
	var charge stripeCharge
	if err := json.Unmarshal(event.Data.Object, &charge); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	if charge.ID == "" || len(charge.Refunds.Data) == 0 {
		return nil, domain.ErrInvalidEvent
	}

	// Stripe lists the newest refund first.
	refund := charge.Refunds.Data[0]
	if refund.ID == "" {
		return nil, domain.ErrInvalidEvent
	}

	amount := refund.Amount
	if amount == 0 {
		amount = charge.AmountRefunded
	}

	externalPaymentID := charge.PaymentIntent
	if externalPaymentID == "" {
		externalPaymentID = charge.ID
	}

	return &domain.ProviderEvent{
		Provider:          ProviderName,
		EventID:           event.ID,
		Type:              domain.EventTypeRefundSucceeded,
		UserID:            charge.Metadata["user_id"],
		Amount:            amount,
		Currency:          strings.ToUpper(charge.Currency),
		ExternalPaymentID: externalPaymentID,
		ExternalRefundID:  refund.ID,
		Reason:            refund.Reason,
		OccurredAt:        timestamp(refund.Created, event.Created),
	}, nil
}

func parseDispute(event stripeEvent) (*domain.ProviderEvent, error) {
	var dispute stripeDispute
	if err := json.Unmarshal(event.Data.Object, &dispute); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	if dispute.ID == "" {
		return nil, domain.ErrInvalidEvent
	}

	externalPaymentID := dispute.PaymentIntent
	if externalPaymentID == "" {
		externalPaymentID = dispute.Charge
	}

	return &domain.ProviderEvent{
		Provider:          ProviderName,
		EventID:           event.ID,
		Type:              domain.EventTypeDisputeCreated,
		Amount:            dispute.Amount,
		Currency:          strings.ToUpper(dispute.Currency),
		ExternalPaymentID: externalPaymentID,
		Reason:            dispute.Reason,
		OccurredAt:        timestamp(dispute.Created, event.Created),
	}, nil
}

func parsePayout(event stripeEvent) (*domain.ProviderEvent, error) {
	var payout stripePayout
	if err := json.Unmarshal(event.Data.Object, &payout); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	if payout.ID == "" {
		return nil, domain.ErrInvalidEvent
	}

	return &domain.ProviderEvent{
		Provider:         ProviderName,
		EventID:          event.ID,
		Type:             domain.EventTypePayoutPaid,
		Amount:           payout.Amount,
		Currency:         strings.ToUpper(payout.Currency),
		ExternalPayoutID: payout.ID,
		OccurredAt:       timestamp(payout.ArrivalDate, event.Created),
	}, nil
}

// parseStripeSignature splits the Stripe-Signature header into its
// timestamp and v1 signatures.
func parseStripeSignature(header string) (string, []string, error) {
	var ts string
	var sigs []string
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			ts = kv[1]
		case "v1":
			sigs = append(sigs, kv[1])
		}
	}
	if ts == "" {
		return "", nil, fmt.Errorf("stripe: signature timestamp missing")
	}
	return ts, sigs, nil
}

func timestamp(primary, fallback int64) time.Time {
	if primary > 0 {
		return time.Unix(primary, 0).UTC()
	}
	if fallback > 0 {
		return time.Unix(fallback, 0).UTC()
	}
	return time.Now().UTC()
}
