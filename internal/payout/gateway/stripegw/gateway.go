package stripegw

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/memberware/treasury/internal/config"
	obstracing "github.com/memberware/treasury/internal/observability/tracing"
	domain "github.com/memberware/treasury/internal/payout/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	requestTimeout   = 12 * time.Second
	maxResponseBytes = 1 << 20
	defaultPageSize  = 100
)

type Params struct {
	fx.In

	Log *zap.Logger
	Cfg config.Config
}

// Gateway reads payouts and balance transactions from the processor API.
type Gateway struct {
	log      *zap.Logger
	client   *http.Client
	baseURL  string
	apiKey   string
	pageSize int
}

func NewGateway(p Params) domain.Gateway {
	pageSize := p.Cfg.Processor.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	return &Gateway{
		log: p.Log.Named("payout.gateway"),
		client: obstracing.WrapHTTPClient(&http.Client{
			Timeout: requestTimeout,
		}, "processor"),
		baseURL:  strings.TrimRight(p.Cfg.Processor.BaseURL, "/"),
		apiKey:   p.Cfg.Processor.APIKey,
		pageSize: pageSize,
	}
}

func (g *Gateway) FetchPayout(ctx context.Context, externalPayoutID string) (*domain.PayoutDetail, error) {
	var out stripePayout
	err := g.get(ctx, "/v1/payouts/"+url.PathEscape(externalPayoutID), nil, &out)
	if err != nil {
		return nil, err
	}

	detail := &domain.PayoutDetail{
		ExternalPayoutID: out.ID,
		Amount:           out.Amount,
		Currency:         strings.ToUpper(out.Currency),
		Status:           out.Status,
	}
	if out.ArrivalDate > 0 {
		arrival := time.Unix(out.ArrivalDate, 0).UTC()
		detail.ArrivalDate = &arrival
	}
	return detail, nil
}

func (g *Gateway) ListBalanceMovements(ctx context.Context, externalPayoutID string, startingAfter string, limit int) (*domain.MovementPage, error) {
	if limit <= 0 || limit > g.pageSize {
		limit = g.pageSize
	}

	query := url.Values{}
	query.Set("payout", externalPayoutID)
	query.Set("limit", strconv.Itoa(limit))
	query.Add("expand[]", "data.source")
	if startingAfter != "" {
		query.Set("starting_after", startingAfter)
	}

	var out stripeBalanceTransactionList
	if err := g.get(ctx, "/v1/balance_transactions", query, &out); err != nil {
		return nil, err
	}

	page := &domain.MovementPage{
		Movements: make([]domain.BalanceMovement, 0, len(out.Data)),
		HasMore:   out.HasMore,
	}
	for _, txn := range out.Data {
		if movement, ok := mapMovement(txn); ok {
			page.Movements = append(page.Movements, movement)
		}
	}
	// The cursor walks the raw transaction list, skipped rows included.
	if len(out.Data) > 0 {
		page.NextStartAfter = out.Data[len(out.Data)-1].ID
	}
	return page, nil
}

func (g *Gateway) get(ctx context.Context, path string, query url.Values, out any) error {
	endpoint := g.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+g.apiKey)

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("processor: %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("processor: read %s: %w", path, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return domain.ErrPayoutNotFound
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		g.log.Warn("payout.gateway.request_failed",
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
		)
		return fmt.Errorf("processor: %s returned %d", path, resp.StatusCode)
	}
	return json.Unmarshal(body, out)
}

type stripePayout struct {
	ID          string `json:"id"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	Status      string `json:"status"`
	ArrivalDate int64  `json:"arrival_date"`
}

type stripeBalanceTransactionList struct {
	Data    []stripeBalanceTransaction `json:"data"`
	HasMore bool                       `json:"has_more"`
}

type stripeBalanceTransaction struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Amount      int64           `json:"amount"`
	Fee         int64           `json:"fee"`
	Currency    string          `json:"currency"`
	Description string          `json:"description"`
	Created     int64           `json:"created"`
	Source      stripeSourceRef `json:"source"`
}

// stripeSourceRef accepts both the compact string form and the expanded
// object form of a balance transaction source.
type stripeSourceRef struct {
	ID            string
	PaymentIntent string
}

func (s *stripeSourceRef) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if data[0] == '"' {
		return json.Unmarshal(data, &s.ID)
	}
	var obj struct {
		ID            string `json:"id"`
		PaymentIntent string `json:"payment_intent"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	s.ID = obj.ID
	s.PaymentIntent = obj.PaymentIntent
	return nil
}

// mapMovement converts one balance transaction into a movement. The
// payout's own transaction is skipped; it is the total, not a line.
func mapMovement(txn stripeBalanceTransaction) (domain.BalanceMovement, bool) {
	var kind domain.MovementKind
	switch txn.Type {
	case "payout":
		return domain.BalanceMovement{}, false
	case "charge", "payment":
		kind = domain.MovementKindPayment
	case "refund", "payment_refund":
		kind = domain.MovementKindRefund
	case "stripe_fee", "fee":
		kind = domain.MovementKindFee
	default:
		kind = domain.MovementKindAdjustment
	}

	fee := txn.Fee
	if kind == domain.MovementKindFee && fee == 0 {
		// Fee lines carry the deduction as a negative amount.
		fee = txn.Amount
		if fee < 0 {
			fee = -fee
		}
	}

	reference := txn.Source.PaymentIntent
	if reference == "" {
		reference = txn.Source.ID
	}

	return domain.BalanceMovement{
		ID:          txn.ID,
		Kind:        kind,
		Amount:      txn.Amount,
		Fee:         fee,
		Currency:    strings.ToUpper(txn.Currency),
		Reference:   reference,
		Description: txn.Description,
		OccurredAt:  time.Unix(txn.Created, 0).UTC(),
	}, true
}
