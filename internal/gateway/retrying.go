package gateway

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"quant-trading-engine/internal/retry"
)

// Retrying wraps a trading and market-data gateway with the shared retry
// policy. Submissions are retried with the same client order id so the
// broker can recognise a duplicate.
type Retrying struct {
	trading TradingGateway
	market  MarketDataGateway
	policy  retry.Policy
	logger  zerolog.Logger
}

// NewRetrying builds the wrapper. Not-found and rejected errors are never retried.
func NewRetrying(trading TradingGateway, market MarketDataGateway, policy retry.Policy, logger zerolog.Logger) *Retrying {
	if policy.Retryable == nil {
		policy.Retryable = Transient
	}
	return &Retrying{
		trading: trading,
		market:  market,
		policy:  policy,
		logger:  logger.With().Str("component", "gateway").Logger(),
	}
}

// Transient reports whether err is worth retrying
func Transient(err error) bool {
	return !errors.Is(err, ErrOrderNotFound) &&
		!errors.Is(err, ErrRejected) &&
		!errors.Is(err, ErrNoPrice)
}

func (r *Retrying) SubmitOrder(ctx context.Context, req OrderRequest) (*OrderAck, error) {
	ack, err := retry.DoValue(ctx, r.policy, func(ctx context.Context) (*OrderAck, error) {
		return r.trading.SubmitOrder(ctx, req)
	})
	if err != nil {
		r.logger.Warn().Err(err).
			Str("instrument", req.Instrument).
			Str("client_order_id", req.ClientOrderID).
			Msg("Order submission failed")
	}
	return ack, err
}

func (r *Retrying) CancelOrder(ctx context.Context, orderID string) error {
	return retry.Do(ctx, r.policy, func(ctx context.Context) error {
		return r.trading.CancelOrder(ctx, orderID)
	})
}

func (r *Retrying) ReplaceOrder(ctx context.Context, orderID string, req OrderRequest) error {
	return retry.Do(ctx, r.policy, func(ctx context.Context) error {
		return r.trading.ReplaceOrder(ctx, orderID, req)
	})
}

func (r *Retrying) TodayOrders(ctx context.Context) ([]BrokerOrder, error) {
	return retry.DoValue(ctx, r.policy, r.trading.TodayOrders)
}

func (r *Retrying) Positions(ctx context.Context) ([]Position, error) {
	return retry.DoValue(ctx, r.policy, r.trading.Positions)
}

func (r *Retrying) OrderDetail(ctx context.Context, orderID string) (*OrderDetail, error) {
	return retry.DoValue(ctx, r.policy, func(ctx context.Context) (*OrderDetail, error) {
		return r.trading.OrderDetail(ctx, orderID)
	})
}

func (r *Retrying) Quote(ctx context.Context, instrument string) (*Quote, error) {
	return retry.DoValue(ctx, r.policy, func(ctx context.Context) (*Quote, error) {
		return r.market.Quote(ctx, instrument)
	})
}

func (r *Retrying) Regime(ctx context.Context, instrument string) (*Regime, error) {
	return retry.DoValue(ctx, r.policy, func(ctx context.Context) (*Regime, error) {
		return r.market.Regime(ctx, instrument)
	})
}
