// Package trade submits orders to a game.
package trade

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/coachpo/mwclient/errs"
	"github.com/coachpo/mwclient/internal/config"
	"github.com/coachpo/mwclient/internal/games"
	"github.com/coachpo/mwclient/internal/instrument"
	"github.com/coachpo/mwclient/internal/observability"
	"github.com/coachpo/mwclient/internal/request"
	"github.com/coachpo/mwclient/internal/session"
)

// Type is the order side understood by the site.
type Type string

const (
	TypeBuy   Type = "Buy"
	TypeSell  Type = "Sell"
	TypeShort Type = "Short"
	TypeCover Type = "Cover"
)

// DefaultTerm keeps the order open until cancelled.
const DefaultTerm = "Cancelled"

// ParseType matches s case-insensitively against the known order types.
func ParseType(s string) (Type, error) {
	for _, t := range []Type{TypeBuy, TypeSell, TypeShort, TypeCover} {
		if strings.EqualFold(strings.TrimSpace(s), string(t)) {
			return t, nil
		}
	}
	return "", errs.New("trade.type", errs.CodeInvalid, errs.WithMessage(fmt.Sprintf("unknown order type %q", s)))
}

// Order is one transaction request.
type Order struct {
	FUID   string
	Shares decimal.Decimal
	Type   Type
	Term   string
}

// MarketOrder builds an order for inst with the default term.
func MarketOrder(inst instrument.Instrument, typ Type, shares decimal.Decimal) Order {
	return Order{FUID: inst.FUID, Shares: shares, Type: typ, Term: DefaultTerm}
}

// Validate checks the order before it is sent.
func (o Order) Validate() error {
	const op = "trade.validate"
	if strings.TrimSpace(o.FUID) == "" {
		return errs.New(op, errs.CodeInvalid, errs.WithMessage("fuid required"))
	}
	if !o.Shares.IsPositive() {
		return errs.New(op, errs.CodeInvalid, errs.WithMessage("shares must be positive"))
	}
	if !o.Shares.Equal(o.Shares.Truncate(0)) {
		return errs.New(op, errs.CodeInvalid, errs.WithMessage("shares must be a whole number"),
			errs.WithField("shares", o.Shares.String()))
	}
	if _, err := ParseType(string(o.Type)); err != nil {
		return err
	}
	return nil
}

func (o Order) payload() map[string]any {
	term := o.Term
	if term == "" {
		term = DefaultTerm
	}
	return map[string]any{
		"Fuid":   o.FUID,
		"Shares": o.Shares.String(),
		"Type":   string(o.Type),
		"Term":   term,
	}
}

// Result is the site's answer to a transaction.
type Result struct {
	Succeeded bool   `json:"succeeded"`
	Message   string `json:"message"`
}

// Submitter sends orders for one session, throttled to a fixed order rate.
type Submitter struct {
	auth    *session.Authenticated
	limiter *rate.Limiter
}

// NewSubmitter creates a Submitter allowing ordersPerSecond orders. Non-positive
// values disable throttling.
func NewSubmitter(auth *session.Authenticated, ordersPerSecond float64) *Submitter {
	limit := rate.Inf
	if ordersPerSecond > 0 {
		limit = rate.Limit(ordersPerSecond)
	}
	return &Submitter{auth: auth, limiter: rate.NewLimiter(limit, 1)}
}

// Submit places order in game. A response with succeeded=false is returned as
// errs.CodeTransaction carrying the site message.
func (s *Submitter) Submit(ctx context.Context, game games.Game, order Order) (Result, error) {
	const op = "trade.submit"
	if err := order.Validate(); err != nil {
		return Result{}, err
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return Result{}, fmt.Errorf("order throttle: %w", err)
	}

	resp, err := s.auth.Do(ctx, config.RequestTransaction,
		request.WithURLField("game_name", game.Slug),
		request.WithReferer(game.Referer()),
		request.WithPayload(order.payload()))
	if err != nil {
		return Result{}, err
	}
	var result Result
	if err := resp.DecodeJSON(&result); err != nil {
		return Result{}, errs.Protocol(op, "transaction response is not JSON",
			errs.WithCause(err), errs.WithRawMessage(resp.Text()))
	}
	if !result.Succeeded {
		return result, errs.New(op, errs.CodeTransaction,
			errs.WithMessage(fmt.Sprintf("transaction failed with message '%s'", result.Message)),
			errs.WithRawMessage(result.Message),
			errs.WithField("fuid", order.FUID),
			errs.WithField("type", string(order.Type)))
	}
	observability.Log().Info("order accepted",
		observability.F("game", game.Slug),
		observability.F("fuid", order.FUID),
		observability.F("type", string(order.Type)),
		observability.F("shares", order.Shares.String()))
	return result, nil
}
