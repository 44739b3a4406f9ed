// Package instrument resolves tickers to the identifiers the quote, trade and
// stream endpoints expect.
package instrument

import (
	"context"
	"fmt"
	"strings"

	"github.com/coachpo/mwclient/errs"
	"github.com/coachpo/mwclient/internal/config"
	"github.com/coachpo/mwclient/internal/games"
	"github.com/coachpo/mwclient/internal/request"
	"github.com/coachpo/mwclient/internal/session"
)

const (
	fuidMarker = "fuid/"
	debugFUID  = 3
)

// Instrument identifies one tradable symbol.
type Instrument struct {
	Ticker         string
	ChartingSymbol string
	// RequestID is the charting symbol echoed by the quote service; the
	// miniquote endpoint is keyed by it.
	RequestID string
	// FUID is the site's internal id used by the trade endpoint.
	FUID string
	Name string
}

type searchResponse struct {
	Symbols []struct {
		Ticker         string `json:"ticker"`
		ChartingSymbol string `json:"chartingSymbol"`
		Company        string `json:"company"`
	} `json:"symbols"`
}

type quoteResponse struct {
	InstrumentResponses []struct {
		RequestID string `json:"RequestId"`
		Matches   []struct {
			Instrument struct {
				CommonName string   `json:"CommonName"`
				Debug      []string `json:"Debug"`
			} `json:"Instrument"`
		} `json:"Matches"`
	} `json:"InstrumentResponses"`
}

// Resolve searches for ticker and looks up its quote identifiers.
func Resolve(ctx context.Context, auth *session.Authenticated, game games.Game, ticker string) (Instrument, error) {
	const op = "instrument.resolve"
	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	if ticker == "" {
		return Instrument{}, errs.New(op, errs.CodeInvalid, errs.WithMessage("ticker required"))
	}

	resp, err := auth.Do(ctx, config.RequestSearch,
		request.WithReferer(game.Referer()),
		request.WithQuery("q", ticker))
	if err != nil {
		return Instrument{}, err
	}
	var search searchResponse
	if err := resp.DecodeJSON(&search); err != nil {
		return Instrument{}, errs.Protocol(op, "search response is not JSON", errs.WithCause(err))
	}

	inst := Instrument{Ticker: ticker}
	found := false
	for _, sym := range search.Symbols {
		if sym.Ticker == ticker {
			inst.ChartingSymbol = sym.ChartingSymbol
			inst.Name = sym.Company
			found = true
			break
		}
	}
	if !found {
		opts := []errs.Option{errs.WithMessage(fmt.Sprintf("ticker %s not found", ticker))}
		if len(search.Symbols) > 0 {
			opts = append(opts, errs.WithSuggestion(fmt.Sprintf("Did you mean '%s'?", search.Symbols[0].Ticker)))
		}
		return Instrument{}, errs.New(op, errs.CodeNotFound, opts...)
	}

	resp, err = auth.Do(ctx, config.RequestQuoteByDialect,
		request.WithReferer(game.Referer()),
		request.WithQuery("id", inst.ChartingSymbol))
	if err != nil {
		return Instrument{}, err
	}
	var quote quoteResponse
	if err := resp.DecodeJSON(&quote); err != nil {
		return Instrument{}, errs.Protocol(op, "quote response is not JSON", errs.WithCause(err))
	}
	if err := fillQuote(&inst, quote); err != nil {
		return Instrument{}, err
	}
	return inst, nil
}

func fillQuote(inst *Instrument, quote quoteResponse) error {
	const op = "instrument.quote"
	if len(quote.InstrumentResponses) == 0 {
		return errs.Protocol(op, "quote has no instrument responses", errs.WithField("ticker", inst.Ticker))
	}
	first := quote.InstrumentResponses[0]
	if first.RequestID == "" {
		return errs.Protocol(op, "quote missing RequestId", errs.WithField("ticker", inst.Ticker))
	}
	inst.RequestID = first.RequestID
	if len(first.Matches) == 0 {
		return errs.Protocol(op, "quote has no matches", errs.WithField("ticker", inst.Ticker))
	}
	match := first.Matches[0].Instrument
	if match.CommonName != "" {
		inst.Name = match.CommonName
	}
	if len(match.Debug) <= debugFUID {
		return errs.Protocol(op, "quote debug info too short", errs.WithField("ticker", inst.Ticker))
	}
	_, fuid, ok := strings.Cut(match.Debug[debugFUID], fuidMarker)
	if !ok || fuid == "" {
		return errs.Protocol(op, "quote debug info has no fuid",
			errs.WithField("ticker", inst.Ticker), errs.WithRawMessage(match.Debug[debugFUID]))
	}
	inst.FUID = fuid
	return nil
}
