// Package client ties login, game selection, quotes, trades and price
// streaming together behind one logged-in handle.
package client

import (
	"context"
	"iter"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	conciter "github.com/sourcegraph/conc/iter"

	"github.com/coachpo/mwclient/errs"
	"github.com/coachpo/mwclient/internal/config"
	"github.com/coachpo/mwclient/internal/games"
	"github.com/coachpo/mwclient/internal/instrument"
	"github.com/coachpo/mwclient/internal/observability"
	"github.com/coachpo/mwclient/internal/request"
	"github.com/coachpo/mwclient/internal/session"
	"github.com/coachpo/mwclient/internal/stream"
	"github.com/coachpo/mwclient/internal/trade"
)

// Options configures Login.
type Options struct {
	Templates       config.Templates
	HTTP            request.Options
	OrdersPerSecond float64
	Verbose         bool
	// Dialer opens price streams; nil uses stream.WebsocketDialer.
	Dialer stream.Dialer
}

// OptionsFromConfig maps the app config onto client options.
func OptionsFromConfig(cfg config.AppConfig) Options {
	return Options{
		Templates:       cfg.Templates(),
		HTTP:            request.OptionsFromConfig(cfg.HTTP),
		OrdersPerSecond: cfg.Trade.OrdersPerSecond,
		Verbose:         cfg.Verbose,
	}
}

// Client is a logged-in site session with its joined games.
type Client struct {
	auth      *session.Authenticated
	submitter *trade.Submitter
	dialer    stream.Dialer
	verbose   bool

	mu    sync.RWMutex
	games []games.Game
}

// Login authenticates creds and loads the joined games.
func Login(ctx context.Context, creds session.Credentials, opts Options) (*Client, error) {
	sender := request.NewSender(opts.Templates, opts.HTTP)
	auth, err := session.Login(ctx, sender, creds)
	if err != nil {
		return nil, err
	}
	return newClient(ctx, auth, opts)
}

// FromSession builds a Client on an existing authenticated session.
func FromSession(ctx context.Context, auth *session.Authenticated, opts Options) (*Client, error) {
	if auth == nil {
		return nil, errs.New("client.session", errs.CodeAuth, errs.WithMessage("session required"))
	}
	return newClient(ctx, auth, opts)
}

func newClient(ctx context.Context, auth *session.Authenticated, opts Options) (*Client, error) {
	dialer := opts.Dialer
	if dialer == nil {
		dialer = stream.WebsocketDialer{}
	}
	c := &Client{
		auth:      auth,
		submitter: trade.NewSubmitter(auth, opts.OrdersPerSecond),
		dialer:    dialer,
		verbose:   opts.Verbose,
	}
	if _, err := c.RefreshGames(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Session returns the authenticated session.
func (c *Client) Session() *session.Authenticated {
	return c.auth
}

// Games returns the joined games loaded at login or by the last refresh.
func (c *Client) Games() []games.Game {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]games.Game(nil), c.games...)
}

// RefreshGames reloads the joined games.
func (c *Client) RefreshGames(ctx context.Context) ([]games.Game, error) {
	list, err := games.List(ctx, c.auth)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.games = list
	c.mu.Unlock()
	if len(list) == 0 {
		observability.Log().Info("no games found")
	}
	return append([]games.Game(nil), list...), nil
}

// Game scopes operations to the game called name. Unknown names fall back to
// the first joined game; no joined games is errs.CodeGameRequired.
func (c *Client) Game(name string) (*GameScope, error) {
	g, err := games.Select(c.Games(), name)
	if err != nil {
		return nil, err
	}
	return &GameScope{client: c, game: g}, nil
}

// GameScope runs game dependent operations against one game.
type GameScope struct {
	client *Client
	game   games.Game
}

// Game returns the scoped game.
func (g *GameScope) Game() games.Game {
	return g.game
}

// Quote resolves ticker to its instrument identifiers.
func (g *GameScope) Quote(ctx context.Context, ticker string) (instrument.Instrument, error) {
	return instrument.Resolve(ctx, g.client.auth, g.game, ticker)
}

// Transact places an order of typ for shares of ticker.
func (g *GameScope) Transact(ctx context.Context, ticker string, typ trade.Type, shares decimal.Decimal) (trade.Result, error) {
	inst, err := g.Quote(ctx, ticker)
	if err != nil {
		return trade.Result{}, err
	}
	return g.client.submitter.Submit(ctx, g.game, trade.MarketOrder(inst, typ, shares))
}

// Buy places a buy order.
func (g *GameScope) Buy(ctx context.Context, ticker string, shares decimal.Decimal) (trade.Result, error) {
	return g.Transact(ctx, ticker, trade.TypeBuy, shares)
}

// OpenStream negotiates a connection token, resolves the channels of every
// ticker and opens one price stream carrying all of them.
func (g *GameScope) OpenStream(ctx context.Context, tickers []string, opts ...stream.Option) (*stream.Stream, error) {
	tickers = normaliseTickers(tickers)
	if len(tickers) == 0 {
		return nil, errs.New("client.stream", errs.CodeInvalid, errs.WithMessage("at least one ticker required"))
	}
	token, err := stream.Negotiate(ctx, g.client.auth)
	if err != nil {
		return nil, err
	}
	insts, err := conciter.MapErr(tickers, func(ticker *string) (instrument.Instrument, error) {
		return g.Quote(ctx, *ticker)
	})
	if err != nil {
		return nil, err
	}
	requestIDs := make([]string, 0, len(insts))
	for _, inst := range insts {
		requestIDs = append(requestIDs, inst.RequestID)
	}
	channels, err := stream.ResolveChannels(ctx, g.client.auth, g.game, requestIDs)
	if err != nil {
		return nil, err
	}
	url, err := stream.StreamURL(g.client.auth.Sender().Templates(), token)
	if err != nil {
		return nil, err
	}
	opts = append([]stream.Option{stream.WithVerbose(g.client.verbose)}, opts...)
	return stream.Open(ctx, g.client.dialer, url, channels, opts...)
}

// StreamPrices is the lazy form of OpenStream: nothing is requested until the
// first event is pulled, and stopping the range closes the connection.
func (g *GameScope) StreamPrices(ctx context.Context, tickers []string, opts ...stream.Option) iter.Seq2[stream.PriceEvent, error] {
	return func(yield func(stream.PriceEvent, error) bool) {
		s, err := g.OpenStream(ctx, tickers, opts...)
		if err != nil {
			if ctx.Err() == nil {
				yield(stream.PriceEvent{}, err)
			}
			return
		}
		for ev, err := range s.Events(ctx) {
			if !yield(ev, err) {
				return
			}
		}
	}
}

func normaliseTickers(tickers []string) []string {
	seen := make(map[string]struct{}, len(tickers))
	out := make([]string, 0, len(tickers))
	for _, t := range tickers {
		t = strings.ToUpper(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
