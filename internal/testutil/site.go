// Package testutil provides an in-process fake of the game site for tests.
package testutil

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/coachpo/mwclient/internal/config"
	"github.com/coachpo/mwclient/internal/request"
	"github.com/coachpo/mwclient/internal/session"
)

// SearchSymbol is one autocomplete result.
type SearchSymbol struct {
	Ticker         string `json:"ticker"`
	ChartingSymbol string `json:"chartingSymbol"`
	Company        string `json:"company"`
}

// Quote is the quoteByDialect answer for one charting symbol.
type Quote struct {
	RequestID string
	FUID      string
	Name      string
}

// TradeResult is the transaction endpoint answer.
type TradeResult struct {
	Succeeded bool   `json:"succeeded"`
	Message   string `json:"message"`
}

// Recorded captures one request received by the fake.
type Recorded struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   string
}

// StreamHandler drives the server side of an accepted price stream.
type StreamHandler func(ctx context.Context, conn *websocket.Conn, r *http.Request)

// Site fakes every endpoint the client talks to on one httptest server.
type Site struct {
	Server *httptest.Server

	mu                sync.Mutex
	Username          string
	Password          string
	ClientID          string
	GamesHTML         string
	Symbols           []SearchSymbol
	Quotes            map[string]Quote
	Miniquotes        map[string]string
	NegotiateBody     string
	TradeResult       TradeResult
	Stream            StreamHandler
	OmitSessionCookie bool

	requests []Recorded
}

// NewSite starts a fake site with working defaults for user "trader"/"secret".
func NewSite(t *testing.T) *Site {
	t.Helper()
	s := &Site{
		Username:      "trader",
		Password:      "secret",
		ClientID:      "client-123",
		GamesHTML:     DefaultGamesHTML,
		Symbols:       []SearchSymbol{{Ticker: "AAPL", ChartingSymbol: "STOCK/US/XNAS/AAPL", Company: "Apple Inc."}},
		Quotes:        map[string]Quote{"STOCK/US/XNAS/AAPL": {RequestID: "STOCK/US/XNAS/AAPL", FUID: "STOCK-XNAS-AAPL", Name: "Apple Inc."}},
		Miniquotes:    map[string]string{"STOCK/US/XNAS/AAPL": MiniquoteHTML("AAPL", "quote:AAPL,trade:AAPL", "quote:AAPL")},
		NegotiateBody: `{"Url":"/bg2/signalr","ConnectionToken":"tok+en/1=","ConnectionId":"c1","ProtocolVersion":"1.5"}`,
		TradeResult:   TradeResult{Succeeded: true, Message: ""},
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Server.Close)
	return s
}

// DefaultGamesHTML lists two games; each game appears twice like the real page.
const DefaultGamesHTML = `<html><body>
<a href="https://www.marketwatch.com/games/mw-api-test"><img alt="logo"/></a>
<a href="https://www.marketwatch.com/games/spring-cup"><img alt="logo"/></a>
<a href="https://www.marketwatch.com/tools">Tools</a>
<a name="anchor-without-href">x</a>
<a href="https://www.marketwatch.com/games/mw-api-test">mw-api-test</a>
<a href="https://www.marketwatch.com/games/spring-cup">Spring Cup</a>
</body></html>`

// MiniquoteHTML renders a miniquote fragment with one bg-quote element per channel attribute.
func MiniquoteHTML(ticker string, channels ...string) string {
	var b strings.Builder
	b.WriteString(`<div class="miniquote"><h3>` + ticker + `</h3>`)
	for _, ch := range channels {
		fmt.Fprintf(&b, `<bg-quote class="value" field="Last" channel="%s">1.00</bg-quote>`, ch)
	}
	b.WriteString(`</div>`)
	return b.String()
}

// Templates returns the embedded request table re-pointed at the fake.
func (s *Site) Templates(t *testing.T) config.Templates {
	t.Helper()
	defaults, err := config.DefaultTemplates()
	if err != nil {
		t.Fatalf("default templates: %v", err)
	}
	base, err := url.Parse(s.Server.URL)
	if err != nil {
		t.Fatalf("parse server url: %v", err)
	}
	out := make(map[string]config.RequestTemplate)
	for _, name := range defaults.Names() {
		tmpl, _ := defaults.Get(name)
		tmpl.URL = rebase(tmpl.URL, base)
		out[name] = tmpl
	}
	return config.NewTemplates(out)
}

// Sender returns a sender bound to the fake with rate limiting effectively off.
func (s *Site) Sender(t *testing.T) *request.Sender {
	t.Helper()
	return request.NewSender(s.Templates(t), request.Options{
		Timeout:           5 * time.Second,
		RequestsPerSecond: 1000,
		Burst:             10,
	})
}

// Login authenticates the default user against the fake.
func (s *Site) Login(t *testing.T) *session.Authenticated {
	t.Helper()
	auth, err := session.Login(context.Background(), s.Sender(t), session.Credentials{Username: s.Username, Password: s.Password})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	return auth
}

// Requests returns the requests received so far.
func (s *Site) Requests() []Recorded {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Recorded(nil), s.requests...)
}

// RequestsTo returns the recorded requests whose path has the given suffix.
func (s *Site) RequestsTo(suffix string) []Recorded {
	var out []Recorded
	for _, r := range s.Requests() {
		if strings.HasSuffix(r.Path, suffix) {
			out = append(out, r)
		}
	}
	return out
}

// Set mutates the fake under its lock.
func (s *Site) Set(fn func(s *Site)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

func rebase(raw string, base *url.URL) string {
	// Keep {placeholders} intact: only swap scheme and host.
	idx := strings.Index(raw, "://")
	if idx < 0 {
		return raw
	}
	rest := raw[idx+3:]
	slash := strings.IndexAny(rest, "/?")
	path := ""
	if slash >= 0 {
		path = rest[slash:]
	}
	scheme := base.Scheme
	if strings.HasPrefix(raw, "wss://") || strings.HasPrefix(raw, "ws://") {
		scheme = "ws"
	}
	return scheme + "://" + base.Host + path
}

func (s *Site) record(r *http.Request) string {
	body, _ := io.ReadAll(r.Body)
	s.mu.Lock()
	s.requests = append(s.requests, Recorded{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.Query(),
		Header: r.Header.Clone(),
		Body:   string(body),
	})
	s.mu.Unlock()
	return string(body)
}

func (s *Site) serve(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	if path == "/bg2/signalr/connect" {
		s.record(r)
		s.serveStream(w, r)
		return
	}
	body := s.record(r)

	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case path == "/login":
		http.SetCookie(w, &http.Cookie{Name: "_csrf", Value: "csrf-token", Path: "/"})
		payload, _ := json.Marshal(map[string]any{
			"clientID":        s.ClientID,
			"internalOptions": map[string]any{"state": "st-1", "nonce": "n-1", "response_type": "code"},
		})
		enc := base64.StdEncoding.EncodeToString(payload)
		fmt.Fprintf(w, `<html><script>var config = JSON.parse(decodeURIComponent(escape(Base64.decode('%s'))));</script></html>`, enc)

	case path == "/usernamepassword/login":
		var req map[string]any
		_ = json.Unmarshal([]byte(body), &req)
		if req["username"] != s.Username || req["password"] != s.Password || r.Header.Get("x-remote-user") != s.Username {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"name":"ValidationError","description":"Wrong email or password."}`))
			return
		}
		fmt.Fprintf(w, `<form method="post" action="/postauth/handler"><input type="hidden" name="token" value="jwt-%s"/><input type="hidden" name="params" value="%s"/></form>`,
			req["client_id"], req["_csrf"])

	case path == "/postauth/handler":
		values, _ := url.ParseQuery(body)
		if values.Get("token") == "" || values.Get("params") == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if !s.OmitSessionCookie {
			http.SetCookie(w, &http.Cookie{Name: "djcs_session", Value: "session-1", Path: "/"})
		}
		_, _ = w.Write([]byte("ok"))

	case path == "/games":
		_, _ = w.Write([]byte(s.GamesHTML))

	case path == "/autocomplete/data":
		_ = json.NewEncoder(w).Encode(map[string]any{"symbols": s.Symbols})

	case path == "/api/dylan/quotes/v2/comp/quoteByDialect":
		id := r.URL.Query().Get("id")
		q, ok := s.Quotes[id]
		if !ok {
			_ = json.NewEncoder(w).Encode(map[string]any{"InstrumentResponses": []any{}})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"InstrumentResponses": []any{map[string]any{
				"RequestId": q.RequestID,
				"Matches": []any{map[string]any{
					"Instrument": map[string]any{
						"CommonName": q.Name,
						"Debug":      []string{"a", "b", "c", "https://api.wsj.net/fuid/" + q.FUID},
					},
				}},
			}},
		})

	case strings.HasSuffix(path, "/trade/submitorder"):
		_ = json.NewEncoder(w).Encode(s.TradeResult)

	case path == "/bg2/signalr/negotiate":
		_, _ = w.Write([]byte(s.NegotiateBody))

	case strings.HasSuffix(path, "/miniquote"):
		html, ok := s.Miniquotes[r.URL.Query().Get("chartingSymbol")]
		if !ok {
			html = `<div class="miniquote"></div>`
		}
		_, _ = w.Write([]byte(html))

	default:
		http.NotFound(w, r)
	}
}

func (s *Site) serveStream(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	handler := s.Stream
	s.mu.Unlock()
	if handler == nil {
		http.Error(w, "no stream handler", http.StatusServiceUnavailable)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer func() {
		_ = conn.CloseNow()
	}()
	handler(r.Context(), conn, r)
}
