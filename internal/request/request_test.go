package request

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/mwclient/errs"
	"github.com/coachpo/mwclient/internal/config"
)

func TestJarReplaysAllCookiesInOrder(t *testing.T) {
	jar := NewJar()
	a, _ := url.Parse("https://accounts.marketwatch.com/login")
	b, _ := url.Parse("https://sso.accounts.dowjones.com/login")

	jar.SetCookies(a, []*http.Cookie{{Name: "_csrf", Value: "tok"}})
	jar.SetCookies(b, []*http.Cookie{{Name: "djcs_route", Value: "r1"}, {Name: "_csrf", Value: "tok2"}})

	require.Equal(t, "_csrf=tok2; djcs_route=r1", jar.Header())
	other, _ := url.Parse("https://mwstream.wsj.net/")
	require.Len(t, jar.Cookies(other), 2)

	v, ok := jar.Get("_csrf")
	require.True(t, ok)
	require.Equal(t, "tok2", v)

	jar.SetCookies(a, []*http.Cookie{{Name: "_csrf", MaxAge: -1}})
	require.False(t, jar.Has("_csrf"))
	require.Equal(t, []string{"djcs_route"}, jar.Names())
}

func TestPrepareRequiresFields(t *testing.T) {
	tmpl := config.RequestTemplate{
		URL:             "https://example.com/games/{game_name}/trade",
		Method:          http.MethodPost,
		RequiredHeaders: []string{"Referer"},
		RequiredPayload: []string{"Fuid"},
		RequiredQuery:   []string{"q"},
	}

	_, err := Prepare("transaction", tmpl)
	require.True(t, errs.Is(err, errs.CodeInvalid))
	require.Contains(t, err.Error(), "Headers Referer is required")

	_, err = Prepare("transaction", tmpl, WithReferer("r"))
	require.Contains(t, err.Error(), "Payload Fuid is required")

	_, err = Prepare("transaction", tmpl, WithReferer("r"), WithPayload(map[string]any{"Fuid": "x"}))
	require.Contains(t, err.Error(), "Query q is required")

	_, err = Prepare("transaction", tmpl, WithReferer("r"), WithPayload(map[string]any{"Fuid": "x"}), WithQuery("q", "1"))
	require.Contains(t, err.Error(), "URL field game_name is required")

	p, err := Prepare("transaction", tmpl,
		WithReferer("r"),
		WithPayload(map[string]any{"Fuid": "x", "Extra": 1}),
		WithQuery("q", "a b"),
		WithURLField("game_name", "my game"),
	)
	require.NoError(t, err)
	require.Equal(t, "https://example.com/games/my%20game/trade?q=a+b", p.URL)
	require.Equal(t, "r", p.Headers["referer"])
	require.Equal(t, 1, p.Payload["Extra"])
	require.False(t, p.Retryable)
}

func TestPreparedBodyModes(t *testing.T) {
	base := config.RequestTemplate{URL: "https://example.com", Method: http.MethodPost}

	p, err := Prepare("plain", base, WithPayload(map[string]any{"a": "1"}))
	require.NoError(t, err)
	body, err := p.Body()
	require.NoError(t, err)
	require.JSONEq(t, `{"a":"1"}`, string(body))

	list := base
	list.PayloadIsList = true
	p, err = Prepare("list", list, WithPayload(map[string]any{"Fuid": "F", "Shares": "10"}))
	require.NoError(t, err)
	body, err = p.Body()
	require.NoError(t, err)
	require.JSONEq(t, `[{"Fuid":"F","Shares":"10"}]`, string(body))

	form := base
	form.FormEncoded = true
	p, err = Prepare("form", form, WithPayload(map[string]any{"token": "t k", "params": "p"}))
	require.NoError(t, err)
	body, err = p.Body()
	require.NoError(t, err)
	require.Equal(t, "params=p&token=t+k", string(body))

	p, err = Prepare("empty", base)
	require.NoError(t, err)
	body, err = p.Body()
	require.NoError(t, err)
	require.Nil(t, body)
}

func newTestSender(t *testing.T, templates map[string]config.RequestTemplate, retries int) *Sender {
	t.Helper()
	return NewSender(config.NewTemplates(templates), Options{
		Timeout:           time.Second,
		RequestsPerSecond: 1000,
		Burst:             10,
		MaxRetries:        retries,
		UserAgent:         "mwclient-test",
		InitialBackoff:    time.Millisecond,
	})
}

func TestSenderReplaysCookiesAndHeaders(t *testing.T) {
	var gotCookie, gotUA, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/set":
			http.SetCookie(w, &http.Cookie{Name: "djcs_session", Value: "abc", Path: "/set"})
			_, _ = w.Write([]byte("ok"))
		case "/echo":
			gotCookie = r.Header.Get("Cookie")
			gotUA = r.Header.Get("User-Agent")
			b, _ := io.ReadAll(r.Body)
			gotBody = string(b)
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{"succeeded": true})
		}
	}))
	defer srv.Close()

	sender := newTestSender(t, map[string]config.RequestTemplate{
		"set":  {URL: srv.URL + "/set"},
		"echo": {URL: srv.URL + "/echo", Method: http.MethodPost, PayloadIsList: true},
	}, 0)

	_, err := sender.Do(context.Background(), "set")
	require.NoError(t, err)
	require.True(t, sender.Jar().Has("djcs_session"))

	resp, err := sender.Do(context.Background(), "echo", WithPayload(map[string]any{"Type": "Buy"}))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.Status)
	require.Equal(t, "djcs_session=abc", gotCookie)
	require.Equal(t, "mwclient-test", gotUA)
	require.JSONEq(t, `[{"Type":"Buy"}]`, gotBody)

	var decoded struct {
		Succeeded bool `json:"succeeded"`
	}
	require.NoError(t, resp.DecodeJSON(&decoded))
	require.True(t, decoded.Succeeded)
}

func TestSenderRetriesRetryableGet(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("<html></html>"))
	}))
	defer srv.Close()

	sender := newTestSender(t, map[string]config.RequestTemplate{
		"games": {URL: srv.URL, Retryable: true},
	}, 2)

	resp, err := sender.Do(context.Background(), "games")
	require.NoError(t, err)
	require.Equal(t, "<html></html>", resp.Text())
	require.Equal(t, int32(3), calls.Load())
}

func TestSenderDoesNotRetryNonRetryable(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	sender := newTestSender(t, map[string]config.RequestTemplate{
		"negotiate": {URL: srv.URL},
	}, 3)

	_, err := sender.Do(context.Background(), "negotiate")
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.CodeNetwork))
	require.Equal(t, int32(1), calls.Load())
}

func TestSenderClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"description":"Wrong email or password."}`))
	}))
	defer srv.Close()

	sender := newTestSender(t, map[string]config.RequestTemplate{
		"search": {URL: srv.URL, Retryable: true},
	}, 3)

	_, err := sender.Do(context.Background(), "search")
	require.Error(t, err)
	var e *errs.E
	require.ErrorAs(t, err, &e)
	require.Equal(t, http.StatusUnauthorized, e.HTTP)
	require.Contains(t, e.RawMsg, "Wrong email")
	require.Equal(t, int32(1), calls.Load())
}

func TestSenderUnknownTemplate(t *testing.T) {
	sender := newTestSender(t, map[string]config.RequestTemplate{}, 0)
	_, err := sender.Do(context.Background(), "missing")
	require.True(t, errs.Is(err, errs.CodeInvalid))
}
