// Package session performs the site login handshake and hands out the
// authenticated capability every other operation requires.
package session

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	json "github.com/goccy/go-json"

	"github.com/coachpo/mwclient/errs"
	"github.com/coachpo/mwclient/internal/config"
	"github.com/coachpo/mwclient/internal/observability"
	"github.com/coachpo/mwclient/internal/request"
)

// SessionCookie is set by the site once the login handshake completes.
const SessionCookie = "djcs_session"

const csrfCookie = "_csrf"

var loginConfigPattern = regexp.MustCompile(`Base64\.decode\('(.+?)'\)\)\)\);`)

// Credentials identifies the site user.
type Credentials struct {
	Username string
	Password string
}

// Authenticated is a logged-in site session. It can only be obtained from Login
// or Resume, so holding one proves the cookie jar carries a session cookie.
type Authenticated struct {
	sender   *request.Sender
	username string
}

// Sender returns the request sender bound to the session cookies.
func (a *Authenticated) Sender() *request.Sender {
	return a.sender
}

// Username returns the login name, empty for resumed sessions.
func (a *Authenticated) Username() string {
	return a.username
}

// Do issues a template request with the session cookies.
func (a *Authenticated) Do(ctx context.Context, name string, opts ...request.Option) (*request.Response, error) {
	return a.sender.Do(ctx, name, opts...)
}

// Resume wraps a sender whose jar already holds a session cookie.
func Resume(sender *request.Sender) (*Authenticated, error) {
	if sender == nil || !sender.Jar().Has(SessionCookie) {
		return nil, errs.New("session.resume", errs.CodeAuth,
			errs.WithMessage("no "+SessionCookie+" cookie present"))
	}
	return &Authenticated{sender: sender}, nil
}

type loginConfig struct {
	ClientID        string         `json:"clientID"`
	InternalOptions map[string]any `json:"internalOptions"`
}

// Login runs the four-step handshake: login page, credential post, auth form
// scrape, handler post.
func Login(ctx context.Context, sender *request.Sender, creds Credentials) (*Authenticated, error) {
	const op = "session.login"
	if strings.TrimSpace(creds.Username) == "" || creds.Password == "" {
		return nil, errs.New(op, errs.CodeInvalid, errs.WithMessage("username and password required"))
	}
	log := observability.Log()

	page, err := sender.Do(ctx, config.RequestCSRF)
	if err != nil {
		return nil, err
	}
	options, err := parseLoginPage(page.Text())
	if err != nil {
		return nil, err
	}
	if token, ok := sender.Jar().Get(csrfCookie); ok {
		options[csrfCookie] = token
	}
	options["username"] = creds.Username
	options["password"] = creds.Password
	options["headers"] = map[string]string{"X-REMOTE-USER": creds.Username}

	loginResp, err := sender.Do(ctx, config.RequestLogin,
		request.WithHeader("x-remote-user", creds.Username),
		request.WithPayload(options),
	)
	if err != nil {
		var e *errs.E
		if errors.As(err, &e) && (e.HTTP == http.StatusUnauthorized || e.HTTP == http.StatusForbidden) {
			return nil, errs.New(op, errs.CodeAuth,
				errs.WithMessage("user not found with given username/password"), errs.WithCause(err))
		}
		return nil, err
	}

	form, err := parseAuthForm(loginResp.Text())
	if err != nil {
		return nil, err
	}
	if _, err := sender.Do(ctx, config.RequestHandler, request.WithPayload(form)); err != nil {
		return nil, err
	}

	if !sender.Jar().Has(SessionCookie) {
		return nil, errs.New(op, errs.CodeAuth,
			errs.WithMessage("login completed without a session cookie"),
			errs.WithField("cookies", strings.Join(sender.Jar().Names(), ",")))
	}
	log.Info("authenticated", observability.F("user", creds.Username))
	return &Authenticated{sender: sender, username: creds.Username}, nil
}

// parseLoginPage extracts the base64 encoded login options embedded in the page script.
func parseLoginPage(page string) (map[string]any, error) {
	const op = "session.login_page"
	match := loginConfigPattern.FindStringSubmatch(page)
	if match == nil {
		return nil, errs.Protocol(op, "login options script not found")
	}
	raw, err := base64.StdEncoding.DecodeString(match[1])
	if err != nil {
		raw, err = base64.RawStdEncoding.DecodeString(match[1])
		if err != nil {
			return nil, errs.Protocol(op, "login options are not base64", errs.WithCause(err))
		}
	}
	var cfg loginConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, errs.Protocol(op, "login options are not JSON", errs.WithCause(err))
	}
	if cfg.ClientID == "" {
		return nil, errs.Protocol(op, "login options missing clientID")
	}
	options := make(map[string]any, len(cfg.InternalOptions)+5)
	for k, v := range cfg.InternalOptions {
		options[k] = v
	}
	options["client_id"] = cfg.ClientID
	return options, nil
}

// parseAuthForm reads the token and params inputs of the post-login form.
func parseAuthForm(page string) (map[string]any, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page))
	if err != nil {
		return nil, errs.Protocol("session.auth_form", "unparseable login response", errs.WithCause(err))
	}
	form := make(map[string]any, 2)
	for _, name := range []string{"token", "params"} {
		value, ok := doc.Find(`input[name="` + name + `"]`).First().Attr("value")
		if !ok {
			return nil, errs.New("session.login", errs.CodeAuth,
				errs.WithMessage("user not found with given username/password"),
				errs.WithField("missing_input", name))
		}
		form[name] = value
	}
	return form, nil
}
