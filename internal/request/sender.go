package request

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/coachpo/mwclient/errs"
	"github.com/coachpo/mwclient/internal/config"
	"github.com/coachpo/mwclient/internal/observability"
	"github.com/coachpo/mwclient/internal/telemetry"
)

const (
	maxBodyBytes       = 8 << 20
	errorBodySnippet   = 512
	maxRetryInterval   = 5 * time.Second
	defaultInitialWait = 250 * time.Millisecond
)

// Options tunes a Sender.
type Options struct {
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	MaxRetries        int
	UserAgent         string
	Transport         http.RoundTripper
	// InitialBackoff is the first retry delay; zero uses the default.
	InitialBackoff time.Duration
}

// OptionsFromConfig maps the http section of the app config.
func OptionsFromConfig(cfg config.HTTPConfig) Options {
	return Options{
		Timeout:           cfg.Timeout,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Burst:             cfg.Burst,
		MaxRetries:        cfg.MaxRetries,
		UserAgent:         cfg.UserAgent,
	}
}

// Response is a fully read site response.
type Response struct {
	Status int
	URL    string
	Header http.Header
	Body   []byte
}

// Text returns the body as a string.
func (r *Response) Text() string {
	return string(r.Body)
}

// DecodeJSON unmarshals the body into v.
func (r *Response) DecodeJSON(v any) error {
	return json.Unmarshal(r.Body, v)
}

// Sender issues template requests for one site session. It owns the cookie jar,
// so one Sender corresponds to one logged-in identity.
type Sender struct {
	client         *http.Client
	jar            *Jar
	templates      config.Templates
	limiter        *rate.Limiter
	maxRetries     int
	userAgent      string
	initialBackoff time.Duration
}

// NewSender constructs a Sender with a fresh cookie jar.
func NewSender(templates config.Templates, opts Options) *Sender {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 4
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = defaultInitialWait
	}
	jar := NewJar()
	client := new(http.Client)
	client.Timeout = opts.Timeout
	client.Jar = jar
	if opts.Transport != nil {
		client.Transport = opts.Transport
	}
	return &Sender{
		client:         client,
		jar:            jar,
		templates:      templates,
		limiter:        rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), opts.Burst),
		maxRetries:     opts.MaxRetries,
		userAgent:      opts.UserAgent,
		initialBackoff: opts.InitialBackoff,
	}
}

// Jar exposes the session cookies.
func (s *Sender) Jar() *Jar {
	return s.jar
}

// Templates exposes the request table the sender was built with.
func (s *Sender) Templates() config.Templates {
	return s.templates
}

// Template returns the named template.
func (s *Sender) Template(name string) (config.RequestTemplate, error) {
	tmpl, err := s.templates.Get(name)
	if err != nil {
		return config.RequestTemplate{}, errs.New("request."+name, errs.CodeInvalid, errs.WithCause(err))
	}
	return tmpl, nil
}

// Do prepares and sends the named template. Responses with status >= 400 are
// returned as *errs.E with CodeNetwork. Retryable GET templates are retried on
// transport errors, 429 and 5xx.
func (s *Sender) Do(ctx context.Context, name string, opts ...Option) (*Response, error) {
	tmpl, err := s.Template(name)
	if err != nil {
		return nil, err
	}
	prepared, err := Prepare(name, tmpl, opts...)
	if err != nil {
		return nil, err
	}

	if !prepared.Retryable || s.maxRetries == 0 {
		return s.attempt(ctx, prepared)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.initialBackoff
	policy.MaxInterval = maxRetryInterval
	return backoff.Retry(ctx, func() (*Response, error) {
		resp, err := s.attempt(ctx, prepared)
		if err == nil {
			return resp, nil
		}
		if !retryable(err) {
			return nil, backoff.Permanent(err)
		}
		observability.Log().Debug("retrying request", observability.F("template", name), observability.F("err", err))
		return nil, err
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(uint(s.maxRetries+1)))
}

func (s *Sender) attempt(ctx context.Context, p *Prepared) (*Response, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("request %s rate limit wait: %w", p.Name, err)
	}
	req, err := p.NewHTTPRequest(ctx)
	if err != nil {
		return nil, err
	}
	if s.userAgent != "" && req.Header.Get("user-agent") == "" {
		req.Header.Set("user-agent", s.userAgent)
	}

	observability.Log().Debug("sending request",
		observability.F("template", p.Name),
		observability.F("method", p.Method),
		observability.F("url", p.URL),
		observability.F("cookies", strings.Join(s.jar.Names(), ",")),
	)

	started := time.Now()
	resp, err := s.client.Do(req)
	elapsed := float64(time.Since(started).Microseconds()) / 1000
	if err != nil {
		telemetry.HTTP().Observe(ctx, p.Name, 0, elapsed)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, errs.New("request."+p.Name, errs.CodeNetwork, errs.WithCause(err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	telemetry.HTTP().Observe(ctx, p.Name, resp.StatusCode, elapsed)

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, errs.New("request."+p.Name, errs.CodeNetwork, errs.WithMessage("read body"), errs.WithCause(err))
	}
	if resp.StatusCode >= http.StatusBadRequest {
		snippet := strings.TrimSpace(string(body))
		if len(snippet) > errorBodySnippet {
			snippet = snippet[:errorBodySnippet]
		}
		return nil, errs.New("request."+p.Name, errs.CodeNetwork,
			errs.WithHTTP(resp.StatusCode),
			errs.WithMessage(fmt.Sprintf("%s returned status %d", p.Name, resp.StatusCode)),
			errs.WithRawMessage(snippet))
	}

	finalURL := p.URL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}
	return &Response{
		Status: resp.StatusCode,
		URL:    finalURL,
		Header: resp.Header.Clone(),
		Body:   body,
	}, nil
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var e *errs.E
	if !errors.As(err, &e) || e.Code != errs.CodeNetwork {
		return false
	}
	return e.HTTP == 0 || e.HTTP == http.StatusTooManyRequests || e.HTTP >= http.StatusInternalServerError
}
