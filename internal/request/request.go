// Package request builds and sends site requests from the configured template table.
package request

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/coachpo/mwclient/errs"
	"github.com/coachpo/mwclient/internal/config"
)

// Fields carries the per-call values merged into a template.
type Fields struct {
	Headers   map[string]string
	Payload   map[string]any
	Query     map[string]string
	URLFields map[string]string
}

// Option populates Fields.
type Option func(*Fields)

// WithHeader sets one header value.
func WithHeader(key, value string) Option {
	return func(f *Fields) {
		if f.Headers == nil {
			f.Headers = make(map[string]string)
		}
		f.Headers[strings.ToLower(key)] = value
	}
}

// WithReferer sets the referer header.
func WithReferer(referer string) Option {
	return WithHeader("referer", referer)
}

// WithPayload merges values into the payload.
func WithPayload(values map[string]any) Option {
	return func(f *Fields) {
		if f.Payload == nil {
			f.Payload = make(map[string]any, len(values))
		}
		for k, v := range values {
			f.Payload[k] = v
		}
	}
}

// WithQuery sets one query parameter.
func WithQuery(key, value string) Option {
	return func(f *Fields) {
		if f.Query == nil {
			f.Query = make(map[string]string)
		}
		f.Query[key] = value
	}
}

// WithURLField fills a {placeholder} in the template URL.
func WithURLField(key, value string) Option {
	return func(f *Fields) {
		if f.URLFields == nil {
			f.URLFields = make(map[string]string)
		}
		f.URLFields[key] = value
	}
}

// Prepared is a template resolved against call fields.
type Prepared struct {
	Name        string
	Method      string
	URL         string
	Headers     map[string]string
	Payload     map[string]any
	FormEncoded bool
	AsList      bool
	Retryable   bool
}

// Prepare merges fields into tmpl and checks every required field is supplied.
// Supplied fields that the template does not list are merged as well.
func Prepare(name string, tmpl config.RequestTemplate, opts ...Option) (*Prepared, error) {
	var fields Fields
	for _, opt := range opts {
		if opt != nil {
			opt(&fields)
		}
	}

	headers := make(map[string]string, len(tmpl.Headers)+len(fields.Headers))
	for k, v := range tmpl.Headers {
		headers[strings.ToLower(k)] = v
	}
	if err := requireFields(name, "Headers", tmpl.RequiredHeaders, lowerKeys(fields.Headers)); err != nil {
		return nil, err
	}
	for k, v := range fields.Headers {
		headers[strings.ToLower(k)] = v
	}

	payload := make(map[string]any, len(tmpl.Payload)+len(fields.Payload))
	for k, v := range tmpl.Payload {
		payload[k] = v
	}
	if err := requireFields(name, "Payload", tmpl.RequiredPayload, fields.Payload); err != nil {
		return nil, err
	}
	for k, v := range fields.Payload {
		payload[k] = v
	}

	query := make(map[string]string, len(tmpl.Query)+len(fields.Query))
	for k, v := range tmpl.Query {
		query[k] = v
	}
	if err := requireFields(name, "Query", tmpl.RequiredQuery, fields.Query); err != nil {
		return nil, err
	}
	for k, v := range fields.Query {
		query[k] = v
	}

	rawURL, err := expandURL(name, tmpl, fields.URLFields)
	if err != nil {
		return nil, err
	}
	full, err := appendQuery(rawURL, query)
	if err != nil {
		return nil, errs.New("request."+name, errs.CodeInvalid, errs.WithMessage("invalid url"), errs.WithCause(err))
	}

	return &Prepared{
		Name:        name,
		Method:      tmpl.Method,
		URL:         full,
		Headers:     headers,
		Payload:     payload,
		FormEncoded: tmpl.FormEncoded,
		AsList:      tmpl.PayloadIsList,
		Retryable:   tmpl.Retryable && tmpl.Method == http.MethodGet,
	}, nil
}

// Body encodes the payload: form values, a JSON list holding the payload, or a JSON object.
// An empty payload yields no body.
func (p *Prepared) Body() ([]byte, error) {
	if len(p.Payload) == 0 {
		return nil, nil
	}
	if p.FormEncoded {
		values := url.Values{}
		for _, k := range sortedKeys(p.Payload) {
			values.Set(k, fmt.Sprint(p.Payload[k]))
		}
		return []byte(values.Encode()), nil
	}
	var v any = p.Payload
	if p.AsList {
		v = []any{p.Payload}
	}
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", p.Name, err)
	}
	return body, nil
}

// NewHTTPRequest builds the *http.Request for one attempt.
func (p *Prepared) NewHTTPRequest(ctx context.Context) (*http.Request, error) {
	body, err := p.Body()
	if err != nil {
		return nil, err
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, p.Method, p.URL, reader)
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", p.Name, err)
	}
	for k, v := range p.Headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

func requireFields[V any](name, kind string, required []string, supplied map[string]V) error {
	for _, field := range required {
		key := field
		if kind == "Headers" {
			key = strings.ToLower(field)
		}
		if _, ok := supplied[key]; !ok {
			return errs.New("request."+name, errs.CodeInvalid,
				errs.WithMessage(fmt.Sprintf("%s %s is required", kind, field)))
		}
	}
	return nil
}

func expandURL(name string, tmpl config.RequestTemplate, values map[string]string) (string, error) {
	out := tmpl.URL
	for _, field := range tmpl.URLFields() {
		v, ok := values[field]
		if !ok {
			return "", errs.New("request."+name, errs.CodeInvalid,
				errs.WithMessage(fmt.Sprintf("URL field %s is required", field)))
		}
		out = strings.ReplaceAll(out, "{"+field+"}", url.PathEscape(v))
	}
	return out, nil
}

func appendQuery(rawURL string, query map[string]string) (string, error) {
	if len(query) == 0 {
		return rawURL, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	values := u.Query()
	for k, v := range query {
		values.Set(k, v)
	}
	u.RawQuery = values.Encode()
	return u.String(), nil
}

func lowerKeys(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[strings.ToLower(k)] = v
	}
	return out
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
