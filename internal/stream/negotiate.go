package stream

import (
	"bytes"
	"context"
	"net/url"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/coachpo/mwclient/errs"
	"github.com/coachpo/mwclient/internal/config"
	"github.com/coachpo/mwclient/internal/session"
)

// ConnectionToken authorises one stream connection.
type ConnectionToken string

// Negotiate asks the stream service for a connection token. An empty token is
// accepted as is; a null one is not.
func Negotiate(ctx context.Context, auth *session.Authenticated) (ConnectionToken, error) {
	resp, err := auth.Do(ctx, config.RequestNegotiate)
	if err != nil {
		return "", err
	}
	return ParseNegotiation(resp.Body)
}

// ParseNegotiation extracts ConnectionToken from a negotiation response body.
func ParseNegotiation(body []byte) (ConnectionToken, error) {
	const op = "stream.negotiate"
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return "", errs.Protocol(op, "negotiation response is not a JSON object",
			errs.WithCause(err), errs.WithRawMessage(string(body)))
	}
	raw, ok := fields["ConnectionToken"]
	if !ok {
		return "", errs.Protocol(op, "negotiation response missing ConnectionToken",
			errs.WithRawMessage(string(body)))
	}
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return "", errs.Protocol(op, "ConnectionToken is null", errs.WithRawMessage(string(body)))
	}
	var token string
	if err := json.Unmarshal(raw, &token); err != nil {
		return "", errs.Protocol(op, "ConnectionToken is not a string",
			errs.WithCause(err), errs.WithRawMessage(string(raw)))
	}
	return ConnectionToken(token), nil
}

// StreamURL fills the priceStream endpoint template with token.
func StreamURL(templates config.Templates, token ConnectionToken) (string, error) {
	tmpl, err := templates.Get(config.RequestPriceStream)
	if err != nil {
		return "", errs.New("stream.url", errs.CodeInvalid, errs.WithCause(err))
	}
	return strings.ReplaceAll(tmpl.URL, "{connection_token}", url.QueryEscape(string(token))), nil
}
