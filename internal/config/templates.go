package config

import (
	_ "embed"
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Names of the request templates the client relies on.
const (
	RequestCSRF           = "csrf"
	RequestLogin          = "login"
	RequestHandler        = "handler"
	RequestGames          = "games"
	RequestSearch         = "search"
	RequestQuoteByDialect = "quoteByDialect"
	RequestTransaction    = "transaction"
	RequestNegotiate      = "negotiate"
	RequestMiniquote      = "miniquote"
	RequestPriceStream    = "priceStream"
)

var requiredTemplates = []string{
	RequestCSRF,
	RequestLogin,
	RequestHandler,
	RequestGames,
	RequestSearch,
	RequestQuoteByDialect,
	RequestTransaction,
	RequestNegotiate,
	RequestMiniquote,
	RequestPriceStream,
}

//go:embed requests.yaml
var defaultRequestsYAML []byte

var urlFieldPattern = regexp.MustCompile(`\{([a-z_]+)\}`)

// RequestTemplate describes one replayable site request.
type RequestTemplate struct {
	URL             string            `yaml:"url"`
	Method          string            `yaml:"method"`
	FormEncoded     bool              `yaml:"formEncoded"`
	PayloadIsList   bool              `yaml:"payloadIsList"`
	Retryable       bool              `yaml:"retryable"`
	Headers         map[string]string `yaml:"headers"`
	RequiredHeaders []string          `yaml:"requiredHeaders"`
	Payload         map[string]any    `yaml:"payload"`
	RequiredPayload []string          `yaml:"requiredPayload"`
	Query           map[string]string `yaml:"query"`
	RequiredQuery   []string          `yaml:"requiredQuery"`
}

// URLFields lists the {placeholder} names embedded in the URL.
func (t RequestTemplate) URLFields() []string {
	matches := urlFieldPattern.FindAllStringSubmatch(t.URL, -1)
	fields := make([]string, 0, len(matches))
	for _, m := range matches {
		fields = append(fields, m[1])
	}
	return fields
}

func (t *RequestTemplate) normalise() {
	t.URL = strings.TrimSpace(t.URL)
	t.Method = strings.ToUpper(strings.TrimSpace(t.Method))
	if t.Method == "" {
		t.Method = http.MethodGet
	}
}

func (t RequestTemplate) validate() error {
	if t.URL == "" {
		return fmt.Errorf("url required")
	}
	switch t.Method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete:
	default:
		return fmt.Errorf("unsupported method %q", t.Method)
	}
	if t.FormEncoded && t.PayloadIsList {
		return fmt.Errorf("formEncoded and payloadIsList are mutually exclusive")
	}
	return nil
}

// Templates is the immutable request table keyed by template name.
type Templates struct {
	byName map[string]RequestTemplate
}

// Get returns the named template.
func (t Templates) Get(name string) (RequestTemplate, error) {
	tmpl, ok := t.byName[name]
	if !ok {
		return RequestTemplate{}, fmt.Errorf("request template %q not configured", name)
	}
	return tmpl, nil
}

// Names returns the configured template names in sorted order.
func (t Templates) Names() []string {
	names := make([]string, 0, len(t.byName))
	for name := range t.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks every template and that all required templates are present.
func (t Templates) Validate() error {
	for _, name := range requiredTemplates {
		if _, ok := t.byName[name]; !ok {
			return fmt.Errorf("template %q missing", name)
		}
	}
	for _, name := range t.Names() {
		if err := t.byName[name].validate(); err != nil {
			return fmt.Errorf("template %q: %w", name, err)
		}
	}
	return nil
}

// NewTemplates builds a table from explicit templates, without embedded defaults.
func NewTemplates(byName map[string]RequestTemplate) Templates {
	out := make(map[string]RequestTemplate, len(byName))
	for name, tmpl := range byName {
		tmpl.normalise()
		out[strings.TrimSpace(name)] = tmpl
	}
	return Templates{byName: out}
}

// DefaultTemplates returns the embedded request table.
func DefaultTemplates() (Templates, error) {
	return buildTemplates(nil)
}

// buildTemplates layers overrides on the embedded defaults. An override replaces
// the whole template of the same name.
func buildTemplates(overrides map[string]RequestTemplate) (Templates, error) {
	var envelope struct {
		Requests map[string]RequestTemplate `yaml:"requests"`
	}
	if err := yaml.Unmarshal(defaultRequestsYAML, &envelope); err != nil {
		return Templates{}, fmt.Errorf("unmarshal embedded requests: %w", err)
	}
	merged := make(map[string]RequestTemplate, len(envelope.Requests)+len(overrides))
	for name, tmpl := range envelope.Requests {
		merged[name] = tmpl
	}
	for name, tmpl := range overrides {
		trimmed := strings.TrimSpace(name)
		if trimmed == "" {
			return Templates{}, fmt.Errorf("request template with empty name")
		}
		merged[trimmed] = tmpl
	}
	return NewTemplates(merged), nil
}
