package request

import (
	"net/http"
	"net/url"
	"strings"
	"sync"
)

// Jar is a flat cookie store: every cookie the site sets is replayed on every
// request, regardless of domain or path. The login handshake hops between
// accounts.marketwatch.com, sso.accounts.dowjones.com and www.marketwatch.com
// and the site expects the whole set on each hop.
type Jar struct {
	mu     sync.RWMutex
	order  []string
	values map[string]string
}

// NewJar returns an empty jar.
func NewJar() *Jar {
	return &Jar{values: make(map[string]string)}
}

// SetCookies implements http.CookieJar.
func (j *Jar) SetCookies(_ *url.URL, cookies []*http.Cookie) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, c := range cookies {
		if c == nil || strings.TrimSpace(c.Name) == "" {
			continue
		}
		if c.MaxAge < 0 {
			j.deleteLocked(c.Name)
			continue
		}
		if _, ok := j.values[c.Name]; !ok {
			j.order = append(j.order, c.Name)
		}
		j.values[c.Name] = c.Value
	}
}

// Cookies implements http.CookieJar and returns every stored cookie in insertion order.
func (j *Jar) Cookies(_ *url.URL) []*http.Cookie {
	j.mu.RLock()
	defer j.mu.RUnlock()
	out := make([]*http.Cookie, 0, len(j.order))
	for _, name := range j.order {
		out = append(out, &http.Cookie{Name: name, Value: j.values[name]})
	}
	return out
}

// Get returns the value of the named cookie.
func (j *Jar) Get(name string) (string, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	v, ok := j.values[name]
	return v, ok
}

// Has reports whether the named cookie is present.
func (j *Jar) Has(name string) bool {
	_, ok := j.Get(name)
	return ok
}

// Header renders the jar as a Cookie header value.
func (j *Jar) Header() string {
	cookies := j.Cookies(nil)
	parts := make([]string, 0, len(cookies))
	for _, c := range cookies {
		parts = append(parts, c.Name+"="+c.Value)
	}
	return strings.Join(parts, "; ")
}

// Names returns the stored cookie names in insertion order.
func (j *Jar) Names() []string {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return append([]string(nil), j.order...)
}

func (j *Jar) deleteLocked(name string) {
	if _, ok := j.values[name]; !ok {
		return
	}
	delete(j.values, name)
	for i, n := range j.order {
		if n == name {
			j.order = append(j.order[:i], j.order[i+1:]...)
			break
		}
	}
}
