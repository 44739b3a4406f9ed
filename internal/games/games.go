// Package games scrapes the joined games page and picks the game operations run against.
package games

import (
	"context"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/coachpo/mwclient/errs"
	"github.com/coachpo/mwclient/internal/config"
	"github.com/coachpo/mwclient/internal/observability"
	"github.com/coachpo/mwclient/internal/session"
)

const gamesPathPrefix = "/games/"

// Game is one joined game.
type Game struct {
	// Name is the display name shown on the games page.
	Name string
	// Slug is the path segment the site uses in game URLs.
	Slug string
	// URL is the game page.
	URL string
}

// Referer returns the game page URL sent as referer by game scoped requests.
func (g Game) Referer() string {
	if g.URL != "" {
		return g.URL
	}
	return "https://www.marketwatch.com/games/" + g.Slug
}

// List returns the joined games in page order.
func List(ctx context.Context, auth *session.Authenticated) ([]Game, error) {
	resp, err := auth.Do(ctx, config.RequestGames)
	if err != nil {
		return nil, err
	}
	return Parse(resp.Text())
}

// Parse extracts games from the games page. Each game is linked twice; only the
// second half of the game anchors carries the display names.
func Parse(page string) ([]Game, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page))
	if err != nil {
		return nil, errs.Protocol("games.parse", "unparseable games page", errs.WithCause(err))
	}
	var anchors []*goquery.Selection
	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		if slugOf(href) != "" {
			anchors = append(anchors, a)
		}
	})
	anchors = anchors[len(anchors)/2:]

	out := make([]Game, 0, len(anchors))
	for _, a := range anchors {
		href, _ := a.Attr("href")
		name := strings.TrimSpace(a.Text())
		slug := slugOf(href)
		if name == "" {
			name = slug
		}
		out = append(out, Game{Name: name, Slug: slug, URL: href})
	}
	return out, nil
}

// Select returns the game called name. An unknown or empty name falls back to
// the first game with a warning.
func Select(list []Game, name string) (Game, error) {
	if len(list) == 0 {
		return Game{}, errs.New("games.select", errs.CodeGameRequired,
			errs.WithMessage("no games joined"),
			errs.WithRemediation("join a game on the site first"))
	}
	name = strings.TrimSpace(name)
	for _, g := range list {
		if g.Name == name || g.Slug == name {
			return g, nil
		}
	}
	observability.Log().Info("game not found, using first game",
		observability.F("requested", name),
		observability.F("game", list[0].Name))
	return list[0], nil
}

func slugOf(href string) string {
	u, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return ""
	}
	rest, ok := strings.CutPrefix(u.Path, gamesPathPrefix)
	if !ok {
		return ""
	}
	slug, _, _ := strings.Cut(rest, "/")
	return slug
}
