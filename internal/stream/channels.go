package stream

import (
	"context"
	"errors"
	"slices"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/sourcegraph/conc/pool"

	"github.com/coachpo/mwclient/errs"
	"github.com/coachpo/mwclient/internal/config"
	"github.com/coachpo/mwclient/internal/games"
	"github.com/coachpo/mwclient/internal/request"
	"github.com/coachpo/mwclient/internal/session"
)

const defaultResolveConcurrency = 4

// Channel is one push-channel name carried by a bg-quote element.
type Channel string

// ChannelSet is an ordered set of channels without duplicates.
type ChannelSet []Channel

// NewChannelSet splits every comma separated entry, trims the parts and drops
// empties and duplicates, keeping first-seen order.
func NewChannelSet(entries ...string) ChannelSet {
	seen := make(map[Channel]struct{})
	var out ChannelSet
	for _, entry := range entries {
		for _, part := range strings.Split(entry, ",") {
			ch := Channel(strings.TrimSpace(part))
			if ch == "" {
				continue
			}
			if _, dup := seen[ch]; dup {
				continue
			}
			seen[ch] = struct{}{}
			out = append(out, ch)
		}
	}
	return out
}

// Union merges sets, keeping the first occurrence of each channel.
func Union(sets ...ChannelSet) ChannelSet {
	var entries []string
	for _, set := range sets {
		for _, ch := range set {
			entries = append(entries, string(ch))
		}
	}
	return NewChannelSet(entries...)
}

// Contains reports whether ch is in the set.
func (s ChannelSet) Contains(ch Channel) bool {
	return slices.Contains(s, ch)
}

// ParseChannels reads the channel attribute of every bg-quote element in a
// miniquote fragment.
func ParseChannels(fragment string) (ChannelSet, error) {
	const op = "stream.channels"
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return nil, errs.Protocol(op, "unparseable miniquote fragment", errs.WithCause(err))
	}
	var entries []string
	doc.Find("bg-quote").Each(func(_ int, sel *goquery.Selection) {
		if v, ok := sel.Attr("channel"); ok {
			entries = append(entries, v)
		}
	})
	set := NewChannelSet(entries...)
	if len(set) == 0 {
		return nil, errs.Protocol(op, "miniquote fragment has no channels")
	}
	return set, nil
}

// DiscoverChannels fetches the miniquote fragment for requestID in game and
// returns its channels.
func DiscoverChannels(ctx context.Context, auth *session.Authenticated, game games.Game, requestID string) (ChannelSet, error) {
	resp, err := auth.Do(ctx, config.RequestMiniquote,
		request.WithURLField("game_name", game.Slug),
		request.WithQuery("chartingSymbol", requestID))
	if err != nil {
		return nil, err
	}
	set, err := ParseChannels(resp.Text())
	if err != nil {
		var e *errs.E
		if errors.As(err, &e) {
			e.Metadata = mergeField(e.Metadata, "request_id", requestID)
		}
		return nil, err
	}
	return set, nil
}

// ResolveChannels discovers channels for several instruments concurrently and
// returns their union. The first failure cancels the rest.
func ResolveChannels(ctx context.Context, auth *session.Authenticated, game games.Game, requestIDs []string) (ChannelSet, error) {
	if len(requestIDs) == 0 {
		return nil, errs.New("stream.channels", errs.CodeInvalid, errs.WithMessage("no instruments to stream"))
	}
	p := pool.NewWithResults[ChannelSet]().
		WithContext(ctx).
		WithCancelOnError().
		WithFirstError().
		WithMaxGoroutines(min(len(requestIDs), defaultResolveConcurrency))
	for _, id := range requestIDs {
		p.Go(func(ctx context.Context) (ChannelSet, error) {
			return DiscoverChannels(ctx, auth, game, id)
		})
	}
	sets, err := p.Wait()
	if err != nil {
		return nil, err
	}
	return Union(sets...), nil
}

func mergeField(meta map[string]string, key, value string) map[string]string {
	if meta == nil {
		meta = make(map[string]string, 1)
	}
	meta[key] = value
	return meta
}
