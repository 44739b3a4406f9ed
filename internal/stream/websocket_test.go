package stream_test

import (
	"context"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/mwclient/internal/stream"
	"github.com/coachpo/mwclient/internal/testutil"
)

type serverView struct {
	token    string
	received []stream.OutboundMessage
}

// hubServer plays the hub side: greeting, one string ack per command, then
// price updates once every subscription is acknowledged.
func hubServer(subscriptions int, prices []string, out chan<- serverView) testutil.StreamHandler {
	return func(ctx context.Context, conn *websocket.Conn, r *http.Request) {
		view := serverView{token: r.URL.Query().Get("connectionToken")}
		defer func() { out <- view }()

		if err := conn.Write(ctx, websocket.MessageText, []byte(`{"C":"s-0,1","S":1,"M":[]}`)); err != nil {
			return
		}
		for len(view.received) < subscriptions+1 {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var msg stream.OutboundMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				return
			}
			view.received = append(view.received, msg)
			ack, _ := json.Marshal(map[string]string{"I": strconv.Itoa(msg.I)})
			if err := conn.Write(ctx, websocket.MessageText, ack); err != nil {
				return
			}
		}
		for _, p := range prices {
			if err := conn.Write(ctx, websocket.MessageText, []byte(p)); err != nil {
				return
			}
		}
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}
}

func TestWebsocketStreamEndToEnd(t *testing.T) {
	site := testutil.NewSite(t)
	views := make(chan serverView, 1)
	prices := []string{
		`{"C":"d-1","M":[{"H":"mainhub","M":"update","A":["quote:AAPL",{"Last":"189.50"}]}]}`,
		`{"C":"d-2","M":[{"H":"mainhub","M":"update","A":["trade:AAPL",{"Last":"189.55"}]}]}`,
	}
	site.Set(func(s *testutil.Site) { s.Stream = hubServer(2, prices, views) })
	auth := site.Login(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	token, err := stream.Negotiate(ctx, auth)
	require.NoError(t, err)
	channels, err := stream.DiscoverChannels(ctx, auth, testGame, "STOCK/US/XNAS/AAPL")
	require.NoError(t, err)
	url, err := stream.StreamURL(site.Templates(t), token)
	require.NoError(t, err)

	s, err := stream.Open(ctx, stream.WebsocketDialer{}, url, channels)
	require.NoError(t, err)

	var got []string
	for ev, err := range s.Events(ctx) {
		require.NoError(t, err)
		got = append(got, string(ev.Raw))
		if len(got) == len(prices) {
			break
		}
	}
	require.Equal(t, prices, got)
	require.Equal(t, stream.StateClosed, s.State())

	var view serverView
	select {
	case view = <-views:
	case <-ctx.Done():
		t.Fatal("server handler did not finish")
	}
	require.Equal(t, "tok+en/1=", view.token)
	require.Len(t, view.received, 3)
	require.Equal(t, "ping", view.received[0].M)
	require.Equal(t, 0, view.received[0].I)
	require.Equal(t, []string{"quote:AAPL", "", "0"}, view.received[1].A)
	require.Equal(t, 1, view.received[1].I)
	require.Equal(t, []string{"trade:AAPL", "", "0"}, view.received[2].A)
	require.Equal(t, 2, view.received[2].I)
}
