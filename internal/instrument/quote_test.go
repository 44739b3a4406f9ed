package instrument

import (
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/mwclient/errs"
)

func decodeQuote(t *testing.T, raw string) quoteResponse {
	t.Helper()
	var q quoteResponse
	require.NoError(t, json.Unmarshal([]byte(raw), &q))
	return q
}

func TestFillQuoteShapes(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		fuid string
	}{
		{"ok", `{"InstrumentResponses":[{"RequestId":"R","Matches":[{"Instrument":{"Debug":["a","b","c","https://x/fuid/F1"]}}]}]}`, "F1"},
		{"no matches", `{"InstrumentResponses":[{"RequestId":"R","Matches":[]}]}`, ""},
		{"short debug", `{"InstrumentResponses":[{"RequestId":"R","Matches":[{"Instrument":{"Debug":["a"]}}]}]}`, ""},
		{"no marker", `{"InstrumentResponses":[{"RequestId":"R","Matches":[{"Instrument":{"Debug":["a","b","c","https://x/id/F1"]}}]}]}`, ""},
		{"no request id", `{"InstrumentResponses":[{"Matches":[]}]}`, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			inst := Instrument{Ticker: "T"}
			err := fillQuote(&inst, decodeQuote(t, tc.raw))
			if tc.fuid == "" {
				require.True(t, errs.Is(err, errs.CodeProtocol))
				return
			}
			require.NoError(t, err)
			require.Equal(t, "R", inst.RequestID)
			require.Equal(t, tc.fuid, inst.FUID)
		})
	}
}
