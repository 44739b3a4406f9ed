package session

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/mwclient/errs"
)

func TestParseLoginPage(t *testing.T) {
	payload := base64.StdEncoding.EncodeToString([]byte(`{"clientID":"cid","internalOptions":{"state":"s"}}`))
	page := `<script>JSON.parse(decodeURIComponent(escape(Base64.decode('` + payload + `'))));</script>`

	options, err := parseLoginPage(page)
	require.NoError(t, err)
	require.Equal(t, "cid", options["client_id"])
	require.Equal(t, "s", options["state"])
}

func TestParseLoginPageFailures(t *testing.T) {
	_, err := parseLoginPage("<html>no script</html>")
	require.True(t, errs.Is(err, errs.CodeProtocol))

	_, err = parseLoginPage(`Base64.decode('!!!notbase64'))));`)
	require.True(t, errs.Is(err, errs.CodeProtocol))

	noClient := base64.StdEncoding.EncodeToString([]byte(`{"internalOptions":{}}`))
	_, err = parseLoginPage(`Base64.decode('` + noClient + `'))));`)
	require.True(t, errs.Is(err, errs.CodeProtocol))
}

func TestParseAuthFormMissingInput(t *testing.T) {
	_, err := parseAuthForm(`<form><input name="token" value="t"/></form>`)
	require.True(t, errs.Is(err, errs.CodeAuth))

	form, err := parseAuthForm(`<form><input name="token" value="t"/><input name="params" value=""/></form>`)
	require.NoError(t, err)
	require.Equal(t, "t", form["token"])
	require.Equal(t, "", form["params"])
}
