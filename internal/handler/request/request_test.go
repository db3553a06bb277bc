package request

import (
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/chatstream/internal/apperr"
)

func decodeBody(t *testing.T, body string, dst normalizer) error {
	t.Helper()
	req := httptest.NewRequest("POST", "/api/chat", strings.NewReader(body))
	return Decode(req, dst)
}

func TestDecodeSendTurnTrimsAndValidates(t *testing.T) {
	var req SendTurn
	require.NoError(t, decodeBody(t, `{"message":"  hi  ","sessionId":" 8f14e45f-ceea-467f-a0e5-8d0a3b3c2f51 "}`, &req))
	assert.Equal(t, "hi", req.Message)
	assert.Equal(t, "8f14e45f-ceea-467f-a0e5-8d0a3b3c2f51", req.SessionID)
}

func TestDecodeSendTurnRejects(t *testing.T) {
	cases := map[string]struct {
		body  string
		field string
	}{
		"blank message":  {`{"message":"   "}`, "message"},
		"too long":       {`{"message":"` + strings.Repeat("é", 10001) + `"}`, "message"},
		"bad session id": {`{"message":"hi","sessionId":"abc"}`, "sessionId"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			var req SendTurn
			err := decodeBody(t, tc.body, &req)
			require.Error(t, err)
			assert.ErrorIs(t, err, apperr.ErrValidation)
			assert.Contains(t, Details(err), tc.field)
			assert.Equal(t, "Invalid request", apperr.PublicMessage(err))
		})
	}
}

func TestDecodeAcceptsMaxLengthInRunes(t *testing.T) {
	var req SendTurn
	assert.NoError(t, decodeBody(t, `{"message":"`+strings.Repeat("é", 10000)+`"}`, &req))
}

func TestDecodeMalformedBody(t *testing.T) {
	var req SendTurn
	err := decodeBody(t, `{"message":`, &req)
	assert.ErrorIs(t, err, apperr.ErrValidation)
	assert.Nil(t, Details(err))

	err = decodeBody(t, ``, &req)
	assert.Equal(t, "Request body is required", apperr.PublicMessage(err))
}

func TestSavePartialAllowsEmptyAIMessage(t *testing.T) {
	var req SavePartial
	require.NoError(t, decodeBody(t, `{"userMessage":"x","aiMessage":"","sessionId":"8f14e45f-ceea-467f-a0e5-8d0a3b3c2f51"}`, &req))

	var missing SavePartial
	err := decodeBody(t, `{"userMessage":"x"}`, &missing)
	assert.Contains(t, Details(err), "sessionId")
}

func TestParsePage(t *testing.T) {
	page, err := ParsePage(url.Values{}, 20)
	require.NoError(t, err)
	assert.Equal(t, Page{Limit: 20}, page)

	page, err = ParsePage(url.Values{"limit": {"5"}, "offset": {"10"}}, 20)
	require.NoError(t, err)
	assert.Equal(t, Page{Limit: 5, Offset: 10}, page)

	for _, q := range []url.Values{
		{"limit": {"abc"}},
		{"limit": {"0"}},
		{"limit": {"101"}},
		{"offset": {"-1"}},
	} {
		_, err := ParsePage(q, 20)
		assert.ErrorIs(t, err, apperr.ErrValidation, q.Encode())
	}
}
