package app

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foodmind/billing-service/internal/domain"
)

const succeededBody = `{"type":"notification","event":"payment.succeeded","object":{"id":"pay-1","status":"succeeded","paid":true}}`

func parseTag(t *testing.T, body []byte) *ParseError {
	t.Helper()
	_, err := ParseWebhookBody(body)
	require.Error(t, err)
	var perr *ParseError
	require.True(t, errors.As(err, &perr), "expected *ParseError, got %T", err)
	return perr
}

func TestParseWebhookBody_Rejections(t *testing.T) {
	testCases := []struct {
		name string
		body []byte
		tag  string
	}{
		{name: "empty", body: nil, tag: ParseEmptyBody},
		{name: "whitespace only", body: []byte(" \n\t "), tag: ParseEmptyBody},
		{name: "bom only", body: []byte("\xEF\xBB\xBF"), tag: ParseEmptyBody},
		{name: "invalid utf8", body: []byte{'{', '"', 0xff, 0xfe, '"', '}'}, tag: ParseBadEncoding},
		{name: "truncated json", body: []byte(`{"event":`), tag: ParseInvalidJSON},
		{name: "array", body: []byte(`[1,2,3]`), tag: ParseNotObject},
		{name: "string", body: []byte(`"hello"`), tag: ParseNotObject},
		{name: "missing event", body: []byte(`{"object":{"id":"pay-1"}}`), tag: ParseInvalidPayload},
		{name: "missing object id", body: []byte(`{"event":"payment.succeeded","object":{}}`), tag: ParseInvalidPayload},
		{name: "wrong field type", body: []byte(`{"event":"payment.succeeded","object":"pay-1"}`), tag: ParseInvalidPayload},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			perr := parseTag(t, tc.body)
			assert.Equal(t, tc.tag, perr.Tag)
			assert.NotEmpty(t, perr.Message)
		})
	}
}

func TestParseWebhookBody_InvalidJSONPosition(t *testing.T) {
	perr := parseTag(t, []byte("{\n  \"a\": ,\n}"))

	assert.Equal(t, ParseInvalidJSON, perr.Tag)
	assert.Equal(t, 2, perr.Line)
	assert.Equal(t, 8, perr.Column)
	assert.Contains(t, perr.Error(), "line 2, column 8")
}

func TestParseWebhookBody_StripsBOM(t *testing.T) {
	body := append([]byte("\xEF\xBB\xBF"), succeededBody...)

	parsed, err := ParseWebhookBody(body)

	require.NoError(t, err)
	assert.Equal(t, domain.EventPaymentSucceeded, parsed.Notification.Event)
	assert.Equal(t, "pay-1", parsed.Notification.Object.ID)
	assert.JSONEq(t, succeededBody, string(parsed.Payload))
}

func TestEventKey(t *testing.T) {
	parsed, err := ParseWebhookBody([]byte(`{"event":"refund.succeeded","object":{"id":" ref-9 ","payment_id":"pay-1"}}`))
	require.NoError(t, err)

	assert.Equal(t, "ref-9", EventKey(parsed.Notification))
	assert.Equal(t, "pay-1", parsed.Notification.ProviderPaymentID())
}

func TestBodyFingerprint(t *testing.T) {
	a := BodyFingerprint([]byte(succeededBody))
	b := BodyFingerprint([]byte(succeededBody + " "))

	assert.Len(t, a, 16)
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, BodyFingerprint([]byte(succeededBody)))
}
