package pushtoken

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGateway(t *testing.T, onNotify NotifyFunc, onReject func()) (*Gateway, *Key) {
	t.Helper()
	key := testKey(t)
	return NewGateway(key, "exchangeUpdated", onNotify, onReject), key
}

func postCallback(t *testing.T, router *mux.Router, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(http.MethodPost, "/callbacks/"+token, &buf)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestGatewayRejectsMalformedTokenWithoutLeakingCause(t *testing.T) {
	var rejected int
	gw, _ := newTestGateway(t, nil, func() { rejected++ })
	router := mux.NewRouter()
	gw.Register(router, "/callbacks", nil)

	rec := postCallback(t, router, "not-a-valid-token", map[string]interface{}{})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := rec.Body.String()
	assert.NotContains(t, body, "multibase")
	assert.NotContains(t, body, "signature separator")
	assert.Contains(t, body, "InvalidPushToken")
	assert.Equal(t, 1, rejected)
}

func TestGatewayRejectsExpiredTokenWithSameGenericBody(t *testing.T) {
	var rejected int
	gw, key := newTestGateway(t, nil, func() { rejected++ })
	router := mux.NewRouter()
	gw.Register(router, "/callbacks", nil)

	tok, err := CreatePushToken(key, "exchangeUpdated", time.Now().Add(-clockSkew-time.Minute))
	require.NoError(t, err)

	rec := postCallback(t, router, tok.Token, map[string]interface{}{})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := rec.Body.String()
	assert.NotContains(t, body, "expired")
	assert.NotContains(t, body, "mismatch")
	assert.Contains(t, body, "InvalidPushToken")
	assert.Equal(t, 1, rejected)
}

func TestGatewayRejectsSignatureMismatchWithSameGenericBody(t *testing.T) {
	var rejected int
	gw, key := newTestGateway(t, nil, func() { rejected++ })
	router := mux.NewRouter()
	gw.Register(router, "/callbacks", nil)

	tok, err := CreatePushToken(key, "exchangeUpdated", time.Now().Add(time.Minute))
	require.NoError(t, err)
	// Alter the second-to-last character: all six of its bits belong to the
	// signature, unlike the last one, whose low bits are padding.
	i := len(tok.Token) - 2
	flipped := byte('A')
	if tok.Token[i] == 'A' {
		flipped = 'B'
	}
	tampered := tok.Token[:i] + string(flipped) + tok.Token[i+1:]

	rec := postCallback(t, router, tampered, map[string]interface{}{})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := rec.Body.String()
	assert.NotContains(t, body, "mismatch")
	assert.NotContains(t, body, "expired")
	assert.Contains(t, body, "InvalidPushToken")

	// Expired and signature-mismatch failures must be indistinguishable
	// from the HTTP response alone.
	expiredGw, expiredKey := newTestGateway(t, nil, nil)
	expiredRouter := mux.NewRouter()
	expiredGw.Register(expiredRouter, "/callbacks", nil)
	expiredTok, err := CreatePushToken(expiredKey, "exchangeUpdated", time.Now().Add(-clockSkew-time.Minute))
	require.NoError(t, err)
	expiredRec := postCallback(t, expiredRouter, expiredTok.Token, map[string]interface{}{})
	assert.Equal(t, rec.Body.String(), expiredRec.Body.String())
	assert.Equal(t, 1, rejected)
}

func TestGatewayVerifiedCallbackTriggersRepoll(t *testing.T) {
	var gotEvent, gotExchangeID string
	notified := make(chan struct{}, 1)
	gw, key := newTestGateway(t, func(event, exchangeID string) {
		gotEvent = event
		gotExchangeID = exchangeID
		notified <- struct{}{}
	}, nil)
	router := mux.NewRouter()
	gw.Register(router, "/callbacks", nil)

	tok, err := CreatePushToken(key, "exchangeUpdated", time.Now().Add(time.Minute))
	require.NoError(t, err)

	body := map[string]interface{}{
		"event": map[string]interface{}{
			"data": map[string]interface{}{"exchangeId": "exchange-42"},
		},
	}
	rec := postCallback(t, router, tok.Token, body)

	assert.Equal(t, http.StatusNoContent, rec.Code)

	select {
	case <-notified:
	case <-time.After(time.Second):
		t.Fatal("onNotify was never called")
	}
	assert.Equal(t, "exchangeUpdated", gotEvent)
	assert.Equal(t, "exchange-42", gotExchangeID)
}

func TestGatewayRejectsMalformedCallbackBody(t *testing.T) {
	gw, key := newTestGateway(t, func(event, exchangeID string) {
		t.Fatal("onNotify should not be called for a malformed body")
	}, nil)
	router := mux.NewRouter()
	gw.Register(router, "/callbacks", nil)

	tok, err := CreatePushToken(key, "exchangeUpdated", time.Now().Add(time.Minute))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/callbacks/"+tok.Token, strings.NewReader("not json"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGatewayIssueHandlerMintsTokenAndFiresHook(t *testing.T) {
	var issued int
	gw, _ := newTestGateway(t, nil, nil)
	router := mux.NewRouter()
	gw.Register(router, "/callbacks", func(tok *PushToken) { issued++ })

	req := httptest.NewRequest(http.MethodPost, "/callbacks", bytes.NewReader(nil))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var tok PushToken
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tok))
	assert.Contains(t, tok.Token, ".")
	assert.Equal(t, 1, issued)
}
