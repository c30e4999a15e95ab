package pushtoken

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/ocx/backend/internal/notifyerr"
)

// NotifyFunc is invoked after a push-token callback verifies successfully.
// event is the Gateway's bound event; exchangeID is the resource id the
// origin reports as changed, taken from the callback body's
// event.data.exchangeId, per spec §6's callback payload shape.
type NotifyFunc func(event, exchangeID string)

// Gateway wraps a Key and dispatches verified push-token callbacks to a
// registered handler. Mirrors the teacher's handler-wrapping middleware
// style (internal/middleware/rate_limiter.go's Allow-then-continue shape)
// adapted to a single-purpose verify-then-dispatch gate.
type Gateway struct {
	key      *Key
	event    string
	onNotify NotifyFunc
	onReject func()
	logger   *log.Logger
}

// NewGateway builds a Gateway that only accepts callbacks bound to event.
// onReject, if non-nil, fires on every rejected verification attempt
// (malformed token, expired, event mismatch, or signature mismatch) —
// useful for a caller-side failure counter, since the HTTP response itself
// never distinguishes the cause.
func NewGateway(key *Key, event string, onNotify NotifyFunc, onReject func()) *Gateway {
	return &Gateway{
		key:      key,
		event:    event,
		onNotify: onNotify,
		onReject: onReject,
		logger:   log.New(log.Writer(), "[PUSHTOKEN] ", log.LstdFlags),
	}
}

// callbackBody is the origin's callback payload, per spec §6:
// { event: { data: { exchangeId: <id> } } }.
type callbackBody struct {
	Event struct {
		Data struct {
			ExchangeID string `json:"exchangeId"`
		} `json:"data"`
	} `json:"event"`
}

// Handler returns an http.HandlerFunc suitable for registration on a
// gorilla/mux router at the origin-facing callback endpoint
// "/callbacks/{token}", per spec §6's "<baseUrl>/callbacks/<pushToken>"
// callback URL shape: the token is a path parameter, not a header.
//
// Any verification failure — malformed token, expired, event mismatch, or
// signature mismatch — is reported to the caller only as the generic
// InvalidPushToken kind; the distinguishing detail is logged server-side
// and never reaches the HTTP response, per spec §7.
func (g *Gateway) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := mux.Vars(r)["token"]
		if token == "" {
			if g.onReject != nil {
				g.onReject()
			}
			notifyerr.WriteHTTP(w, notifyerr.New(notifyerr.KindInvalidPushToken, "invalid push token"))
			return
		}

		v, err := VerifyPushToken(g.key, token, g.event)
		if err != nil {
			g.logger.Printf("push token rejected: %v", err)
			if g.onReject != nil {
				g.onReject()
			}
			notifyerr.WriteHTTP(w, notifyerr.New(notifyerr.KindInvalidPushToken, "invalid push token"))
			return
		}

		var body callbackBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			g.logger.Printf("push callback body decode failed: %v", err)
			notifyerr.WriteHTTP(w, notifyerr.New(notifyerr.KindSyntax, "malformed callback body"))
			return
		}
		_ = r.Body.Close()

		if g.onNotify != nil {
			g.onNotify(v.Event, body.Event.Data.ExchangeID)
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// issueRequest is IssueHandler's optional request body, letting a caller
// override the default token expiry.
type issueRequest struct {
	ExpiresInSec int64 `json:"expiresInSec"`
}

// IssueHandler returns an http.HandlerFunc that mints a push token bound to
// the gateway's event (spec §4.1's createPushToken), for operators to hand
// to an origin when registering a watch out-of-band. onIssued, if non-nil,
// is called after a successful mint so callers can track issuance.
func (g *Gateway) IssueHandler(onIssued func(tok *PushToken)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req issueRequest
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&req)
			_ = r.Body.Close()
		}

		var expires time.Time
		if req.ExpiresInSec > 0 {
			expires = time.Now().Add(time.Duration(req.ExpiresInSec) * time.Second)
		}

		tok, err := CreatePushToken(g.key, g.event, expires)
		if err != nil {
			notifyerr.WriteHTTP(w, notifyerr.New(notifyerr.KindOperation, "failed to mint push token"))
			return
		}
		if onIssued != nil {
			onIssued(tok)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(tok)
	}
}

// Register attaches the callback and issuance handlers to router, rooted
// at basePath (e.g. "/callbacks"): POST basePath/{token} verifies a
// callback, POST basePath mints a new token. onIssued, if non-nil, fires
// after each successful mint.
func (g *Gateway) Register(router *mux.Router, basePath string, onIssued func(tok *PushToken)) {
	router.HandleFunc(basePath+"/{token}", g.Handler()).Methods(http.MethodPost)
	router.HandleFunc(basePath, g.IssueHandler(onIssued)).Methods(http.MethodPost)
}
