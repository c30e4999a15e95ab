// Package pushtoken mints and verifies the stateless, HMAC-bound bearer
// tokens the origin uses to call back into this process and trigger an
// immediate re-poll (C1 in the notification substrate design).
//
// A token is logically the tuple (event, expires) concatenated with an
// HMAC-SHA256 signature over the base64url-encoded payload, using a
// process-wide symmetric key. Unlike the teacher's TokenBroker
// (internal/security/token_broker.go), there is no active/revoked token
// set here: the token is a pure bearer credential and verification is a
// stateless recomputation, per spec §4.1.
package pushtoken

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/ocx/backend/internal/notifyerr"
)

const (
	// multibaseU is the multibase prefix for base64url-encoded data.
	multibaseU = "u"

	// multikeyHeaderHigh/Low are the two-byte multikey header this package
	// accepts for the symmetric HMAC key (AES-256-sized key material
	// repurposed as an HMAC-SHA256 key, per spec §4.1).
	multikeyHeaderHigh = 0xA2
	multikeyHeaderLow  = 0x01

	keySize = 32

	defaultExpiry = 20 * time.Minute
	clockSkew     = 5 * time.Minute
)

// Key is a process-wide HMAC-SHA256 signing key loaded once at init.
type Key struct {
	mu         sync.RWMutex
	secret     []byte
	prevSecret []byte
	graceUntil time.Time
}

// LoadKey decodes a multibase-u(multikey) encoded secret into a Key.
// The secret must decode to exactly 2 header bytes (0xA2 0x01) followed by
// 32 bytes of key material. Any other header yields KindNotSupported; any
// other length yields KindData without echoing the offending length or
// bytes, so a misconfigured secret cannot leak its own prefix.
func LoadKey(multibaseSecret string) (*Key, error) {
	raw, err := decodeMultibaseU(multibaseSecret)
	if err != nil {
		if notifyerr.Is(err, notifyerr.KindNotSupported) {
			return nil, err
		}
		return nil, notifyerr.Wrap(notifyerr.KindData, "malformed multibase secret", err)
	}
	if len(raw) < 2 {
		return nil, notifyerr.New(notifyerr.KindData, "secret too short for a multikey header")
	}
	if raw[0] != multikeyHeaderHigh || raw[1] != multikeyHeaderLow {
		return nil, notifyerr.New(notifyerr.KindNotSupported, "unsupported multikey header")
	}
	body := raw[2:]
	if len(body) != keySize {
		return nil, notifyerr.New(notifyerr.KindData, "key material has the wrong length for its type")
	}
	k := &Key{secret: append([]byte(nil), body...)}
	return k, nil
}

// Rotate atomically replaces the signing secret, keeping the previous one
// valid for verification during the grace window. Mirrors
// TokenBroker.RotateKey's grace-window idiom; supplements spec §4.1 (which
// is silent on rotation) without changing the wire format or the
// createPushToken/verifyPushToken semantics spec.md documents.
func (k *Key) Rotate(newMultibaseSecret string, grace time.Duration) error {
	nk, err := LoadKey(newMultibaseSecret)
	if err != nil {
		return err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.prevSecret = k.secret
	k.secret = nk.secret
	k.graceUntil = time.Now().Add(grace)
	return nil
}

func (k *Key) candidates() [][]byte {
	k.mu.RLock()
	defer k.mu.RUnlock()
	cands := [][]byte{k.secret}
	if len(k.prevSecret) > 0 && time.Now().Before(k.graceUntil) {
		cands = append(cands, k.prevSecret)
	}
	return cands
}

func (k *Key) current() []byte {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.secret
}

// PushToken is the opaque bearer string handed to the origin.
type PushToken struct {
	Token     string
	Signature string
}

type payload struct {
	Event   string `json:"0"`
	Expires int64  `json:"1"`
}

// payload marshals as a JSON array [event, expires_ms], matching
// spec §3's "Payload = base64url(JSON([event, expires_ms]))".
func (p payload) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]interface{}{p.Event, p.Expires})
}

func (p *payload) UnmarshalJSON(data []byte) error {
	var tuple [2]json.RawMessage
	if err := json.Unmarshal(data, &tuple); err != nil {
		return err
	}
	if err := json.Unmarshal(tuple[0], &p.Event); err != nil {
		return err
	}
	return json.Unmarshal(tuple[1], &p.Expires)
}

// CreatePushToken mints a token binding event to an expiry. If expires is
// the zero Time, it defaults to now + 20 minutes.
func CreatePushToken(key *Key, event string, expires time.Time) (*PushToken, error) {
	if expires.IsZero() {
		expires = time.Now().Add(defaultExpiry)
	}
	p := payload{Event: event, Expires: expires.UnixMilli()}
	payloadJSON, err := json.Marshal(p)
	if err != nil {
		return nil, notifyerr.Wrap(notifyerr.KindOperation, "encode push token payload", err)
	}
	payloadB64 := base64.RawURLEncoding.EncodeToString(payloadJSON)
	sig := sign(key.current(), []byte(payloadB64))
	sigB64 := base64.RawURLEncoding.EncodeToString(sig)

	token := multibaseU + payloadB64 + "." + multibaseU + sigB64
	return &PushToken{Token: token, Signature: sigB64}, nil
}

// VerifiedToken is what VerifyPushToken returns on success.
type VerifiedToken struct {
	Event   string
	Expires time.Time
}

// VerifyPushToken validates token's structure, expiry (within clockSkew),
// optional event match, and HMAC signature in constant time. Any failure
// is wrapped and surfaced only as KindInvalidPushToken — expiry vs
// signature vs malformed-structure is never distinguished to the caller,
// per spec §7.
func VerifyPushToken(key *Key, token string, expectedEvent string) (*VerifiedToken, error) {
	v, err := verify(key, token, expectedEvent)
	if err != nil {
		return nil, notifyerr.Wrap(notifyerr.KindInvalidPushToken, "push token verification failed", err)
	}
	return v, nil
}

func verify(key *Key, token string, expectedEvent string) (*VerifiedToken, error) {
	parts := strings.SplitN(token, ".", 2)
	if len(parts) != 2 {
		return nil, notifyerr.New(notifyerr.KindSyntax, "push token missing signature separator")
	}
	payloadPart, sigPart := parts[0], parts[1]
	if !strings.HasPrefix(payloadPart, multibaseU) || !strings.HasPrefix(sigPart, multibaseU) {
		return nil, notifyerr.New(notifyerr.KindSyntax, "push token halves must be multibase-u")
	}
	payloadB64 := strings.TrimPrefix(payloadPart, multibaseU)
	sigB64 := strings.TrimPrefix(sigPart, multibaseU)

	payloadJSON, err := base64.RawURLEncoding.DecodeString(payloadB64)
	if err != nil {
		return nil, notifyerr.Wrap(notifyerr.KindSyntax, "invalid payload encoding", err)
	}
	presentedSig, err := base64.RawURLEncoding.DecodeString(sigB64)
	if err != nil {
		return nil, notifyerr.Wrap(notifyerr.KindSyntax, "invalid signature encoding", err)
	}

	var p payload
	if err := json.Unmarshal(payloadJSON, &p); err != nil {
		return nil, notifyerr.Wrap(notifyerr.KindSyntax, "invalid payload JSON", err)
	}

	expires := time.UnixMilli(p.Expires)
	if expires.Before(time.Now().Add(-clockSkew)) {
		return nil, notifyerr.New(notifyerr.KindConstraint, "push token expired")
	}
	if expectedEvent != "" && p.Event != expectedEvent {
		return nil, notifyerr.New(notifyerr.KindConstraint, "push token event mismatch")
	}

	valid := false
	for _, secret := range key.candidates() {
		expected := sign(secret, []byte(payloadB64))
		// hmac.Equal runs in constant time; trying each key candidate in
		// turn does not leak the match position within a single
		// comparison (P6's differential-timing property is about byte
		// position within one signature, not about which key matched).
		if hmac.Equal(presentedSig, expected) {
			valid = true
			break
		}
	}
	if !valid {
		return nil, notifyerr.New(notifyerr.KindConstraint, "push token signature mismatch")
	}

	return &VerifiedToken{Event: p.Event, Expires: expires}, nil
}

func sign(secret, data []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(data)
	return mac.Sum(nil)
}

func decodeMultibaseU(s string) ([]byte, error) {
	if !strings.HasPrefix(s, multibaseU) {
		return nil, notifyerr.New(notifyerr.KindNotSupported, "secret is not multibase-u encoded")
	}
	return base64.RawURLEncoding.DecodeString(strings.TrimPrefix(s, multibaseU))
}
