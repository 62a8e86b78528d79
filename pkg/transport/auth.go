package transport

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"github.com/harun/onebot/pkg/protocol"
)

// accessToken extracts the token from the Authorization header, falling
// back to the access_token query parameter.
func accessToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("access_token")
}

// authorized reports whether r carries the expected token. An empty
// expected token disables the check.
func authorized(r *http.Request, expected string) bool {
	if expected == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(accessToken(r)), []byte(expected)) == 1
}

func setAccessToken(h http.Header, token string) {
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
}

// Sign computes the X-Signature value for a webhook body.
func Sign(body []byte, secret string) string {
	h := hmac.New(sha1.New, []byte(secret))
	h.Write(body)
	return fmt.Sprintf("sha1=%s", hex.EncodeToString(h.Sum(nil)))
}

// VerifySignature checks a webhook body against its X-Signature header.
func VerifySignature(body []byte, signature, secret string) bool {
	if secret == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(signature), []byte(Sign(body, secret))) == 1
}

// setIdentity writes the handshake headers announcing the local side.
func setIdentity(h http.Header, id Identity) {
	h.Set(HeaderVersion, protocol.Version)
	if id.Impl != "" {
		h.Set(HeaderImpl, id.Impl)
	}
	if !id.Key.IsZero() {
		h.Set(HeaderPlatform, id.Key.Platform)
		h.Set(HeaderSelfID, id.Key.SelfID)
	}
}

// readHandshake collects peer identity from handshake headers.
func readHandshake(h http.Header, remoteAddr string) Handshake {
	hs := Handshake{
		Impl:       h.Get(HeaderImpl),
		Version:    h.Get(HeaderVersion),
		RemoteAddr: remoteAddr,
		Key: protocol.BotKey{
			Platform: h.Get(HeaderPlatform),
			SelfID:   h.Get(HeaderSelfID),
		},
	}
	// Sec-WebSocket-Protocol: <version>.<impl>
	if proto := h.Get("Sec-WebSocket-Protocol"); proto != "" {
		version, impl, _ := strings.Cut(proto, ".")
		if hs.Version == "" {
			hs.Version = version
		}
		if hs.Impl == "" {
			hs.Impl = impl
		}
	}
	if hs.Key.Platform == "" || hs.Key.SelfID == "" {
		hs.Key = protocol.BotKey{}
	}
	return hs
}
