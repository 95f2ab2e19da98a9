package auth

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
)

// SubprotocolPrefix marks the WebSocket subprotocol offer that carries the
// session token: `Sec-WebSocket-Protocol: access_token.<jwt>`.
const SubprotocolPrefix = "access_token."

// TokenSubprotocol scans the offered subprotocols for the first token-bearing
// entry and returns it together with the embedded token.
func TokenSubprotocol(offered []string) (proto, token string, ok bool) {
	for _, p := range offered {
		p = strings.TrimSpace(p)
		if strings.HasPrefix(p, SubprotocolPrefix) {
			return p, strings.TrimPrefix(p, SubprotocolPrefix), true
		}
	}
	return "", "", false
}

// GateRequest validates the token carried in an upgrade request's subprotocol
// offers and returns the exact subprotocol value the handshake must echo
// back; the browser only completes the handshake when the server's chosen
// subprotocol matches one it offered. The echo value is returned whenever a
// token-bearing offer is present, even on rejection: without it the browser
// aborts the handshake client-side and never observes the unauthorized
// close.
func (i *Issuer) GateRequest(r *http.Request) (echoProto string, err error) {
	proto, token, ok := TokenSubprotocol(websocket.Subprotocols(r))
	if !ok {
		return "", ErrNoToken
	}
	if err := i.Verify(token); err != nil {
		return proto, err
	}
	return proto, nil
}
