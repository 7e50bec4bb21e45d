package authclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/coder/websocket"

	v1 "portal/shared/contracts/authevents/v1"
)

// Watch subscribes to server-pushed session events and blocks until ctx is
// done or the connection ends. A revocation of this client's session forces
// a logout and returns ErrRevokedToken. When the server closes the stream
// because the access token expired, Watch returns ErrExpiredToken and the
// caller may reconnect with the renewed token.
func (c *Client) Watch(ctx context.Context) error {
	tok, err := c.AccessToken(ctx)
	if err != nil {
		return err
	}

	u := *c.api.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u = *u.JoinPath("/auth/events")

	h := http.Header{}
	h.Set("Authorization", "Bearer "+tok)
	h.Set("Origin", c.api.base.Scheme+"://"+c.api.base.Host)

	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPHeader:   h,
		Subprotocols: []string{v1.Subprotocol},
	})
	if err != nil {
		return err
	}
	defer func() { _ = conn.CloseNow() }()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ce websocket.CloseError
			if errors.As(err, &ce) {
				switch ce.Reason {
				case "token expired":
					return ErrExpiredToken
				case "session revoked":
					c.forceLogout(ErrRevokedToken)
					return ErrRevokedToken
				}
			}
			return err
		}

		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Validate() != nil {
			c.log.Debug("client.watch.bad_envelope")
			continue
		}

		switch env.Type {
		case v1.TypeSessionRevoked, v1.TypeSessionsRevokedAll:
			if env.Revocation(c.current().SessionID) {
				c.forceLogout(ErrRevokedToken)
				_ = conn.Close(websocket.StatusNormalClosure, "revoked")
				return ErrRevokedToken
			}
			c.log.Info("client.watch.sibling_revoked", "type", env.Type)
		case v1.TypeError:
			var p v1.ErrorPayload
			_ = json.Unmarshal(env.Payload, &p)
			c.log.Warn("client.watch.error", "code", p.Code)
		}
	}
}
