package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/InsulaLabs/ledgerfs/db/models"
	"github.com/gorilla/websocket"
)

// SubscribeMailbox streams fresh deliveries to the caller's mailbox until ctx
// is cancelled or the connection drops. A root client must name the account
// to watch; other clients watch their own and pass "".
func (c *Client) SubscribeMailbox(ctx context.Context, account string, onEvent func(models.MailboxEvent)) error {
	wsURL := *c.baseURL
	wsURL.Scheme = "wss"
	wsURL.Path = "/db/api/v1/mailbox/subscribe"
	if account != "" {
		wsURL.RawQuery = url.Values{"account": []string{account}}.Encode()
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.apiKey)

	dialer := websocket.Dialer{
		TLSClientConfig:  c.tlsConfig,
		HandshakeTimeout: c.httpClient.Timeout,
	}

	conn, resp, err := dialer.DialContext(ctx, wsURL.String(), header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			if apiErr := c.decodeResponse(resp, nil); apiErr != nil {
				return apiErr
			}
		}
		return fmt.Errorf("failed to dial %s: %w", wsURL.String(), err)
	}
	defer conn.Close()

	c.logger.Info("Subscribed to mailbox", "url", wsURL.String())

	// Closing the connection unblocks ReadMessage once ctx is done.
	stop := context.AfterFunc(ctx, func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if err := conn.WriteMessage(websocket.CloseMessage, msg); err != nil {
			c.logger.Debug("Error sending close message", "error", err)
		}
		conn.Close()
	})
	defer stop()

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}

		var event struct {
			Topic string              `json:"topic"`
			Data  models.MailboxEvent `json:"data"`
		}
		if err := json.Unmarshal(message, &event); err != nil {
			c.logger.Error("Failed to unmarshal event message", "error", err, "message", string(message))
			continue
		}
		if onEvent != nil {
			onEvent(event.Data)
		}
	}
}
