package main

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ret2shell/wsvc/internal/wire"
	"github.com/ret2shell/wsvc/internal/wsvcerr"
)

// wsChannel adapts a gorilla/websocket connection to internal/wire.Channel.
// Each Send/Recv maps one-to-one onto a binary WebSocket message, which is
// exactly the message-boundary-preserving duplex channel the sync engine
// expects.
type wsChannel struct {
	conn *websocket.Conn
}

func (c *wsChannel) Send(msg []byte) error {
	if err := c.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
		return wsvcerr.Wrap(wsvcerr.IO, "transport: write message", err)
	}
	return nil
}

func (c *wsChannel) Recv() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, wsvcerr.Wrap(wsvcerr.IO, "transport: read message", err)
	}
	return data, nil
}

var _ wire.Channel = (*wsChannel)(nil)

// dialChannel opens a WebSocket connection to url and returns it wrapped
// as a Channel, for the Initiator side of clone/sync.
func dialChannel(ctx context.Context, url string) (*wsChannel, func() error, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, nil, wsvcerr.Wrap(wsvcerr.IO, "transport: dial "+url, err)
	}
	return &wsChannel{conn: conn}, conn.Close, nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  wire.MaxMessage,
	WriteBufferSize: wire.MaxMessage,
	CheckOrigin:     func(r *http.Request) bool { return true },
}
