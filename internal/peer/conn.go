package peer

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"github.com/putto11262002/chatsync/pkg/socket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 1 << 16

	sendBufferSize = 64
)

// conn is one client connection. rooms is only touched by the server loop.
type conn struct {
	ws       *websocket.Conn
	id       string
	username string
	send     chan *socket.Packet
	server   *Server
	logger   *slog.Logger
	rooms    map[int64]struct{}
}

func (c *conn) readLoop() {
	defer func() {
		c.server.disconnect(c)
		c.ws.Close()
		c.logger.Debug("exited read loop")
	}()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		mt, r, err := c.ws.NextReader()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug(fmt.Sprintf("expected close: %v", err))
				return
			}
			if websocket.IsUnexpectedCloseError(err) {
				c.logger.Debug(fmt.Sprintf("unexpected close: %v", err))
				return
			}
			c.logger.Debug(fmt.Sprintf("NextReader: %v", err))
			return
		}

		packet, err := socket.DecodePacket(mt, r)
		if err != nil {
			c.logger.Error(fmt.Sprintf("DecodePacket: %v", err))
			continue
		}
		if !c.server.pass(&inPacket{Packet: packet, sender: c}) {
			return
		}
	}
}

func (c *conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
		c.logger.Debug("exited write loop")
	}()

	for {
		select {
		case packet, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := socket.EncodePacket(c.ws.NextWriter, packet); err != nil {
				c.logger.Error(fmt.Sprintf("EncodePacket: %v", err))
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug(fmt.Sprintf("WritePing: %v", err))
				return
			}
		}
	}
}
