package handlers

import (
	"context"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/refillhub/refill-sync/config"
	"github.com/refillhub/refill-sync/messages"
	"github.com/refillhub/refill-sync/models"
	"github.com/refillhub/refill-sync/orders"
	"github.com/rs/zerolog"
)

// Command is a write sent by the websocket peer.
type Command struct {
	Action  string `json:"action"` // send, read, read_all, cancel, refresh, more, retry
	ID      string `json:"id,omitempty"`
	Content string `json:"content,omitempty"`
}

// Reply answers one Command.
type Reply struct {
	Type   string `json:"type"` // always "reply"
	Action string `json:"action"`
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
	Draft  string `json:"draft,omitempty"`
}

// Snapshot is the full view of one collection pushed after every change.
type Snapshot struct {
	Type       string              `json:"type"` // always "snapshot"
	Collection string              `json:"collection"`
	Session    string              `json:"session"`
	Identity   *models.Identity    `json:"identity,omitempty"`
	Status     *Status             `json:"status,omitempty"`
	Days       []messages.DayGroup `json:"days,omitempty"`
	Unread     int                 `json:"unread"`
	Orders     []models.Order      `json:"orders,omitempty"`
}

// Snapshot builds the current view of collection name.
func (a *API) Snapshot(name string) Snapshot {
	snap := Snapshot{Type: "snapshot", Collection: name, Session: a.binder.State().String()}
	sess := a.binder.Session()
	if sess == nil {
		return snap
	}
	id := sess.Identity
	snap.Identity = &id

	s, err := pick(sess, name)
	if err != nil {
		return snap
	}
	st := statusOf(name, s)
	snap.Status = &st

	switch name {
	case messages.Table:
		snap.Days = messages.GroupByDay(sess.Messages.List(), a.now(), a.loc)
		snap.Unread = sess.Messages.UnreadCount()
	case orders.Table:
		snap.Orders = sess.Orders.List()
	}
	return snap
}

// Apply runs one websocket command against collection name.
func (a *API) Apply(ctx context.Context, name string, cmd Command) Reply {
	r := Reply{Type: "reply", Action: cmd.Action}
	err := a.apply(ctx, name, cmd, &r)
	if err != nil {
		r.Error = err.Error()
	} else {
		r.OK = true
	}
	return r
}

func (a *API) apply(ctx context.Context, name string, cmd Command, r *Reply) error {
	sess, err := a.current()
	if err != nil {
		return err
	}
	s, err := pick(sess, name)
	if err != nil {
		return err
	}

	switch cmd.Action {
	case "refresh":
		return s.Refresh(ctx)
	case "more":
		_, err := s.LoadMore(ctx)
		return err
	case "retry":
		s.Retry()
		return nil
	}

	switch {
	case name == messages.Table && cmd.Action == "send":
		msg, err := sess.Messages.Send(ctx, cmd.Content)
		if err != nil {
			r.Draft = msg.Content
		}
		return err
	case name == messages.Table && cmd.Action == "read":
		return sess.Messages.MarkRead(ctx, cmd.ID)
	case name == messages.Table && cmd.Action == "read_all":
		return sess.Messages.MarkAllRead(ctx)
	case name == orders.Table && cmd.Action == "cancel":
		return sess.Orders.Cancel(ctx, cmd.ID)
	default:
		return fiber.NewError(fiber.StatusBadRequest, "unknown action "+cmd.Action)
	}
}

// Client follows one collection for a websocket peer.
type Client struct {
	Conn       *websocket.Conn
	API        *API
	Collection string
	ReplyChan  chan Reply    // Replies from the reader, written by the writer
	DoneChan   chan struct{} // Closed when the reader exits
	log        zerolog.Logger
}

func NewClient(conn *websocket.Conn, api *API, collection string) *Client {
	return &Client{
		Conn:       conn,
		API:        api,
		Collection: collection,
		ReplyChan:  make(chan Reply, 16),
		DoneChan:   make(chan struct{}),
		log:        api.log.With().Str("collection", collection).Logger(),
	}
}

// HandleRead reads commands from the peer and queues their replies.
func (c *Client) HandleRead(ctx context.Context) {
	defer func() {
		c.log.Debug().Msg("Reader closed")
		close(c.DoneChan)
	}()
	c.Conn.SetReadLimit(config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(config.PongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(config.PongWait))
		return nil
	})

	for {
		var cmd Command
		if err := c.Conn.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn().Err(err).Msg("WebSocket read error")
			} else {
				c.log.Debug().Err(err).Msg("WebSocket closed")
			}
			return
		}
		if cmd.Action == "" {
			continue
		}

		reply := c.API.Apply(ctx, c.Collection, cmd)
		select {
		case c.ReplyChan <- reply:
		case <-ctx.Done():
			return
		}
	}
}

// HandleWrite pushes a snapshot whenever the collection or the session
// changes, plus queued replies and pings.
func (c *Client) HandleWrite() {
	ticker := time.NewTicker(config.PingPeriod)
	sessionUpdates, stopSession := c.API.binder.Watch()
	var (
		updates  <-chan struct{}
		stopColl = func() {}
	)
	attach := func() {
		stopColl()
		updates, stopColl = nil, func() {}
		if sess := c.API.binder.Session(); sess != nil {
			if s, err := pick(sess, c.Collection); err == nil {
				updates, stopColl = s.Watch()
			}
		}
	}
	defer func() {
		ticker.Stop()
		stopSession()
		stopColl()
		c.log.Debug().Msg("Writer closed")
	}()

	write := func(v any) bool {
		c.Conn.SetWriteDeadline(time.Now().Add(config.WriteWait))
		if err := c.Conn.WriteJSON(v); err != nil {
			c.log.Warn().Err(err).Msg("WebSocket write error")
			return false
		}
		return true
	}

	attach()
	if !write(c.API.Snapshot(c.Collection)) {
		return
	}
	for {
		select {
		case <-sessionUpdates:
			attach()
			if !write(c.API.Snapshot(c.Collection)) {
				return
			}

		case <-updates:
			if !write(c.API.Snapshot(c.Collection)) {
				return
			}

		case reply := <-c.ReplyChan:
			if !write(reply) {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(config.WriteWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.log.Warn().Err(err).Msg("WebSocket ping error")
				return
			}

		case <-c.DoneChan:
			return
		}
	}
}

// HandleWebSocket serves /ws/:collection until the peer goes away.
func (a *API) HandleWebSocket(conn *websocket.Conn) {
	name := conn.Params("collection")
	if name != messages.Table && name != orders.Table {
		conn.WriteJSON(fiber.Map{"error": "unknown collection " + name})
		conn.Close()
		return
	}

	client := NewClient(conn, a, name)
	client.log.Info().Msg("Client connected")

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		client.log.Info().Msg("Client disconnected")
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		client.HandleWrite()
		// Unblock the reader when the writer gives up first.
		cancel()
		conn.Close()
	}()

	client.HandleRead(ctx)
	<-writerDone
}
