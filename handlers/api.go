// Package handlers is the local HTTP and websocket surface of the sync
// engine. The UI signs in through /auth, reads and writes the synchronized
// collections over REST and follows them live on /ws/:collection.
package handlers

import (
	"context"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/refillhub/refill-sync/auth"
	"github.com/refillhub/refill-sync/diagnostics"
	"github.com/refillhub/refill-sync/logger"
	"github.com/refillhub/refill-sync/messages"
	"github.com/refillhub/refill-sync/models"
	"github.com/refillhub/refill-sync/orders"
	"github.com/refillhub/refill-sync/session"
	"github.com/refillhub/refill-sync/supervisor"
	"github.com/rs/zerolog"
)

// synced is what every collection manager exposes for status and paging.
type synced interface {
	Refresh(ctx context.Context) error
	LoadMore(ctx context.Context) (int, error)
	Retry() bool
	State() supervisor.State
	Err() error
	IsLoading() bool
	Watch() (<-chan struct{}, func())
}

type API struct {
	binder   *session.Binder
	provider *auth.Local
	diag     *diagnostics.Recorder
	loc      *time.Location
	now      func() time.Time
	log      zerolog.Logger
}

func New(binder *session.Binder, provider *auth.Local, diag *diagnostics.Recorder) *API {
	return &API{
		binder:   binder,
		provider: provider,
		diag:     diag,
		loc:      time.Local,
		now:      time.Now,
		log:      logger.For("http"),
	}
}

// Config is the fiber configuration the routes expect.
func (a *API) Config() fiber.Config {
	return fiber.Config{
		AppName:               "refill-sync",
		ErrorHandler:          a.handleError,
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
		DisableStartupMessage: true,
	}
}

func (a *API) Register(app *fiber.App) {
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
	app.Get("/diagnostics", a.diagnostics)

	ag := app.Group("/auth")
	ag.Post("/signin", a.signIn)
	ag.Post("/guest", a.signInGuest)
	ag.Post("/signout", a.signOut)
	ag.Post("/refresh", a.refreshToken)
	app.Get("/session", a.sessionInfo)

	for _, name := range []string{messages.Table, orders.Table} {
		g := app.Group("/" + name)
		g.Get("/status", a.status(name))
		g.Post("/refresh", a.refresh(name))
		g.Post("/more", a.loadMore(name))
		g.Post("/retry", a.retry(name))
	}

	mg := app.Group("/messages")
	mg.Get("/", a.listMessages)
	mg.Post("/", a.sendMessage)
	mg.Get("/unread", a.unread)
	mg.Post("/read", a.markAllRead)
	mg.Post("/:id/read", a.markRead)

	og := app.Group("/orders")
	og.Get("/", a.listOrders)
	og.Post("/", a.createOrder)
	og.Get("/:id", a.getOrder)
	og.Post("/:id/cancel", a.cancelOrder)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/:collection", websocket.New(a.HandleWebSocket))
}

func (a *API) handleError(c *fiber.Ctx, err error) error {
	code := statusFor(err)
	if code >= fiber.StatusInternalServerError {
		a.log.Error().Err(err).Str("path", c.Path()).Msg("Request failed")
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}

func (a *API) current() (*session.SyncSession, error) {
	sess := a.binder.Session()
	if sess == nil {
		return nil, errSignedOut
	}
	return sess, nil
}

func pick(sess *session.SyncSession, name string) (synced, error) {
	switch name {
	case messages.Table:
		return sess.Messages, nil
	case orders.Table:
		return sess.Orders, nil
	default:
		return nil, fiber.NewError(fiber.StatusNotFound, "unknown collection "+name)
	}
}

func (a *API) diagnostics(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"tables": a.diag.Snapshot()})
}

// --- Auth ---

func (a *API) signIn(c *fiber.Ctx) error {
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid body")
	}
	s, err := a.provider.SignIn(req.UserID)
	if err != nil {
		return err
	}
	return a.sessionReply(c, s)
}

func (a *API) signInGuest(c *fiber.Ctx) error {
	return a.sessionReply(c, a.provider.SignInGuest())
}

func (a *API) signOut(c *fiber.Ctx) error {
	a.provider.SignOut()
	return c.SendStatus(fiber.StatusNoContent)
}

func (a *API) refreshToken(c *fiber.Ctx) error {
	s, err := a.provider.RefreshToken()
	if err != nil {
		return errSignedOut
	}
	return a.sessionReply(c, s)
}

func (a *API) sessionReply(c *fiber.Ctx, s auth.Session) error {
	return c.JSON(fiber.Map{
		"identity":   s.Identity,
		"token":      s.Token,
		"expires_at": s.ExpiresAt,
		"state":      a.binder.State().String(),
	})
}

func (a *API) sessionInfo(c *fiber.Ctx) error {
	out := fiber.Map{"state": a.binder.State().String()}
	if id := a.binder.Identity(); !id.IsZero() {
		out["identity"] = id
	}
	return c.JSON(out)
}

// --- Collection control ---

type Status struct {
	Collection string `json:"collection"`
	State      string `json:"state"`
	Loading    bool   `json:"loading"`
	Error      string `json:"error,omitempty"`
}

func statusOf(name string, s synced) Status {
	st := Status{Collection: name, State: s.State().String(), Loading: s.IsLoading()}
	if err := s.Err(); err != nil {
		st.Error = err.Error()
	}
	return st
}

func (a *API) collection(name string) (synced, error) {
	sess, err := a.current()
	if err != nil {
		return nil, err
	}
	return pick(sess, name)
}

func (a *API) status(name string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		s, err := a.collection(name)
		if err != nil {
			return err
		}
		return c.JSON(statusOf(name, s))
	}
}

func (a *API) refresh(name string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		s, err := a.collection(name)
		if err != nil {
			return err
		}
		if err := s.Refresh(c.UserContext()); err != nil {
			return err
		}
		return c.JSON(statusOf(name, s))
	}
}

func (a *API) loadMore(name string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		s, err := a.collection(name)
		if err != nil {
			return err
		}
		n, err := s.LoadMore(c.UserContext())
		if err != nil {
			return err
		}
		return c.JSON(fiber.Map{"loaded": n})
	}
}

func (a *API) retry(name string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		s, err := a.collection(name)
		if err != nil {
			return err
		}
		return c.JSON(fiber.Map{"retried": s.Retry()})
	}
}

// --- Messages ---

func (a *API) listMessages(c *fiber.Ctx) error {
	sess, err := a.current()
	if err != nil {
		return err
	}
	list := sess.Messages.List()
	out := fiber.Map{
		"unread":  sess.Messages.UnreadCount(),
		"loading": sess.Messages.IsLoading(),
	}
	if c.QueryBool("grouped") {
		out["days"] = messages.GroupByDay(list, a.now(), a.loc)
	} else {
		out["messages"] = list
	}
	return c.JSON(out)
}

func (a *API) sendMessage(c *fiber.Ctx) error {
	sess, err := a.current()
	if err != nil {
		return err
	}
	var req struct {
		Content string `json:"content"`
	}
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid body")
	}
	msg, err := sess.Messages.Send(c.UserContext(), req.Content)
	if err != nil {
		// The unsent text goes back so the UI can restore the draft.
		return c.Status(statusFor(err)).JSON(fiber.Map{"error": err.Error(), "draft": msg.Content})
	}
	return c.Status(fiber.StatusCreated).JSON(msg)
}

func (a *API) unread(c *fiber.Ctx) error {
	sess, err := a.current()
	if err != nil {
		return err
	}
	if !c.QueryBool("verify") {
		return c.JSON(fiber.Map{"unread": sess.Messages.UnreadCount()})
	}
	n, ok := sess.Messages.VerifyUnread()
	return c.JSON(fiber.Map{"unread": n, "drifted": !ok})
}

func (a *API) markRead(c *fiber.Ctx) error {
	sess, err := a.current()
	if err != nil {
		return err
	}
	if err := sess.Messages.MarkRead(c.UserContext(), c.Params("id")); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"unread": sess.Messages.UnreadCount()})
}

func (a *API) markAllRead(c *fiber.Ctx) error {
	sess, err := a.current()
	if err != nil {
		return err
	}
	if err := sess.Messages.MarkAllRead(c.UserContext()); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"unread": sess.Messages.UnreadCount()})
}

// --- Orders ---

func (a *API) listOrders(c *fiber.Ctx) error {
	sess, err := a.current()
	if err != nil {
		return err
	}
	list := sess.Orders.List()
	if c.QueryBool("active") {
		list = sess.Orders.Active()
	}
	if list == nil {
		list = []models.Order{}
	}
	return c.JSON(fiber.Map{"orders": list, "loading": sess.Orders.IsLoading()})
}

func (a *API) createOrder(c *fiber.Ctx) error {
	sess, err := a.current()
	if err != nil {
		return err
	}
	var d orders.Draft
	if err := c.BodyParser(&d); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid body")
	}
	o, err := sess.Orders.Create(c.UserContext(), d)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(o)
}

func (a *API) getOrder(c *fiber.Ctx) error {
	sess, err := a.current()
	if err != nil {
		return err
	}
	o, ok := sess.Orders.Get(c.Params("id"))
	if !ok {
		return fiber.ErrNotFound
	}
	return c.JSON(o)
}

func (a *API) cancelOrder(c *fiber.Ctx) error {
	sess, err := a.current()
	if err != nil {
		return err
	}
	id := c.Params("id")
	if err := sess.Orders.Cancel(c.UserContext(), id); err != nil {
		return err
	}
	o, _ := sess.Orders.Get(id)
	return c.JSON(o)
}
