package nats_service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/refillhub/refill-sync/config"
	"github.com/refillhub/refill-sync/logger"
	"github.com/refillhub/refill-sync/metrics"
	"github.com/refillhub/refill-sync/models"
	"github.com/refillhub/refill-sync/transport"
	"github.com/rs/zerolog"
)

// NatsService is the backend transport over NATS. Reads and writes are
// request/reply calls answered by the backend; live channels are ephemeral
// JetStream consumers on the table's change subjects.
type NatsService struct {
	js     jetstream.JetStream
	nc     *nats.Conn
	stream string
	prefix string
	log    zerolog.Logger

	mu       sync.Mutex
	channels map[*Channel]struct{}
}

// NewNatsService connects to NATS and makes sure the change stream exists.
func NewNatsService(ctx context.Context, cfg config.NatsConfig) (*NatsService, error) {
	s := &NatsService{
		stream:   cfg.StreamName,
		prefix:   cfg.SubjectPrefix,
		log:      logger.For("nats"),
		channels: map[*Channel]struct{}{},
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name("refill-sync"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			s.log.Warn().Err(err).Msg("Disconnected from NATS")
			s.broadcast(transport.StatusChannelError, fmt.Errorf("nats disconnected: %w", err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			s.log.Info().Str("url", nc.ConnectedUrl()).Msg("Reconnected to NATS")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			s.broadcast(transport.StatusClosed, nats.ErrConnectionClosed)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create jetstream context: %w", err)
	}
	s.nc, s.js = nc, js

	if err := s.ensureStream(ctx); err != nil {
		nc.Close()
		return nil, err
	}
	return s, nil
}

func (s *NatsService) ensureStream(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	stream, err := s.js.Stream(ctx, s.stream)
	if err == nil {
		s.log.Info().Str("stream", stream.CachedInfo().Config.Name).Msg("Found existing stream")
		return nil
	}
	if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream '%s': %w", s.stream, err)
	}

	s.log.Info().Str("stream", s.stream).Msg("Stream not found, creating")
	_, err = s.js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        s.stream,
		Description: "Row changes of the refill collections",
		Subjects:    []string{streamSubjects(s.prefix)},
		MaxAge:      24 * time.Hour,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream '%s': %w", s.stream, err)
	}
	return nil
}

// Close drains nothing: live channels are told the connection closed.
func (s *NatsService) Close() {
	if s.nc != nil {
		s.nc.Close()
	}
}

func (s *NatsService) Connected() bool {
	return s.nc != nil && s.nc.IsConnected()
}

func (s *NatsService) FetchPage(ctx context.Context, table string, filter transport.Filter, order transport.Order, limit, offset int) ([]json.RawMessage, error) {
	return s.call(ctx, table, opFetch, request{Filter: &filter, Order: &order, Limit: limit, Offset: offset})
}

func (s *NatsService) Insert(ctx context.Context, table string, record any) (json.RawMessage, error) {
	rows, err := s.call(ctx, table, opInsert, request{Record: record})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("insert into %s: empty reply", table)
	}
	return rows[0], nil
}

func (s *NatsService) Update(ctx context.Context, table string, match []transport.Filter, patch any) ([]json.RawMessage, error) {
	return s.call(ctx, table, opUpdate, request{Match: match, Patch: patch})
}

func (s *NatsService) Delete(ctx context.Context, table string, id string) error {
	_, err := s.call(ctx, table, opDelete, request{ID: id})
	return err
}

func (s *NatsService) call(ctx context.Context, table, op string, req request) ([]json.RawMessage, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s request: %w", op, err)
	}
	msg, err := s.nc.RequestWithContext(ctx, requestSubject(s.prefix, table, op), data)
	if err != nil {
		return nil, fmt.Errorf("%s request to %s: %w", op, table, err)
	}
	return decodeReply(table, msg.Data)
}

func (s *NatsService) OpenChannel(table string, filter transport.Filter) transport.Channel {
	return &Channel{
		svc:      s,
		table:    table,
		filter:   filter,
		handlers: map[models.EventKind][]transport.EventHandler{},
	}
}

func (s *NatsService) track(c *Channel) {
	s.mu.Lock()
	s.channels[c] = struct{}{}
	s.mu.Unlock()
}

func (s *NatsService) untrack(c *Channel) {
	s.mu.Lock()
	delete(s.channels, c)
	s.mu.Unlock()
}

func (s *NatsService) broadcast(status transport.Status, err error) {
	s.mu.Lock()
	chans := make([]*Channel, 0, len(s.channels))
	for c := range s.channels {
		chans = append(chans, c)
	}
	s.mu.Unlock()

	for _, c := range chans {
		c.report(status, err)
	}
}

// Channel is a live change feed for one table and owner.
type Channel struct {
	svc    *NatsService
	table  string
	filter transport.Filter

	mu       sync.Mutex
	handlers map[models.EventKind][]transport.EventHandler
	status   transport.StatusFunc
	consumer jetstream.Consumer
	consume  jetstream.ConsumeContext
	closed   bool
}

func (c *Channel) On(kind models.EventKind, handler transport.EventHandler) transport.Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[kind] = append(c.handlers[kind], handler)
	return c
}

// Subscribe reports subscribing at once and subscribed once the consumer is
// delivering. It does not block.
func (c *Channel) Subscribe(status transport.StatusFunc) {
	c.mu.Lock()
	c.status = status
	c.mu.Unlock()

	c.report(transport.StatusSubscribing, nil)
	go c.start()
}

func (c *Channel) start() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	subjects := changeSubjects(c.svc.prefix, c.table, c.filter)
	cfg := jetstream.ConsumerConfig{
		DeliverPolicy:     jetstream.DeliverNewPolicy,
		AckPolicy:         jetstream.AckNonePolicy,
		InactiveThreshold: 5 * time.Minute,
	}
	if len(subjects) == 1 {
		cfg.FilterSubject = subjects[0]
	} else {
		cfg.FilterSubjects = subjects
	}

	cons, err := c.svc.js.CreateConsumer(ctx, c.svc.stream, cfg)
	if err != nil {
		c.report(statusFor(err), fmt.Errorf("failed to create consumer for %v: %w", subjects, err))
		return
	}
	cc, err := cons.Consume(c.handle, jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
		c.svc.log.Warn().Err(err).Str("table", c.table).Msg("Consumer error")
		c.report(statusFor(err), err)
	}))
	if err != nil {
		c.report(statusFor(err), fmt.Errorf("failed to start consuming %v: %w", subjects, err))
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cc.Stop()
		return
	}
	c.consumer, c.consume = cons, cc
	c.mu.Unlock()

	c.svc.track(c)
	c.svc.log.Debug().Strs("subjects", subjects).Msg("Channel subscribed")
	c.report(transport.StatusSubscribed, nil)
}

func (c *Channel) handle(msg jetstream.Msg) {
	ev, err := DecodeEvent(c.table, msg.Data())
	if err != nil {
		metrics.EventsDropped.WithLabelValues(c.table, "undecodable").Inc()
		c.svc.log.Warn().Err(err).Str("subject", msg.Subject()).Msg("Dropping undecodable change")
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	hs := append([]transport.EventHandler(nil), c.handlers[ev.Kind]...)
	c.mu.Unlock()

	for _, h := range hs {
		h(ev)
	}
}

// Unsubscribe stops the consumer. The ephemeral consumer is removed by the
// server once inactive.
func (c *Channel) Unsubscribe() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	cc := c.consume
	c.consume = nil
	c.mu.Unlock()

	c.svc.untrack(c)
	if cc != nil {
		cc.Stop()
	}
}

func (c *Channel) report(status transport.Status, err error) {
	c.mu.Lock()
	if c.closed || c.status == nil {
		c.mu.Unlock()
		return
	}
	fn := c.status
	c.mu.Unlock()
	fn(status, err)
}

// statusFor maps a consumer failure onto a channel status.
func statusFor(err error) transport.Status {
	switch {
	case errors.Is(err, jetstream.ErrNoHeartbeat), errors.Is(err, context.DeadlineExceeded), errors.Is(err, nats.ErrTimeout):
		return transport.StatusTimedOut
	case errors.Is(err, jetstream.ErrConsumerDeleted), errors.Is(err, nats.ErrConnectionClosed):
		return transport.StatusClosed
	default:
		return transport.StatusChannelError
	}
}
