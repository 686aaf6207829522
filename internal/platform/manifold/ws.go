package manifold

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/manifoldbot/internal/domain"
	"github.com/alanyoungcy/manifoldbot/internal/metrics"
)

// DefaultWSURL is the public Manifold streaming endpoint.
const DefaultWSURL = "wss://api.manifold.markets/ws"

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// handshakeTimeout bounds the websocket upgrade.
	handshakeTimeout = 15 * time.Second

	// eventBuffer is the capacity of the decoded event channel.
	eventBuffer = 256
)

// Timeouts configures keepalive and staleness detection for a connection.
type Timeouts struct {
	AckTimeout    time.Duration // subscribe/unsubscribe ack deadline
	PingInterval  time.Duration // keepalive period while active
	PingTimeout   time.Duration // ping ack deadline
	IdleTimeout   time.Duration // max silence before the stream is presumed dead
	CheckInterval time.Duration // how often staleness is evaluated
}

// DefaultTimeouts returns the production keepalive settings.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		AckTimeout:    120 * time.Second,
		PingInterval:  30 * time.Second,
		PingTimeout:   60 * time.Second,
		IdleTimeout:   300 * time.Second,
		CheckInterval: time.Second,
	}
}

func (t Timeouts) withDefaults() Timeouts {
	d := DefaultTimeouts()
	if t.AckTimeout <= 0 {
		t.AckTimeout = d.AckTimeout
	}
	if t.PingInterval <= 0 {
		t.PingInterval = d.PingInterval
	}
	if t.PingTimeout <= 0 {
		t.PingTimeout = d.PingTimeout
	}
	if t.IdleTimeout <= 0 {
		t.IdleTimeout = d.IdleTimeout
	}
	if t.CheckInterval <= 0 {
		t.CheckInterval = d.CheckInterval
	}
	return t
}

type pendingAck struct {
	domain.PendingAck
	frameType string
}

type command struct {
	frameType string
	topics    []string
	reply     chan commandResult
}

type commandResult struct {
	txid int64
	err  error
}

// Conn is a single streaming connection to the Manifold websocket API.
//
// All protocol state (txid allocation, pending acks, ping tracking, last
// frame time) is owned by the run goroutine. Callers interact with it only
// through channels, so no lock is held across socket I/O.
type Conn struct {
	ws       *websocket.Conn
	timeouts Timeouts
	logger   *slog.Logger

	cmds     chan command
	frames   chan []byte
	readErr  chan error
	events   chan domain.FeedItem
	active   chan struct{}
	closeReq chan struct{}
	done     chan struct{}

	closeOnce sync.Once
	err       error // written by run before done is closed

	// Owned by run.
	nextTxID   int64
	pending    map[int64]pendingAck
	pingTxID   int64
	pingSentAt time.Time
	lastFrame  time.Time
	isActive   bool
}

// Dial opens a streaming connection. Failures wrap domain.ErrConnect.
func Dial(ctx context.Context, url string, timeouts Timeouts, logger *slog.Logger) (*Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
	}

	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("manifold/ws: dial: %w: %w", domain.ErrConnect, err)
	}

	c := &Conn{
		ws:        ws,
		timeouts:  timeouts.withDefaults(),
		logger:    logger.With(slog.String("component", "manifold_ws")),
		cmds:      make(chan command),
		frames:    make(chan []byte),
		readErr:   make(chan error, 1),
		events:    make(chan domain.FeedItem, eventBuffer),
		active:    make(chan struct{}),
		closeReq:  make(chan struct{}),
		done:      make(chan struct{}),
		pending:   make(map[int64]pendingAck),
		lastFrame: time.Now(),
	}

	go c.readLoop()
	go c.run()

	return c, nil
}

// Subscribe sends a subscribe frame for topics and returns its txid. The
// matching ack is tracked by the connection; a rejected ack ends the
// connection with domain.ErrSubscribeRejected.
func (c *Conn) Subscribe(ctx context.Context, topics []string) (int64, error) {
	return c.command(ctx, "subscribe", topics)
}

// Unsubscribe sends an unsubscribe frame for topics and returns its txid.
func (c *Conn) Unsubscribe(ctx context.Context, topics []string) (int64, error) {
	return c.command(ctx, "unsubscribe", topics)
}

// Events returns decoded market and bet events in receipt order. The channel
// is closed when the connection ends.
func (c *Conn) Events() <-chan domain.FeedItem {
	return c.events
}

// Active is closed once the first subscribe ack has been received.
func (c *Conn) Active() <-chan struct{} {
	return c.active
}

// Done is closed when the connection has ended.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the connection ended, or nil if it was closed by
// the caller. It is only meaningful after Done is closed.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Close shuts the connection down and waits for the run loop to exit.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.closeReq) })
	<-c.done
	return nil
}

func (c *Conn) command(ctx context.Context, frameType string, topics []string) (int64, error) {
	cmd := command{
		frameType: frameType,
		topics:    topics,
		reply:     make(chan commandResult, 1),
	}

	select {
	case c.cmds <- cmd:
	case <-c.done:
		if c.err != nil {
			return 0, c.err
		}
		return 0, fmt.Errorf("manifold/ws: %s: connection closed", frameType)
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	// run replies to every command it accepts before doing anything else.
	r := <-cmd.reply
	return r.txid, r.err
}

// --------------------------------------------------------------------------
// Goroutines
// --------------------------------------------------------------------------

func (c *Conn) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case c.readErr <- err:
			case <-c.done:
			}
			return
		}
		select {
		case c.frames <- data:
		case <-c.done:
			return
		}
	}
}

func (c *Conn) run() {
	check := time.NewTicker(c.timeouts.CheckInterval)
	defer check.Stop()
	ping := time.NewTicker(c.timeouts.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-c.closeReq:
			c.finish(nil)
			return

		case cmd := <-c.cmds:
			txid, err := c.send(cmd.frameType, cmd.topics)
			cmd.reply <- commandResult{txid: txid, err: err}
			if err != nil {
				c.finish(err)
				return
			}

		case data := <-c.frames:
			if err := c.handleFrame(data); err != nil {
				c.finish(err)
				return
			}

		case err := <-c.readErr:
			c.finish(fmt.Errorf("manifold/ws: read: %w: %w", domain.ErrConnect, err))
			return

		case now := <-check.C:
			if err := c.checkStale(now); err != nil {
				c.finish(err)
				return
			}

		case <-ping.C:
			if err := c.sendPing(); err != nil {
				c.finish(err)
				return
			}
		}
	}
}

func (c *Conn) finish(err error) {
	c.err = err
	if err != nil {
		c.logger.Warn("connection ended", slog.String("error", err.Error()))
	}
	_ = c.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	_ = c.ws.Close()
	close(c.events)
	close(c.done)
}

// --------------------------------------------------------------------------
// Outbound
// --------------------------------------------------------------------------

func (c *Conn) send(frameType string, topics []string) (int64, error) {
	c.nextTxID++
	txid := c.nextTxID

	if err := c.write(ClientFrame{Type: frameType, TxID: txid, Topics: topics}); err != nil {
		return 0, err
	}
	c.pending[txid] = pendingAck{
		PendingAck: domain.PendingAck{TxID: txid, SentAt: time.Now()},
		frameType:  frameType,
	}

	c.logger.Debug("sent command",
		slog.String("type", frameType),
		slog.Int64("txid", txid),
		slog.Any("topics", topics),
	)
	return txid, nil
}

func (c *Conn) sendPing() error {
	// An outstanding ping is left to the staleness check.
	if !c.isActive || c.pingTxID != 0 {
		return nil
	}
	c.nextTxID++
	txid := c.nextTxID
	if err := c.write(ClientFrame{Type: "ping", TxID: txid}); err != nil {
		return err
	}
	c.pingTxID = txid
	c.pingSentAt = time.Now()
	return nil
}

func (c *Conn) write(frame ClientFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("manifold/ws: marshal %s: %w", frame.Type, err)
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("manifold/ws: write %s: %w: %w", frame.Type, domain.ErrConnect, err)
	}
	return nil
}

// --------------------------------------------------------------------------
// Inbound
// --------------------------------------------------------------------------

// handleFrame processes one inbound frame. It returns an error only for
// conditions that end the connection; undecodable frames are dropped.
func (c *Conn) handleFrame(data []byte) error {
	c.lastFrame = time.Now()

	var f ServerFrame
	if err := json.Unmarshal(data, &f); err != nil {
		c.drop("malformed_json", fmt.Errorf("manifold/ws: %w: %w", domain.ErrFrameParse, err))
		return nil
	}

	switch f.Type {
	case "ack":
		metrics.FramesReceived.WithLabelValues("ack").Inc()
		return c.handleAck(f)
	case "broadcast":
		metrics.FramesReceived.WithLabelValues("broadcast").Inc()
		c.handleBroadcast(f)
		return nil
	default:
		metrics.FramesReceived.WithLabelValues("other").Inc()
		c.drop("unknown_type", fmt.Errorf("manifold/ws: %w: unknown frame type %q", domain.ErrFrameParse, f.Type))
		return nil
	}
}

func (c *Conn) handleAck(f ServerFrame) error {
	if c.pingTxID != 0 && f.TxID == c.pingTxID {
		c.pingTxID = 0
		if !f.Acked() {
			// A nacked ping still proves the server is answering.
			c.logger.Warn("ping rejected by server", slog.Int64("txid", f.TxID))
		}
		return nil
	}

	p, ok := c.pending[f.TxID]
	if !ok {
		c.logger.Debug("ack for unknown txid", slog.Int64("txid", f.TxID))
		return nil
	}
	delete(c.pending, f.TxID)

	if !f.Acked() {
		return fmt.Errorf("manifold/ws: %s txid %d: %w", p.frameType, f.TxID, domain.ErrSubscribeRejected)
	}
	if p.frameType == "subscribe" && !c.isActive {
		c.isActive = true
		close(c.active)
		c.logger.Info("subscription acknowledged", slog.Int64("txid", f.TxID))
	}
	return nil
}

func (c *Conn) handleBroadcast(f ServerFrame) {
	now := time.Now().UTC()

	switch f.Topic {
	case domain.TopicNewContract:
		var data NewContractData
		if err := json.Unmarshal(f.Data, &data); err != nil {
			c.drop("bad_payload", fmt.Errorf("manifold/ws: %w: new-contract: %w", domain.ErrFrameParse, err))
			return
		}
		if data.Contract == nil || data.Contract.ID == "" {
			c.drop("bad_payload", fmt.Errorf("manifold/ws: %w: new-contract without contract id", domain.ErrFrameParse))
			return
		}
		if data.Contract.MissingPrice() {
			c.drop("bad_payload", fmt.Errorf("manifold/ws: %w: binary contract %s without probability",
				domain.ErrFrameParse, data.Contract.ID))
			return
		}
		m := data.Contract.ToDomainMarket(data.Creator)
		c.emit(domain.FeedItem{Kind: domain.FeedMarket, Market: &m, At: now})

	case domain.TopicNewBet:
		var data NewBetData
		if err := json.Unmarshal(f.Data, &data); err != nil {
			c.drop("bad_payload", fmt.Errorf("manifold/ws: %w: new-bet: %w", domain.ErrFrameParse, err))
			return
		}
		if len(data.Bets) == 0 || data.Bets[0].ContractID == "" {
			c.drop("bad_payload", fmt.Errorf("manifold/ws: %w: new-bet without bets", domain.ErrFrameParse))
			return
		}
		b := data.Bets[0].ToDomainBet()
		c.emit(domain.FeedItem{Kind: domain.FeedBet, Bet: &b, At: now})

	default:
		c.drop("unknown_topic", fmt.Errorf("manifold/ws: %w: unknown topic %q", domain.ErrFrameParse, f.Topic))
	}
}

func (c *Conn) emit(item domain.FeedItem) {
	select {
	case c.events <- item:
	case <-c.closeReq:
	}
}

func (c *Conn) drop(reason string, err error) {
	metrics.FramesDropped.WithLabelValues(reason).Inc()
	level := slog.LevelWarn
	if reason == "unknown_type" || reason == "unknown_topic" {
		level = slog.LevelDebug
	}
	c.logger.Log(context.Background(), level, "dropped frame",
		slog.String("reason", reason),
		slog.String("error", err.Error()),
	)
}

// checkStale reports domain.ErrStaleConnection when an ack, a ping reply or
// any frame at all is overdue.
func (c *Conn) checkStale(now time.Time) error {
	for txid, p := range c.pending {
		if age := now.Sub(p.SentAt); age > c.timeouts.AckTimeout {
			return fmt.Errorf("manifold/ws: %s txid %d unacked after %s: %w",
				p.frameType, txid, age.Round(time.Millisecond), domain.ErrStaleConnection)
		}
	}
	if c.pingTxID != 0 {
		if age := now.Sub(c.pingSentAt); age > c.timeouts.PingTimeout {
			return fmt.Errorf("manifold/ws: ping txid %d unacked after %s: %w",
				c.pingTxID, age.Round(time.Millisecond), domain.ErrStaleConnection)
		}
	}
	if idle := now.Sub(c.lastFrame); idle > c.timeouts.IdleTimeout {
		return fmt.Errorf("manifold/ws: no frames for %s: %w", idle.Round(time.Millisecond), domain.ErrStaleConnection)
	}
	return nil
}
