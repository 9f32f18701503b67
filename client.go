package squeezer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

// ClientOption is a function that configures a client.
type ClientOption func(*Client)

var defaultPageSize = 50

// Client is the protocol engine for one squeezeserver connection. It
// issues extended query format commands, routes response lines back to
// the callback that asked for them by correlation id, and orders
// follow-up pages until a logical list is complete.
//
// Commands may be issued from any goroutine: they are queued on a
// dedicated send goroutine so no caller, and in particular no callback
// running on the response path, ever blocks on the wire. Follow-up page
// requests are written synchronously from the response path itself.
// Inbound lines are processed strictly one at a time, so the list parser
// is never reentered concurrently; the correlation registry is the only
// state shared with caller goroutines.
//
// No operation blocks waiting for a reply and there is no reply timeout:
// an unanswered request stays registered until its owner cancels it.
// Cancellation is local bookkeeping only and never sends a wire message.
type Client struct {
	catalog   *Catalog
	registry  *Registry
	transport Transport
	factory   ItemFactory
	observer  ConnectionObserver
	notify    func(line string)

	pageSize int
	logger   *slog.Logger

	sends chan []string
	done  chan struct{}
}

// WithCatalog replaces the default command catalog.
func WithCatalog(catalog *Catalog) ClientOption {
	return func(c *Client) {
		c.catalog = catalog
	}
}

// WithPageSize sets the page size used for follow-up page requests.
func WithPageSize(n int) ClientOption {
	return func(c *Client) {
		c.pageSize = n
	}
}

// WithLogger sets the logger for the client.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithConnectionObserver sets the collaborator notified of transport
// failures.
func WithConnectionObserver(observer ConnectionObserver) ClientOption {
	return func(c *Client) {
		c.observer = observer
	}
}

// WithNotificationFunc sets the handler for received lines that do not
// match any catalog command, such as server notifications and handshake
// replies.
func WithNotificationFunc(fn func(line string)) ClientOption {
	return func(c *Client) {
		c.notify = fn
	}
}

// NewClient creates a protocol engine over the given transport. The
// factory collaborator turns finalized records into typed domain objects.
// Call Listen to start processing received lines.
func NewClient(transport Transport, factory ItemFactory, options ...ClientOption) *Client {
	c := &Client{
		registry:  NewRegistry(),
		transport: transport,
		factory:   factory,
		logger:    slog.Default(),
		sends:     make(chan []string, 16),
		done:      make(chan struct{}),
	}
	for _, opt := range options {
		opt(c)
	}

	if c.catalog == nil {
		c.catalog = DefaultCatalog()
	}
	if c.pageSize == 0 {
		c.pageSize = defaultPageSize
	}

	return c
}

// Listen consumes the transport's received lines until the transport is
// closed or ctx is cancelled, processing each line to completion before
// the next. It also services the send queue. Listen blocks; run it on its
// own goroutine.
func (c *Client) Listen(ctx context.Context) {
	defer close(c.done)

	go c.processSends(ctx)

	for line := range c.transport.Lines() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		c.processLine(ctx, line)
	}
}

// Send queues the given command lines for transmission. Multi-line
// batches are flushed as a single write so their wire order is preserved.
// Send never blocks on the network and is safe from any goroutine.
func (c *Client) Send(lines ...string) {
	if len(lines) == 0 {
		return
	}
	select {
	case c.sends <- lines:
	case <-c.done:
		c.logger.Warn("dropping send, client stopped", "line", lines[0])
	}
}

// SendPlayerCommand queues the given command for the specified player.
func (c *Client) SendPlayerCommand(playerID, command string) {
	c.Send(Encode(playerID) + " " + command)
}

// Handshake sends the capability probe batch as one atomic write. The
// version query comes last: its reply signals that the handshake is
// complete. Replies do not match any catalog command and reach the
// notification handler.
func (c *Client) Handshake(ctx context.Context) error {
	return c.transport.Send(ctx,
		"listen 1",
		"can musicfolder ?",
		"can randomplay ?",
		"can favorites items ?",
		"can myapps items ?",
		"pref httpport ?",
		"pref jivealbumsort ?",
		"pref mediadirs ?",
		"version ?",
	)
}

// RequestItems issues an asynchronous query for the items of the named
// command. fn receives each page as it arrives; owner identifies the
// calling context for CancelRequests.
//
// A fresh query (start zero) first requests a single item to cheaply
// learn the total; remaining pages are ordered automatically as responses
// arrive. A negative start requests the entire list: the query is
// rewritten to start zero with the full-list marker, and the engine still
// follows pages should the server paginate the reply anyway.
//
// Each parameter is a "key:value" string, encoded for the wire here.
func (c *Client) RequestItems(name string, start int, params []string, fn ItemsFunc, owner any) error {
	return c.requestItems("", name, start, params, fn, owner)
}

// RequestPlayerItems is RequestItems for a player-specific command.
func (c *Client) RequestPlayerItems(playerID, name string, start int, params []string, fn ItemsFunc, owner any) error {
	if playerID == "" {
		return errors.New("squeezer: no player id")
	}
	return c.requestItems(Encode(playerID)+" ", name, start, params, fn, owner)
}

func (c *Client) requestItems(playerPrefix, name string, start int, params []string, fn ItemsFunc, owner any) error {
	if _, err := c.catalog.Lookup(name); err != nil {
		return fmt.Errorf("%w: %q", err, name)
	}

	if start < 0 {
		start = 0
		params = append(params[:len(params):len(params)], "full_list:1")
	}
	count := c.pageSize
	if start == 0 {
		count = 1
	}

	id := c.registry.Register(fn, owner)

	var sb strings.Builder
	sb.WriteString(playerPrefix)
	sb.WriteString(name)
	sb.WriteByte(' ')
	sb.WriteString(strconv.Itoa(start))
	sb.WriteByte(' ')
	sb.WriteString(strconv.Itoa(count))
	for _, p := range params {
		sb.WriteByte(' ')
		sb.WriteString(Encode(p))
	}
	sb.WriteByte(' ')
	sb.WriteString(EncodeTag("correlationid", strconv.Itoa(id)))

	c.Send(sb.String())
	return nil
}

// CancelRequests removes every pending request registered by owner, used
// when a calling context is torn down. Responses still in flight for the
// cancelled requests are dropped on arrival; nothing is sent to the
// server.
func (c *Client) CancelRequests(owner any) {
	if ids := c.registry.CancelOwner(owner); len(ids) > 0 {
		c.logger.Info("cancelled pending requests", "owner", fmt.Sprintf("%v", owner), "count", len(ids))
	}
}

func (c *Client) processSends(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case lines := <-c.sends:
			c.sendNow(ctx, lines...)
		}
	}
}

func (c *Client) sendNow(ctx context.Context, lines ...string) {
	if err := c.transport.Send(ctx, lines...); err != nil {
		c.logger.Error("failed to send command", "err", err)
		if c.observer != nil {
			c.observer.OnTransportError(err)
		}
	}
}

// processLine is the single response-processing path. Lines that resolve
// to a catalog command run through the list parser and the pagination
// driver; everything else goes to the notification handler.
func (c *Client) processLine(ctx context.Context, line string) {
	tokens := Fields(line)
	if len(tokens) == 0 {
		return
	}

	cmd, err := c.catalog.Resolve(tokens)
	if err != nil {
		if c.notify != nil {
			c.notify(line)
		}
		return
	}

	lr, err := parseList(cmd, tokens, c.factory, c.logger)
	if err != nil {
		c.logger.Error("abandoning response line", "cmd", cmd.Name, "err", err)
		return
	}

	fn, ok := c.registry.Lookup(lr.correlationID)
	if !ok {
		// Late or duplicate response for a retired id. Expected under
		// cancellation races, not an error.
		c.logger.Debug("dropping response for retired correlation id", "id", lr.correlationID)
		return
	}

	max := lr.dispatch(fn)

	nextStart, nextCount, done := nextWindow(lr.start, lr.requested, max, c.pageSize)
	if done {
		c.registry.Complete(lr.correlationID)
		return
	}
	// The correlation id travels with the sticky parameters, so the next
	// page reuses the same pending entry.
	c.sendNow(ctx, lr.followUp(nextStart, nextCount))
}
