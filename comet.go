package squeezer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// cometRequestChannel is the channel one-shot requests are published to.
const cometRequestChannel = "/slim/request"

// cometResponseChannel names the per-request channel a response arrives
// on: /<clientID>/slim/request/<correlationid>.
func cometResponseChannel(clientID string, id int) string {
	return fmt.Sprintf("/%s/slim/request/%d", clientID, id)
}

// cometMessage is the envelope of the publish/subscribe wire format.
type cometMessage struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// cometRequest is the payload published for a one-shot request: the slim
// request array and the channel the response should be delivered on.
type cometRequest struct {
	Request  []any  `json:"request"`
	Response string `json:"response"`
}

// CometOption configures a CometClient.
type CometOption func(*CometClient)

// WithCometCatalog replaces the default command catalog.
func WithCometCatalog(catalog *Catalog) CometOption {
	return func(c *CometClient) {
		c.catalog = catalog
	}
}

// WithCometPageSize sets the page size used for follow-up page requests.
func WithCometPageSize(n int) CometOption {
	return func(c *CometClient) {
		c.pageSize = n
	}
}

// WithCometLogger sets the logger for the client.
func WithCometLogger(logger *slog.Logger) CometOption {
	return func(c *CometClient) {
		c.logger = logger
	}
}

// WithCometMaxPayloadSize caps the size of a single event payload from
// the server. Oversized events terminate the session.
func WithCometMaxPayloadSize(size int) CometOption {
	return func(c *CometClient) {
		c.maxPayloadSize = size
	}
}

// CometClient speaks the publish/subscribe variant of the squeezeserver
// protocol: requests are published as JSON messages over HTTP POST and
// responses arrive as server-sent events on per-request channels, items
// already shaped as field mappings instead of a token stream.
//
// It supports the same logical contract as Client, with the same command
// catalog and the same aggregation and pagination rules, so callers can
// switch wire formats without changing behavior.
type CometClient struct {
	httpClient *http.Client
	connectURL string
	messageURL string
	clientID   string

	catalog  *Catalog
	registry *Registry
	factory  ItemFactory

	pageSize       int
	maxPayloadSize int
	logger         *slog.Logger

	// queries carries the pagination context of each pending request,
	// keyed by the same correlation id the registry uses.
	mu      sync.Mutex
	queries map[int]*cometQuery
}

// cometQuery is the request context needed to order the next page.
type cometQuery struct {
	cmd    *Command
	player string
	params []string
	start  int
	count  int
}

// NewCometClient creates a publish/subscribe protocol client connecting
// at connectURL. A nil httpClient selects http.DefaultClient. The client
// must call StartSession to begin communication.
func NewCometClient(connectURL string, httpClient *http.Client, factory ItemFactory, options ...CometOption) *CometClient {
	cli := httpClient
	if cli == nil {
		cli = http.DefaultClient
	}
	c := &CometClient{
		httpClient: cli,
		connectURL: connectURL,
		clientID:   uuid.New().String(),
		registry:   NewRegistry(),
		factory:    factory,
		logger:     slog.Default(),
		queries:    make(map[int]*cometQuery),
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

// ClientID returns the identity embedded in this client's response
// channel names.
func (c *CometClient) ClientID() string {
	return c.clientID
}

// StartSession establishes the event stream and begins processing
// responses. It reports readiness through the ready channel, by closing
// it once the server has announced the publish endpoint or by feeding the
// failure. The session stays up until ctx is cancelled or the stream
// fails.
func (c *CometClient) StartSession(ctx context.Context, ready chan<- error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.connectURL, nil)
	if err != nil {
		close(ready)
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		close(ready)
		return fmt.Errorf("failed to connect: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		close(ready)
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	go c.listenEvents(resp.Body, ready)
	return nil
}

// RequestItems issues an asynchronous query for the items of the named
// command, delivering pages to fn exactly like Client.RequestItems: a
// fresh query discovers the total with a single-item request, a negative
// start fetches the entire list via the full-list marker, and follow-up
// pages are ordered until the reported total is reached. The driver
// handles both a single aggregated reply and a server that paginates
// despite the full-list marker.
func (c *CometClient) RequestItems(ctx context.Context, name string, start int, params []string, fn ItemsFunc, owner any) error {
	return c.requestItems(ctx, "", name, start, params, fn, owner)
}

// RequestPlayerItems is RequestItems for a player-specific command.
func (c *CometClient) RequestPlayerItems(ctx context.Context, playerID, name string, start int, params []string, fn ItemsFunc, owner any) error {
	if playerID == "" {
		return errors.New("squeezer: no player id")
	}
	return c.requestItems(ctx, playerID, name, start, params, fn, owner)
}

func (c *CometClient) requestItems(ctx context.Context, playerID, name string, start int, params []string, fn ItemsFunc, owner any) error {
	cmd, err := c.catalog.Lookup(name)
	if err != nil {
		return fmt.Errorf("%w: %q", err, name)
	}
	if c.messageURL == "" {
		return errors.New("squeezer: session not started")
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
	q := &cometQuery{cmd: cmd, player: playerID, params: params, start: start, count: count}

	c.mu.Lock()
	c.queries[id] = q
	c.mu.Unlock()

	if err := c.publish(ctx, id, q); err != nil {
		c.registry.Complete(id)
		c.mu.Lock()
		delete(c.queries, id)
		c.mu.Unlock()
		return err
	}
	return nil
}

// CancelRequests removes every pending request registered by owner. Local
// bookkeeping only; no unsubscribe is published.
func (c *CometClient) CancelRequests(owner any) {
	ids := c.registry.CancelOwner(owner)
	if len(ids) == 0 {
		return
	}
	c.mu.Lock()
	for _, id := range ids {
		delete(c.queries, id)
	}
	c.mu.Unlock()
	c.logger.Info("cancelled pending requests", "count", len(ids))
}

func (c *CometClient) publish(ctx context.Context, id int, q *cometQuery) error {
	slim := make([]any, 0, 2+len(q.params))
	for _, word := range strings.Fields(q.cmd.Name) {
		slim = append(slim, word)
	}
	slim = append(slim, q.start, q.count)
	for _, p := range q.params {
		slim = append(slim, p)
	}

	reqBs, err := json.Marshal(cometRequest{
		Request:  []any{q.player, slim},
		Response: cometResponseChannel(c.clientID, id),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	msgBs, err := json.Marshal(cometMessage{Channel: cometRequestChannel, Data: reqBs})
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.messageURL, bytes.NewReader(msgBs))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to publish request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return nil
}

func (c *CometClient) listenEvents(body io.ReadCloser, ready chan<- error) {
	defer body.Close()

	var config *sse.ReadConfig
	if c.maxPayloadSize > 0 {
		config = &sse.ReadConfig{MaxEventSize: c.maxPayloadSize}
	}

	for ev, err := range sse.Read(body, config) {
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				c.logger.Error("failed to read event", "err", err)
			}
			return
		}

		switch ev.Type {
		case "endpoint":
			u, err := url.Parse(ev.Data)
			if err != nil {
				ready <- fmt.Errorf("parse endpoint URL: %w", err)
				return
			}
			if u.String() == "" {
				ready <- errors.New("empty endpoint URL")
				return
			}
			c.messageURL = u.String()
			close(ready)
		case "message":
			if c.messageURL == "" {
				c.logger.Error("received message before endpoint URL")
				continue
			}

			var msg cometMessage
			if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil {
				c.logger.Error("failed to unmarshal message", "err", err)
				continue
			}
			c.handleMessage(msg)
		default:
			c.logger.Error("unhandled event type", "type", ev.Type)
		}
	}
}

// handleMessage routes one response to its pending request and runs the
// shared aggregation and pagination rules over its field mappings.
func (c *CometClient) handleMessage(msg cometMessage) {
	id, ok := c.correlationID(msg.Channel)
	if !ok {
		c.logger.Debug("ignoring message on foreign channel", "channel", msg.Channel)
		return
	}

	fn, ok := c.registry.Lookup(id)
	if !ok {
		// Late or duplicate response for a retired id.
		c.logger.Debug("dropping response for retired correlation id", "id", id)
		return
	}

	c.mu.Lock()
	q, ok := c.queries[id]
	c.mu.Unlock()
	if !ok {
		return
	}

	var data map[string]any
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		c.logger.Error("abandoning response", "cmd", q.cmd.Name, "err", err)
		return
	}

	lr, err := c.aggregate(q, id, data)
	if err != nil {
		c.logger.Error("abandoning response", "cmd", q.cmd.Name, "err", err)
		return
	}

	max := lr.dispatch(fn)

	nextStart, nextCount, done := nextWindow(lr.start, lr.requested, max, c.pageSize)
	if done {
		c.registry.Complete(id)
		c.mu.Lock()
		delete(c.queries, id)
		c.mu.Unlock()
		return
	}

	q.start, q.count = nextStart, nextCount
	if err := c.publish(context.Background(), id, q); err != nil {
		c.logger.Error("failed to order next page", "cmd", q.cmd.Name, "err", err)
	}
}

// aggregate converts one response payload into the same aggregated form
// the line parser produces, so dispatch and pagination are shared between
// the two wire formats. Items arrive as per-descriptor loop arrays of
// field mappings rather than a delimited token stream.
func (c *CometClient) aggregate(q *cometQuery, id int, data map[string]any) (*listResponse, error) {
	lr := &listResponse{
		cmd:           q.cmd,
		start:         q.start,
		requested:     q.count,
		correlationID: id,
		sticky:        make(map[string]string),
		params:        make(map[string]string),
		counts:        make(map[string]int),
		lists:         make([][]Item, len(q.cmd.Parsers)),
	}

	loops := make(map[string]int, len(q.cmd.Parsers))
	countKeys := make(map[string]struct{}, len(q.cmd.Parsers))
	for i, p := range q.cmd.Parsers {
		loops[p.LoopKey] = i
		countKeys[p.CountKey] = struct{}{}
	}

	actual := 0
	for key, value := range data {
		if _, ok := countKeys[key]; ok {
			lr.counts[key] = ParseIntOrZero(stringify(value))
			continue
		}
		if i, ok := loops[key]; ok {
			entries, ok := value.([]any)
			if !ok {
				return nil, fmt.Errorf("loop field %q is not an array", key)
			}
			for _, entry := range entries {
				fields, ok := entry.(map[string]any)
				if !ok {
					return nil, fmt.Errorf("loop entry in %q is not an object", key)
				}
				record := make(Record, len(fields))
				for k, v := range fields {
					record[k] = stringify(v)
				}
				item, err := c.factory.Build(q.cmd.Parsers[i].Kind, record)
				if err != nil {
					c.logger.Warn("dropping record", "cmd", q.cmd.Name, "kind", q.cmd.Parsers[i].Kind, "err", err)
					continue
				}
				lr.lists[i] = append(lr.lists[i], item)
			}
			if len(entries) > actual {
				actual = len(entries)
			}
			continue
		}
		if key == "rescan" {
			lr.rescan = ParseIntOrZero(stringify(value)) == 1
		}
		lr.params[key] = stringify(value)
	}

	// A server honoring the full-list marker aggregates the whole result
	// in one reply; count the delivered items so the window closes instead
	// of re-ordering pages that already arrived.
	if actual > lr.requested {
		lr.requested = actual
	}

	return lr, nil
}

// correlationID extracts the correlation id from a response channel name,
// rejecting channels addressed to other clients.
func (c *CometClient) correlationID(channel string) (int, bool) {
	prefix := fmt.Sprintf("/%s/slim/request/", c.clientID)
	if !strings.HasPrefix(channel, prefix) {
		return 0, false
	}
	id, err := strconv.Atoi(channel[len(prefix):])
	if err != nil {
		return 0, false
	}
	return id, true
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		if t {
			return "1"
		}
		return "0"
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}
