// Package client is the Go SDK for the EpochMQ administrative API.
//
// # Quick start
//
//	c := client.New("http://localhost:8080")
//
//	// Produce immediately
//	id, err := c.Produce(ctx, "payments", "invoices", []byte(`{"amount":42}`))
//
//	// Produce in 1 hour, every day at 09:00 afterwards
//	id, err := c.Produce(ctx, "payments", "reports", []byte(`…`),
//	    client.WithDelay(time.Hour), client.WithCron("0 9 * * *"))
//
//	// Inspect and recover failures
//	page, err := c.List(ctx, "payments", "invoices", client.DeadLettered, 0, 50)
//	n, err := c.ReplayDeadLettered(ctx, "payments", "invoices", 0)
//
// # Error handling
//
// All methods return an *APIError when the server responds with a non-2xx
// status code. Check errors.As(err, &client.APIError{}) to inspect the HTTP
// status and server message.
//
// # Connection reuse
//
// Client is safe for concurrent use. It shares a single http.Client internally
// so connections are reused across goroutines.
package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// ─── Error type ───────────────────────────────────────────────────────────────

// APIError is returned when the EpochMQ server responds with a non-2xx status.
type APIError struct {
	StatusCode int    // HTTP status code
	Message    string // "error" field from the JSON response body
}

func (e *APIError) Error() string {
	return fmt.Sprintf("epochmq: server returned %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether the error is a 404 from the server.
func IsNotFound(err error) bool { return hasStatus(err, http.StatusNotFound) }

// IsConflict reports whether the error is a 409 from the server.
func IsConflict(err error) bool { return hasStatus(err, http.StatusConflict) }

// IsBusy reports whether the server could not take a lock (503). The call is
// safe to retry.
func IsBusy(err error) bool { return hasStatus(err, http.StatusServiceUnavailable) }

func hasStatus(err error, code int) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == code
}

// ─── Client options ───────────────────────────────────────────────────────────

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithAPIKey sets the API key sent in every request as the X-Api-Key header.
// Required when the server has auth.enabled = true.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-request timeout. The default is 30 seconds.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.http.Timeout = d }
}

// ─── Client ───────────────────────────────────────────────────────────────────

// Client is the EpochMQ API client. It is safe for concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New creates a new Client that connects to the EpochMQ server at baseURL.
func New(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ─── Produce options ──────────────────────────────────────────────────────────

// ProduceOption configures a single Produce call.
type ProduceOption func(*producePayload)

// WithDelay postpones the first delivery.
func WithDelay(d time.Duration) ProduceOption {
	return func(p *producePayload) { p.Delay = d.Milliseconds() }
}

// WithCron delivers the message on every tick of a 5 or 6 field cron
// expression.
func WithCron(expr string) ProduceOption {
	return func(p *producePayload) { p.CRON = expr }
}

// WithRepeat delivers the message n times, period apart.
func WithRepeat(n int, period time.Duration) ProduceOption {
	return func(p *producePayload) {
		p.Repeat = n
		p.Period = period.Milliseconds()
	}
}

// WithPriority routes the message through the priority variant. Lower values
// are delivered first.
func WithPriority(prio int) ProduceOption {
	return func(p *producePayload) { p.Priority = &prio }
}

// WithTTL discards the message if it is still pending after d.
func WithTTL(d time.Duration) ProduceOption {
	return func(p *producePayload) { p.TTL = d.Milliseconds() }
}

// WithRetryThreshold overrides the number of failed attempts before the
// message is dead-lettered. 0 uses the server default.
func WithRetryThreshold(n int) ProduceOption {
	return func(p *producePayload) { p.RetryThreshold = n }
}

// WithRetryDelay delays retries instead of re-enqueuing immediately.
func WithRetryDelay(d time.Duration) ProduceOption {
	return func(p *producePayload) { p.RetryDelay = d.Milliseconds() }
}

// WithConsumeTimeout bounds each handler invocation.
func WithConsumeTimeout(d time.Duration) ProduceOption {
	return func(p *producePayload) { p.ConsumeTimeout = d.Milliseconds() }
}

// WithMetadata attaches arbitrary key/value pairs to the message.
//
// Server limits: max 16 keys, key ≤ 64 bytes, value ≤ 512 bytes.
func WithMetadata(m map[string]string) ProduceOption {
	return func(p *producePayload) { p.Metadata = m }
}

// ─── Types ────────────────────────────────────────────────────────────────────

// Structure names a per-queue message structure.
type Structure string

const (
	Pending      Structure = "pending-messages"
	Priority     Structure = "pending-messages-with-priority"
	Acknowledged Structure = "acknowledged-messages"
	DeadLettered Structure = "dead-lettered-messages"
)

// QueueRef identifies a queue.
type QueueRef struct {
	Namespace string `json:"ns"`
	Name      string `json:"name"`
}

// Message is a stored message as returned by the listing endpoints.
type Message struct {
	ID          string            `json:"id"`
	Queue       *QueueRef         `json:"queue,omitempty"`
	Body        []byte            `json:"body"`
	Priority    *int              `json:"priority,omitempty"`
	PublishedAt int64             `json:"publishedAt"`
	EnqueuedAt  int64             `json:"enqueuedAt"`
	Attempts    int               `json:"attempts"`
	Origin      string            `json:"origin,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Item is a message and its position in the listed structure. The position
// pins administrative deletes and requeues.
type Item struct {
	Sequence int64    `json:"sequence"`
	Message  *Message `json:"message"`
}

// Page is one page of a listing.
type Page struct {
	Total int64  `json:"total"`
	Items []Item `json:"items"`
}

// QueueInfo is the size snapshot of a queue.
type QueueInfo struct {
	Namespace       string           `json:"namespace"`
	Name            string           `json:"name"`
	Pending         int64            `json:"pending"`
	PriorityPending int64            `json:"priorityPending"`
	InFlight        int64            `json:"inFlight"`
	Acknowledged    int64            `json:"acknowledged"`
	DeadLettered    int64            `json:"deadLettered"`
	Scheduled       *int64           `json:"scheduled,omitempty"`
	Counters        map[string]int64 `json:"counters,omitempty"`

	WorkerCounters map[string]map[string]int64 `json:"workerCounters,omitempty"`
}

// Consumer is an online worker.
type Consumer struct {
	Queue     QueueRef `json:"queue"`
	WorkerID  string   `json:"workerId"`
	Timestamp int64    `json:"timestamp"`
}

// NamespaceInfo is a registered namespace.
type NamespaceInfo struct {
	Name      string `json:"name"`
	CreatedAt int64  `json:"created_at"`
}

// Produced is the result of Produce.
type Produced struct {
	MessageID string `json:"messageId"`
	Scheduled bool   `json:"scheduled"`
}

// ─── Health ───────────────────────────────────────────────────────────────────

// Health returns nil when the server and its Redis are reachable.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

// ─── Produce ──────────────────────────────────────────────────────────────────

// Produce publishes body to ns/queue and returns the message id.
func (c *Client) Produce(ctx context.Context, ns, queue string, body []byte, opts ...ProduceOption) (string, error) {
	res, err := c.ProduceDetailed(ctx, ns, queue, body, opts...)
	if err != nil {
		return "", err
	}
	return res.MessageID, nil
}

// ProduceDetailed is Produce that also reports whether the message went to
// the scheduled set.
func (c *Client) ProduceDetailed(ctx context.Context, ns, queue string, body []byte, opts ...ProduceOption) (*Produced, error) {
	p := &producePayload{Body: base64.StdEncoding.EncodeToString(body)}
	for _, o := range opts {
		o(p)
	}
	var res Produced
	if err := c.do(ctx, http.MethodPost, queuePath(ns, queue)+"/messages", p, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ─── Queues ───────────────────────────────────────────────────────────────────

// Queues lists every queue as "ns/name".
func (c *Client) Queues(ctx context.Context) ([]string, error) {
	var resp struct {
		Queues []string `json:"queues"`
	}
	if err := c.do(ctx, http.MethodGet, "/queues", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Queues, nil
}

// QueueInfo returns the size snapshot of ns/queue.
func (c *Client) QueueInfo(ctx context.Context, ns, queue string) (*QueueInfo, error) {
	var info QueueInfo
	if err := c.do(ctx, http.MethodGet, queuePath(ns, queue)+"/metrics", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// DeleteQueue removes ns/queue with all of its messages.
func (c *Client) DeleteQueue(ctx context.Context, ns, queue string) error {
	return c.do(ctx, http.MethodDelete, queuePath(ns, queue), nil, nil)
}

// ─── Message structures ───────────────────────────────────────────────────────

// List pages through one structure of ns/queue.
func (c *Client) List(ctx context.Context, ns, queue string, s Structure, skip, take int64) (*Page, error) {
	q := url.Values{}
	q.Set("skip", strconv.FormatInt(skip, 10))
	q.Set("take", strconv.FormatInt(take, 10))
	var p Page
	if err := c.do(ctx, http.MethodGet, queuePath(ns, queue)+"/"+string(s)+"?"+q.Encode(), nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Delete removes one message. seq < 0 looks the message up by id.
func (c *Client) Delete(ctx context.Context, ns, queue string, s Structure, seq int64, id string) error {
	return c.do(ctx, http.MethodDelete, itemPath(ns, queue, s, id, seq), nil, nil)
}

// Purge empties one structure of ns/queue.
func (c *Client) Purge(ctx context.Context, ns, queue string, s Structure) error {
	return c.do(ctx, http.MethodDelete, queuePath(ns, queue)+"/"+string(s), nil, nil)
}

// Requeue moves one acknowledged or dead-lettered message back to pending
// and returns the id of the fresh copy, or "" when the message was already
// gone. priority may be nil.
func (c *Client) Requeue(ctx context.Context, ns, queue string, s Structure, seq int64, id string, priority *int) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	body := struct {
		Priority *int `json:"priority,omitempty"`
	}{priority}
	path := queuePath(ns, queue) + "/" + string(s) + "/" + url.PathEscape(id) + "/requeue" + seqQuery(seq)
	if err := c.do(ctx, http.MethodPost, path, body, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// ReplayDeadLettered requeues up to limit of the oldest dead-lettered
// messages (all when limit <= 0).
func (c *Client) ReplayDeadLettered(ctx context.Context, ns, queue string, limit int64) (int, error) {
	var resp struct {
		Replayed int `json:"replayed"`
	}
	path := queuePath(ns, queue) + "/dead-lettered-messages/replay"
	if limit > 0 {
		path += "?limit=" + strconv.FormatInt(limit, 10)
	}
	if err := c.do(ctx, http.MethodPost, path, nil, &resp); err != nil {
		return 0, err
	}
	return resp.Replayed, nil
}

// ─── Scheduled messages ───────────────────────────────────────────────────────

// Scheduled pages through the scheduled set. ns and queue select the set of
// one queue when the server keeps per-queue sets and may be empty otherwise.
func (c *Client) Scheduled(ctx context.Context, ns, queue string, skip, take int64) (*Page, error) {
	q := scheduledQuery(ns, queue)
	q.Set("skip", strconv.FormatInt(skip, 10))
	q.Set("take", strconv.FormatInt(take, 10))
	var p Page
	if err := c.do(ctx, http.MethodGet, "/scheduled-messages?"+q.Encode(), nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// GetScheduled returns one scheduled message.
func (c *Client) GetScheduled(ctx context.Context, id string) (*Message, error) {
	var m Message
	if err := c.do(ctx, http.MethodGet, "/scheduled-messages/"+url.PathEscape(id), nil, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// DeleteScheduled removes a scheduled message or periodic template.
func (c *Client) DeleteScheduled(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/scheduled-messages/"+url.PathEscape(id), nil, nil)
}

// PurgeScheduled empties the scheduled set.
func (c *Client) PurgeScheduled(ctx context.Context, ns, queue string) error {
	path := "/scheduled-messages"
	if q := scheduledQuery(ns, queue); len(q) > 0 {
		path += "?" + q.Encode()
	}
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// ─── Consumers ────────────────────────────────────────────────────────────────

// Consumers lists every online worker.
func (c *Client) Consumers(ctx context.Context) ([]Consumer, error) {
	var resp struct {
		Consumers []Consumer `json:"consumers"`
	}
	if err := c.do(ctx, http.MethodGet, "/consumers", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Consumers, nil
}

// Subscribe registers a webhook that receives every message of ns/queue.
// When secret is non-empty each delivery is signed with HMAC-SHA256 in the
// X-EpochMQ-Signature header.
func (c *Client) Subscribe(ctx context.Context, ns, queue, webhookURL, secret string) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	body := map[string]string{"url": webhookURL, "secret": secret}
	if err := c.do(ctx, http.MethodPost, queuePath(ns, queue)+"/subscriptions", body, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// Unsubscribe removes a webhook subscription.
func (c *Client) Unsubscribe(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/subscriptions/"+url.PathEscape(id), nil, nil)
}

// ─── Namespaces ───────────────────────────────────────────────────────────────

// CreateNamespace registers a namespace.
func (c *Client) CreateNamespace(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "/namespaces", map[string]string{"name": name}, nil)
}

// Namespaces lists the registered namespaces.
func (c *Client) Namespaces(ctx context.Context) ([]NamespaceInfo, error) {
	var resp struct {
		Namespaces []NamespaceInfo `json:"namespaces"`
	}
	if err := c.do(ctx, http.MethodGet, "/namespaces", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Namespaces, nil
}

// DeleteNamespace removes an empty namespace.
func (c *Client) DeleteNamespace(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/namespaces/"+url.PathEscape(name), nil, nil)
}

// ─── HTTP transport ───────────────────────────────────────────────────────────

// do performs a single HTTP request.
// body is encoded as JSON when non-nil, resp is decoded from JSON when non-nil.
// A 204 No Content response is treated as success with no body.
func (c *Client) do(ctx context.Context, method, path string, body, resp any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("epochmq: marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("epochmq: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	httpResp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("epochmq: request %s %s: %w", method, path, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode == http.StatusNoContent {
		return nil
	}

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("epochmq: read response body: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(respBody, &errResp)
		msg := errResp.Error
		if msg == "" {
			msg = http.StatusText(httpResp.StatusCode)
		}
		return &APIError{StatusCode: httpResp.StatusCode, Message: msg}
	}

	if resp != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, resp); err != nil {
			return fmt.Errorf("epochmq: decode response: %w", err)
		}
	}
	return nil
}

// ─── Internal wire types ──────────────────────────────────────────────────────

type producePayload struct {
	Body           string            `json:"body"`
	Priority       *int              `json:"priority,omitempty"`
	TTL            int64             `json:"ttl,omitempty"`
	RetryThreshold int               `json:"retry_threshold,omitempty"`
	RetryDelay     int64             `json:"retry_delay,omitempty"`
	ConsumeTimeout int64             `json:"consume_timeout,omitempty"`
	Delay          int64             `json:"delay,omitempty"`
	CRON           string            `json:"cron,omitempty"`
	Repeat         int               `json:"repeat,omitempty"`
	Period         int64             `json:"period,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

func queuePath(ns, queue string) string {
	return "/namespaces/" + url.PathEscape(ns) + "/queues/" + url.PathEscape(queue)
}

func itemPath(ns, queue string, s Structure, id string, seq int64) string {
	return queuePath(ns, queue) + "/" + string(s) + "/" + url.PathEscape(id) + seqQuery(seq)
}

func seqQuery(seq int64) string {
	if seq < 0 {
		return ""
	}
	return "?seq=" + strconv.FormatInt(seq, 10)
}

func scheduledQuery(ns, queue string) url.Values {
	q := url.Values{}
	if ns != "" {
		q.Set("ns", ns)
	}
	if queue != "" {
		q.Set("queue", queue)
	}
	return q
}
