package consumer

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/snehjoshi/epochmq/internal/node"
	"github.com/snehjoshi/epochmq/internal/queue"
	"github.com/snehjoshi/epochmq/internal/types"
)

// ErrSubscriptionNotFound is returned for an unknown subscription id.
var ErrSubscriptionNotFound = fmt.Errorf("consumer: subscription: %w", types.ErrNotFound)

// SignatureHeader carries the HMAC-SHA256 of the request body when the
// subscription has a secret.
const SignatureHeader = "X-EpochMQ-Signature"

// Subscription describes a registered webhook.
type Subscription struct {
	ID       string         `json:"id"`
	Queue    types.QueueRef `json:"queue"`
	URL      string         `json:"url"`
	WorkerID string         `json:"workerId"`
}

type subscription struct {
	Subscription
	cancel context.CancelFunc
	done   chan struct{}
}

// WebhookConfig tunes webhook delivery.
type WebhookConfig struct {
	// Timeout bounds one POST when the message carries no consume timeout.
	Timeout time.Duration
	// Wait is the dequeue block time of each subscription worker.
	Wait time.Duration
}

// Subscriptions runs one Worker per registered webhook. Subscriptions are
// process-local; the messages they consume are not.
type Subscriptions struct {
	queues *queue.Manager
	cfg    WebhookConfig
	client *http.Client
	self   *node.Node
	logger *slog.Logger

	mu   sync.Mutex
	subs map[string]*subscription
}

// NewSubscriptions returns an empty registry.
func NewSubscriptions(queues *queue.Manager, cfg WebhookConfig, self *node.Node) *Subscriptions {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Wait <= 0 {
		cfg.Wait = DefaultWait
	}
	return &Subscriptions{
		queues: queues,
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		self:   self,
		logger: queues.Store().Logger(),
		subs:   make(map[string]*subscription),
	}
}

// Register starts delivering messages of ref to rawURL and returns the
// subscription id.
func (s *Subscriptions) Register(ref types.QueueRef, rawURL, secret string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: invalid webhook url %q", types.ErrInvariantViolation, rawURL)
	}
	id, err := node.NewID()
	if err != nil {
		return "", fmt.Errorf("consumer: generate subscription ID: %w", err)
	}

	hook := &webhook{client: s.client, url: rawURL, secret: secret}
	w, err := NewWorker(s.queues, ref, hook,
		WithWait(s.cfg.Wait), WithNode(s.self), WithLogger(s.logger))
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		Subscription: Subscription{ID: id, Queue: ref, URL: rawURL, WorkerID: w.ID()},
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	s.mu.Lock()
	s.subs[id] = sub
	s.mu.Unlock()

	go func() {
		defer close(sub.done)
		if err := w.Run(ctx); err != nil {
			s.logger.Error("consumer: subscription stopped", "sub", id, "err", err)
		}
	}()
	s.logger.Info("subscription registered", "id", id, "ns", ref.Namespace, "queue", ref.Name, "url", rawURL)
	return id, nil
}

// Deregister stops a subscription and waits for its in-progress delivery.
func (s *Subscriptions) Deregister(ctx context.Context, id string) error {
	s.mu.Lock()
	sub, ok := s.subs[id]
	if ok {
		delete(s.subs, id)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSubscriptionNotFound, id)
	}
	sub.cancel()
	select {
	case <-sub.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.logger.Info("subscription deregistered", "id", id)
	return nil
}

// List returns every subscription sorted by id.
func (s *Subscriptions) List() []Subscription {
	s.mu.Lock()
	out := make([]Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		out = append(out, sub.Subscription)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close stops every subscription and waits for them.
func (s *Subscriptions) Close(ctx context.Context) error {
	s.mu.Lock()
	subs := s.subs
	s.subs = make(map[string]*subscription)
	s.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
	}
	var errs []error
	for _, sub := range subs {
		select {
		case <-sub.done:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("subscription %s: %w", sub.ID, ctx.Err()))
		}
	}
	return errors.Join(errs...)
}

// ─── delivery ────────────────────────────────────────────────────────────────

// webhookPayload is the JSON body POSTed to the webhook URL.
type webhookPayload struct {
	ID          string            `json:"id"`
	Body        string            `json:"body"` // base64-encoded
	Namespace   string            `json:"namespace"`
	Queue       string            `json:"queue"`
	Attempts    int               `json:"attempts"`
	PublishedAt int64             `json:"published_at"`
	Origin      string            `json:"origin,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// webhook is the Handler of a subscription.
type webhook struct {
	client *http.Client
	url    string
	secret string
}

// Handle POSTs msg to the webhook URL. Only a 2xx response acknowledges.
func (h *webhook) Handle(ctx context.Context, msg *types.Message) error {
	p := webhookPayload{
		ID:          msg.ID,
		Body:        base64.StdEncoding.EncodeToString(msg.Body),
		Attempts:    msg.Attempts,
		PublishedAt: msg.PublishedAt,
		Origin:      msg.Origin,
		Metadata:    msg.Metadata,
	}
	if msg.Queue != nil {
		p.Namespace = msg.Queue.Namespace
		p.Queue = msg.Queue.Name
	}

	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("consumer: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("consumer: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	// Sign the request body when a secret is provided.
	if h.secret != "" {
		req.Header.Set(SignatureHeader, "sha256="+Sign(h.secret, body))
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("consumer: POST to %s: %w", h.url, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("consumer: endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
