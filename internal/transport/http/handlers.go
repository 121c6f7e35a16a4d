package http

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/snehjoshi/epochmq/internal/broker"
	"github.com/snehjoshi/epochmq/internal/namespace"
	"github.com/snehjoshi/epochmq/internal/queue"
	"github.com/snehjoshi/epochmq/internal/types"
)

// Metadata limits, enforced on produce.
const (
	metaMaxKeys     = 16  // max number of key/value pairs
	metaMaxKeyBytes = 64  // max bytes per key
	metaMaxValBytes = 512 // max bytes per value
)

// validateMetadata returns a non-nil error if m violates any metadata limit.
func validateMetadata(m map[string]string) error {
	if len(m) > metaMaxKeys {
		return fmt.Errorf("metadata: too many keys (max %d)", metaMaxKeys)
	}
	for k, v := range m {
		if len(k) == 0 {
			return errors.New("metadata: key must not be empty")
		}
		if len(k) > metaMaxKeyBytes {
			return fmt.Errorf("metadata: key too long (max %d bytes)", metaMaxKeyBytes)
		}
		if len(v) > metaMaxValBytes {
			return fmt.Errorf("metadata: value too long (max %d bytes)", metaMaxValBytes)
		}
	}
	return nil
}

// Handler groups all HTTP request handlers around a Broker.
type Handler struct {
	broker *broker.Broker
	logger *slog.Logger
}

// ─── DTOs ─────────────────────────────────────────────────────────────────────

type produceReq struct {
	Body           string            `json:"body"` // base64-encoded
	Priority       *int              `json:"priority,omitempty"`
	TTL            int64             `json:"ttl"`             // ms; 0 = default
	RetryThreshold int               `json:"retry_threshold"` // 0 = default
	RetryDelay     int64             `json:"retry_delay"`     // ms; 0 = default
	ConsumeTimeout int64             `json:"consume_timeout"` // ms; 0 = default
	Delay          int64             `json:"delay"`
	CRON           string            `json:"cron"`
	Repeat         int               `json:"repeat"`
	Period         int64             `json:"period"`
	Metadata       map[string]string `json:"metadata"`
}

type itemResp struct {
	Sequence int64          `json:"sequence"`
	Message  *types.Message `json:"message"`
}

type pageResp struct {
	Total int64      `json:"total"`
	Items []itemResp `json:"items"`
}

type queueListResp struct {
	Queues []string `json:"queues"`
}

type createNamespaceReq struct {
	Name string `json:"name"`
}

type requeueReq struct {
	Priority *int `json:"priority,omitempty"`
}

type idResp struct {
	ID string `json:"id"`
}

type replayResp struct {
	Replayed int `json:"replayed"`
}

type subscribeReq struct {
	URL    string `json:"url"`
	Secret string `json:"secret"`
}

type healthResp struct {
	Status   string `json:"status"`
	NodeID   string `json:"node_id"`
	Uptime   string `json:"uptime"`
	UptimeMs int64  `json:"uptime_ms"`
	Redis    string `json:"redis"`
}

// ─── Health ───────────────────────────────────────────────────────────────────

var startTime = time.Now()

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	elapsed := time.Since(startTime)
	resp := healthResp{
		Status:   "ok",
		NodeID:   h.broker.NodeID(),
		Uptime:   elapsed.Round(time.Second).String(),
		UptimeMs: elapsed.Milliseconds(),
		Redis:    "ok",
	}
	code := http.StatusOK
	if err := h.broker.Health(r.Context()); err != nil {
		resp.Status = "degraded"
		resp.Redis = err.Error()
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

// ─── Queues ───────────────────────────────────────────────────────────────────

func (h *Handler) listQueues(w http.ResponseWriter, r *http.Request) {
	refs, err := h.broker.ListQueues(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	out := queueListResp{Queues: make([]string, 0, len(refs))}
	for _, ref := range refs {
		out.Queues = append(out.Queues, ref.String())
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) queueMetrics(w http.ResponseWriter, r *http.Request) {
	ref, ok := pathRef(w, r)
	if !ok {
		return
	}
	info, err := h.broker.QueueInfo(r.Context(), ref)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *Handler) deleteQueue(w http.ResponseWriter, r *http.Request) {
	ref, ok := pathRef(w, r)
	if !ok {
		return
	}
	if err := h.broker.DeleteQueue(r.Context(), ref); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── Produce ──────────────────────────────────────────────────────────────────

func (h *Handler) produce(w http.ResponseWriter, r *http.Request) {
	ref, ok := pathRef(w, r)
	if !ok {
		return
	}
	var req produceReq
	if !decodeJSON(w, r, &req) {
		return
	}
	body, err := base64.StdEncoding.DecodeString(req.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "body must be base64-encoded"})
		return
	}
	if err := validateMetadata(req.Metadata); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	resp, err := h.broker.Produce(r.Context(), broker.ProduceRequest{
		Queue:    ref,
		Body:     body,
		Priority: req.Priority,
		Options: types.ConsumeOptions{
			TTL:            req.TTL,
			RetryThreshold: req.RetryThreshold,
			RetryDelay:     req.RetryDelay,
			ConsumeTimeout: req.ConsumeTimeout,
		},
		Schedule: types.Directives{
			CRON:   req.CRON,
			Delay:  req.Delay,
			Repeat: req.Repeat,
			Period: req.Period,
		},
		Metadata: req.Metadata,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

// ─── Message structures ───────────────────────────────────────────────────────

func (h *Handler) listMessages(w http.ResponseWriter, r *http.Request) {
	ref, s, ok := pathStructure(w, r)
	if !ok {
		return
	}
	page, err := h.broker.List(r.Context(), ref, s, parseInt64Param(r, "skip", 0), parseInt64Param(r, "take", 100))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPage(page))
}

func (h *Handler) purgeMessages(w http.ResponseWriter, r *http.Request) {
	ref, s, ok := pathStructure(w, r)
	if !ok {
		return
	}
	if err := h.broker.Purge(r.Context(), ref, s); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// deleteMessage removes one message. ?seq= pins its position; without it the
// message is looked up by id.
func (h *Handler) deleteMessage(w http.ResponseWriter, r *http.Request) {
	ref, s, ok := pathStructure(w, r)
	if !ok {
		return
	}
	err := h.broker.Delete(r.Context(), ref, s, parseInt64Param(r, "seq", -1), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) requeueMessage(w http.ResponseWriter, r *http.Request) {
	ref, s, ok := pathStructure(w, r)
	if !ok {
		return
	}
	var req requeueReq
	if !decodeOptionalJSON(w, r, &req) {
		return
	}
	id, err := h.broker.Requeue(r.Context(), ref, s, parseInt64Param(r, "seq", -1), r.PathValue("id"), req.Priority)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if id == "" {
		// Already gone: requeue is a no-op.
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusCreated, idResp{ID: id})
}

func (h *Handler) replayDeadLettered(w http.ResponseWriter, r *http.Request) {
	ref, ok := pathRef(w, r)
	if !ok {
		return
	}
	n, err := h.broker.ReplayDeadLettered(r.Context(), ref, parseInt64Param(r, "limit", 0))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, replayResp{Replayed: n})
}

// ─── Scheduled messages ───────────────────────────────────────────────────────

// queryRef reads an optional ?ns=&queue= pair.
func queryRef(r *http.Request) types.QueueRef {
	return types.QueueRef{Namespace: r.URL.Query().Get("ns"), Name: r.URL.Query().Get("queue")}
}

func (h *Handler) listScheduled(w http.ResponseWriter, r *http.Request) {
	page, err := h.broker.ListScheduled(r.Context(), queryRef(r), parseInt64Param(r, "skip", 0), parseInt64Param(r, "take", 100))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPage(page))
}

func (h *Handler) purgeScheduled(w http.ResponseWriter, r *http.Request) {
	if err := h.broker.PurgeScheduled(r.Context(), queryRef(r)); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) getScheduled(w http.ResponseWriter, r *http.Request) {
	msg, err := h.broker.GetScheduled(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (h *Handler) deleteScheduled(w http.ResponseWriter, r *http.Request) {
	if err := h.broker.DeleteScheduled(r.Context(), r.PathValue("id")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── Consumers ────────────────────────────────────────────────────────────────

func (h *Handler) listConsumers(w http.ResponseWriter, r *http.Request) {
	online, err := h.broker.OnlineConsumers(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"consumers": online})
}

// ─── Namespace management ─────────────────────────────────────────────────────

func (h *Handler) createNamespace(w http.ResponseWriter, r *http.Request) {
	var req createNamespaceReq
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.broker.CreateNamespace(r.Context(), req.Name); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"name": req.Name})
}

func (h *Handler) listNamespaces(w http.ResponseWriter, r *http.Request) {
	list, err := h.broker.ListNamespaces(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"namespaces": list})
}

func (h *Handler) deleteNamespace(w http.ResponseWriter, r *http.Request) {
	if err := h.broker.DeleteNamespace(r.Context(), r.PathValue("ns")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── Subscriptions (webhook) ──────────────────────────────────────────────────

func (h *Handler) createSubscription(w http.ResponseWriter, r *http.Request) {
	ref, ok := pathRef(w, r)
	if !ok {
		return
	}
	var req subscribeReq
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.URL == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "url is required"})
		return
	}
	id, err := h.broker.Subscribe(ref, req.URL, req.Secret)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, idResp{ID: id})
}

func (h *Handler) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"subscriptions": h.broker.Subscriptions()})
}

func (h *Handler) deleteSubscription(w http.ResponseWriter, r *http.Request) {
	if err := h.broker.Unsubscribe(r.Context(), r.PathValue("id")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

// pathRef extracts and validates {ns}/{name}.
func pathRef(w http.ResponseWriter, r *http.Request) (types.QueueRef, bool) {
	ref := types.QueueRef{Namespace: r.PathValue("ns"), Name: r.PathValue("name")}
	if !namespace.ValidateName(ref.Namespace) || !namespace.ValidateName(ref.Name) {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "namespace and queue names must be lowercase alphanumeric with optional hyphens (a-z, 0-9, -)",
		})
		return types.QueueRef{}, false
	}
	return ref, true
}

func pathStructure(w http.ResponseWriter, r *http.Request) (types.QueueRef, broker.Structure, bool) {
	ref, ok := pathRef(w, r)
	if !ok {
		return ref, "", false
	}
	s, ok := structures[r.PathValue("structure")]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown resource " + r.PathValue("structure")})
		return ref, "", false
	}
	return ref, s, true
}

func toPage(p queue.Page) pageResp {
	out := pageResp{Total: p.Total, Items: make([]itemResp, 0, len(p.Items))}
	for _, it := range p.Items {
		out.Items = append(out.Items, itemResp{Sequence: it.SequenceID, Message: it.Message})
	}
	return out
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, namespace.ErrAlreadyExists), errors.Is(err, namespace.ErrNotEmpty):
		return http.StatusConflict
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrLockContention):
		return http.StatusServiceUnavailable
	case errors.Is(err, types.ErrInvariantViolation):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrStorage):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	if code >= http.StatusInternalServerError {
		h.logger.Warn("http: request failed", "status", code, "err", err)
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json: " + err.Error()})
		return false
	}
	return true
}

// decodeOptionalJSON is decodeJSON that accepts an empty body.
func decodeOptionalJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json: " + err.Error()})
		return false
	}
	return true
}

func parseInt64Param(r *http.Request, key string, def int64) int64 {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return def
	}
	return v
}
