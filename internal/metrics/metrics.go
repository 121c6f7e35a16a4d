// Package metrics collects broker statistics.
//
// Registry is an in-process, Prometheus-compatible counter set fed by
// committed lifecycle events (it is a storage.Listener). Counters is the
// durable counterpart: a storage.Participant that increments per-queue
// counters in Redis inside the same transaction as the transition it counts,
// so the numbers survive restarts and agree across every broker process.
//
// # Counter naming convention
//
// Every counter uses a tab-separated string as its label key so that a single
// sync.Map can hold all label combinations without additional map nesting.
//
//	Produced / Received / Acked / Unacked / ...  →  key = "namespace\tqueue"
//	Deliveries                                   →  key = "namespace\tqueue\tworker"
//	HTTPReqs                                     →  key = "method\tpath\tstatus"
//	HTTPDurMs / HTTPDurCnt                       →  key = "method\tpath"
package metrics

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/snehjoshi/epochmq/internal/types"
)

// ─── labelCounter ─────────────────────────────────────────────────────────────

// labelCounter is a lock-free, label-keyed counter map backed by sync.Map and
// atomic.Int64 values.
type labelCounter struct {
	vals sync.Map // key string → *atomic.Int64
}

func (lc *labelCounter) get(key string) *atomic.Int64 {
	v, _ := lc.vals.LoadOrStore(key, new(atomic.Int64))
	return v.(*atomic.Int64)
}

// Inc increments the counter for key by 1.
func (lc *labelCounter) Inc(key string) { lc.get(key).Add(1) }

// Add increments the counter for key by n.
func (lc *labelCounter) Add(key string, n int64) { lc.get(key).Add(n) }

// Get returns the current value for key.
func (lc *labelCounter) Get(key string) int64 {
	v, ok := lc.vals.Load(key)
	if !ok {
		return 0
	}
	return v.(*atomic.Int64).Load()
}

// Each calls fn for every key/value pair. The order is non-deterministic.
func (lc *labelCounter) Each(fn func(key string, val int64)) {
	lc.vals.Range(func(k, v any) bool {
		fn(k.(string), v.(*atomic.Int64).Load())
		return true
	})
}

// ─── Registry ─────────────────────────────────────────────────────────────────

// Registry holds all EpochMQ application metrics.
type Registry struct {
	// Message-level counters.  key = "namespace\tqueue"
	Produced     labelCounter
	Enqueued     labelCounter
	Received     labelCounter
	Acked        labelCounter
	Unacked      labelCounter
	Timeouts     labelCounter
	Expired      labelCounter
	Retried      labelCounter
	DeadLettered labelCounter
	Scheduled    labelCounter
	Requeued     labelCounter
	Recovered    labelCounter
	Deleted      labelCounter

	// Per-consumer deliveries.  key = "namespace\tqueue\tworker"
	Deliveries labelCounter

	// HTTP-level counters.  key = "method\tpath\tstatus" (Reqs) or "method\tpath" (Dur*)
	HTTPReqs   labelCounter
	HTTPDurMs  labelCounter // sum of request durations in milliseconds
	HTTPDurCnt labelCounter // number of requests (same key as HTTPDurMs, for avg)
}

// OnEvent implements storage.Listener.
func (r *Registry) OnEvent(ev types.Event) {
	key := QueueKey(ev.Queue.Namespace, ev.Queue.Name)
	switch ev.Kind {
	case types.EventProduced:
		r.Produced.Inc(key)
	case types.EventEnqueued:
		r.Enqueued.Inc(key)
	case types.EventReceived:
		r.Received.Inc(key)
		r.Deliveries.Inc(WorkerKey(ev.Queue.Namespace, ev.Queue.Name, ev.WorkerID))
	case types.EventAcknowledged:
		r.Acked.Inc(key)
	case types.EventUnacknowledged:
		r.Unacked.Inc(key)
	case types.EventConsumeTimeout:
		r.Unacked.Inc(key)
		r.Timeouts.Inc(key)
	case types.EventExpired:
		r.Expired.Inc(key)
	case types.EventRetry, types.EventRetryAfterDelay:
		r.Retried.Inc(key)
	case types.EventDeadLetter:
		r.DeadLettered.Inc(key)
	case types.EventScheduled:
		r.Scheduled.Inc(key)
	case types.EventRequeued:
		r.Requeued.Inc(key)
	case types.EventRecovered:
		r.Recovered.Inc(key)
	case types.EventDeleted, types.EventScheduledDelete:
		r.Deleted.Inc(key)
	}
}

// ─── Prometheus text serialisation ────────────────────────────────────────────

type family struct {
	name, help string
	c          *labelCounter
}

func (r *Registry) queueFamilies() []family {
	return []family{
		{"epochmq_messages_produced_total", "Total messages accepted from producers", &r.Produced},
		{"epochmq_messages_enqueued_total", "Total insertions into pending", &r.Enqueued},
		{"epochmq_messages_received_total", "Total messages delivered to consumers", &r.Received},
		{"epochmq_messages_acknowledged_total", "Total messages acknowledged by consumers", &r.Acked},
		{"epochmq_messages_unacknowledged_total", "Total unacknowledged deliveries (including timeouts)", &r.Unacked},
		{"epochmq_messages_consume_timeout_total", "Total deliveries that exceeded the consume timeout", &r.Timeouts},
		{"epochmq_messages_expired_total", "Total messages dropped because their TTL elapsed", &r.Expired},
		{"epochmq_messages_retried_total", "Total retries, immediate or delayed", &r.Retried},
		{"epochmq_messages_dead_lettered_total", "Total messages moved to the dead-lettered history", &r.DeadLettered},
		{"epochmq_messages_scheduled_total", "Total insertions into the scheduled set", &r.Scheduled},
		{"epochmq_messages_requeued_total", "Total messages requeued from a history", &r.Requeued},
		{"epochmq_messages_recovered_total", "Total in-flight messages recovered from offline consumers", &r.Recovered},
		{"epochmq_messages_deleted_total", "Total administrative deletions", &r.Deleted},
	}
}

// Handler returns an http.Handler that renders all metrics in the Prometheus
// plain-text exposition format (text/plain; version=0.0.4).
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, r.Text())
	})
}

// Text renders every non-empty family.
func (r *Registry) Text() string {
	var b strings.Builder

	// ── message counters ──────────────────────────────────────────────────
	for _, f := range r.queueFamilies() {
		writeFamily(&b, f.name, f.help, "counter", func(fn func(labels, val string)) {
			f.c.Each(func(key string, val int64) {
				ns, q := splitTwo(key)
				fn(fmt.Sprintf(`namespace=%q,queue=%q`, ns, q), fmt.Sprintf("%d", val))
			})
		})
	}

	writeFamily(&b, "epochmq_consumer_deliveries_total",
		"Total deliveries by consumer", "counter",
		func(fn func(labels, val string)) {
			r.Deliveries.Each(func(key string, val int64) {
				ns, q, worker := splitThree(key)
				fn(fmt.Sprintf(`namespace=%q,queue=%q,worker=%q`, ns, q, worker),
					fmt.Sprintf("%d", val))
			})
		})

	// ── HTTP counters ─────────────────────────────────────────────────────
	writeFamily(&b, "epochmq_http_requests_total",
		"Total HTTP requests by method, path, and status code", "counter",
		func(fn func(labels, val string)) {
			r.HTTPReqs.Each(func(key string, val int64) {
				method, path, status := splitThree(key)
				fn(fmt.Sprintf(`method=%q,path=%q,status=%q`, method, path, status),
					fmt.Sprintf("%d", val))
			})
		})

	writeFamily(&b, "epochmq_http_request_duration_milliseconds_sum",
		"Sum of HTTP request durations in milliseconds", "counter",
		func(fn func(labels, val string)) {
			r.HTTPDurMs.Each(func(key string, val int64) {
				method, path := splitTwo(key)
				fn(fmt.Sprintf(`method=%q,path=%q`, method, path),
					fmt.Sprintf("%d", val))
			})
		})

	writeFamily(&b, "epochmq_http_request_duration_milliseconds_count",
		"Count of observed HTTP request durations", "counter",
		func(fn func(labels, val string)) {
			r.HTTPDurCnt.Each(func(key string, val int64) {
				method, path := splitTwo(key)
				fn(fmt.Sprintf(`method=%q,path=%q`, method, path),
					fmt.Sprintf("%d", val))
			})
		})

	return b.String()
}

// ─── helpers ──────────────────────────────────────────────────────────────────

// writeFamily writes a single Prometheus metric family to b.
// fill is called with a writer function that appends individual label+value lines.
func writeFamily(
	b *strings.Builder,
	name, help, typ string,
	fill func(fn func(labels, val string)),
) {
	// Buffer individual metric lines so we can skip the header when empty.
	var lines []string
	fill(func(labels, val string) {
		lines = append(lines, fmt.Sprintf("%s{%s} %s\n", name, labels, val))
	})
	if len(lines) == 0 {
		return
	}
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s %s\n", name, typ)
	for _, l := range lines {
		b.WriteString(l)
	}
}

// splitTwo splits a tab-delimited key of the form "a\tb" into (a, b).
// If there is no tab, the whole string is returned as the first component.
func splitTwo(key string) (string, string) {
	i := strings.IndexByte(key, '\t')
	if i < 0 {
		return key, ""
	}
	return key[:i], key[i+1:]
}

// splitThree splits a tab-delimited key "a\tb\tc" into (a, b, c).
func splitThree(key string) (string, string, string) {
	a, rest := splitTwo(key)
	b, c := splitTwo(rest)
	return a, b, c
}

// ─── Convenience key builders ─────────────────────────────────────────────────

// QueueKey builds the label key used by the message counters.
func QueueKey(namespace, queue string) string {
	return namespace + "\t" + queue
}

// WorkerKey builds the label key used by Deliveries.
func WorkerKey(namespace, queue, worker string) string {
	return namespace + "\t" + queue + "\t" + worker
}

// HTTPKey builds the label key used by HTTPReqs.
func HTTPKey(method, path, status string) string {
	return method + "\t" + path + "\t" + status
}

// HTTPDurKey builds the label key used by HTTPDurMs / HTTPDurCnt.
func HTTPDurKey(method, path string) string {
	return method + "\t" + path
}
