// Package tracing records sampled span trees for build execution and
// exports finished spans in OTLP JSON shape.
package tracing

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chengis/chengis/internal/clock"
)

// Span is one timed operation in a trace. Spans form a tree through
// ParentSpanID; the root has none.
type Span struct {
	TraceID      string
	SpanID       string
	ParentSpanID string
	Name         string
	StartedAt    time.Time
	EndedAt      time.Time
	Attributes   map[string]string
	Err          string

	tracer  *Tracer
	sampled bool
	mu      sync.Mutex
	ended   bool
}

// Tracer creates and collects spans. The sampling decision is made once per
// trace at the root; children inherit it.
type Tracer struct {
	clock   clock.Clock
	service string
	rate    float64
	rnd     func() float64

	mu       sync.Mutex
	finished []*Span
}

// New creates a tracer for a service. rate is the fraction of traces kept,
// clamped to [0, 1].
func New(c clock.Clock, service string, rate float64) *Tracer {
	if rate < 0 {
		rate = 0
	}
	if rate > 1 {
		rate = 1
	}
	return &Tracer{clock: c, service: service, rate: rate, rnd: rand.Float64}
}

// StartTrace opens a root span and decides sampling for the whole trace.
func (t *Tracer) StartTrace(name string) *Span {
	return &Span{
		TraceID:    newHexID(32),
		SpanID:     newHexID(16),
		Name:       name,
		StartedAt:  t.clock.Now(),
		Attributes: map[string]string{},
		tracer:     t,
		sampled:    t.rnd() < t.rate,
	}
}

// StartChild opens a child span under s.
func (s *Span) StartChild(name string) *Span {
	return &Span{
		TraceID:      s.TraceID,
		SpanID:       newHexID(16),
		ParentSpanID: s.SpanID,
		Name:         name,
		StartedAt:    s.tracer.clock.Now(),
		Attributes:   map[string]string{},
		tracer:       s.tracer,
		sampled:      s.sampled,
	}
}

// SetAttribute attaches a key/value to the span.
func (s *Span) SetAttribute(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Attributes[key] = value
}

// RecordError marks the span failed.
func (s *Span) RecordError(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Err = err.Error()
}

// Sampled reports whether this span's trace is being recorded.
func (s *Span) Sampled() bool { return s.sampled }

// End closes the span and, when sampled, hands it to the tracer. Ending
// twice is a no-op.
func (s *Span) End() {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	s.EndedAt = s.tracer.clock.Now()
	s.mu.Unlock()

	if !s.sampled {
		return
	}
	s.tracer.mu.Lock()
	s.tracer.finished = append(s.tracer.finished, s)
	s.tracer.mu.Unlock()
}

// Finished returns the finished sampled spans in end order.
func (t *Tracer) Finished() []*Span {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Span, len(t.finished))
	copy(out, t.finished)
	return out
}

// Reset drops collected spans, typically after an export.
func (t *Tracer) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.finished = nil
}

// --- OTLP export ---

type otlpKeyValue struct {
	Key   string `json:"key"`
	Value struct {
		StringValue string `json:"stringValue"`
	} `json:"value"`
}

type otlpStatus struct {
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}

type otlpSpan struct {
	TraceID           string         `json:"traceId"`
	SpanID            string         `json:"spanId"`
	ParentSpanID      string         `json:"parentSpanId,omitempty"`
	Name              string         `json:"name"`
	StartTimeUnixNano int64          `json:"startTimeUnixNano"`
	EndTimeUnixNano   int64          `json:"endTimeUnixNano"`
	Attributes        []otlpKeyValue `json:"attributes,omitempty"`
	Status            otlpStatus     `json:"status"`
}

type otlpScopeSpans struct {
	Scope struct {
		Name string `json:"name"`
	} `json:"scope"`
	Spans []otlpSpan `json:"spans"`
}

type otlpResourceSpans struct {
	Resource struct {
		Attributes []otlpKeyValue `json:"attributes"`
	} `json:"resource"`
	ScopeSpans []otlpScopeSpans `json:"scopeSpans"`
}

type otlpPayload struct {
	ResourceSpans []otlpResourceSpans `json:"resourceSpans"`
}

// Status codes per OTLP: 1 OK, 2 error.
const (
	statusOK    = 1
	statusError = 2
)

// Export serializes the finished spans as an OTLP JSON payload.
func (t *Tracer) Export() ([]byte, error) {
	spans := t.Finished()

	var rs otlpResourceSpans
	rs.Resource.Attributes = []otlpKeyValue{keyValue("service.name", t.service)}
	ss := otlpScopeSpans{}
	ss.Scope.Name = "chengis"
	for _, s := range spans {
		out := otlpSpan{
			TraceID:           s.TraceID,
			SpanID:            s.SpanID,
			ParentSpanID:      s.ParentSpanID,
			Name:              s.Name,
			StartTimeUnixNano: s.StartedAt.UnixNano(),
			EndTimeUnixNano:   s.EndedAt.UnixNano(),
			Status:            otlpStatus{Code: statusOK},
		}
		if s.Err != "" {
			out.Status = otlpStatus{Code: statusError, Message: s.Err}
		}
		for k, v := range s.Attributes {
			out.Attributes = append(out.Attributes, keyValue(k, v))
		}
		ss.Spans = append(ss.Spans, out)
	}
	rs.ScopeSpans = []otlpScopeSpans{ss}

	payload, err := json.Marshal(otlpPayload{ResourceSpans: []otlpResourceSpans{rs}})
	if err != nil {
		return nil, fmt.Errorf("marshaling otlp payload: %w", err)
	}
	return payload, nil
}

func keyValue(k, v string) otlpKeyValue {
	kv := otlpKeyValue{Key: k}
	kv.Value.StringValue = v
	return kv
}

func newHexID(length int) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	for len(id) < length {
		id += strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	return id[:length]
}
