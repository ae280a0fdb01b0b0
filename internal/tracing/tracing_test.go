package tracing

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/chengis/chengis/internal/clock"
)

func newTestTracer(rate float64) (*Tracer, *clock.Fake) {
	fc := clock.NewFake(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	return New(fc, "chengis-test", rate), fc
}

func TestSpanTree(t *testing.T) {
	tr, fc := newTestTracer(1)

	root := tr.StartTrace("build")
	fc.Advance(time.Second)
	child := root.StartChild("stage")
	fc.Advance(time.Second)
	grandchild := child.StartChild("step")
	grandchild.End()
	child.End()
	root.End()

	if child.TraceID != root.TraceID || grandchild.TraceID != root.TraceID {
		t.Error("trace id not inherited")
	}
	if child.ParentSpanID != root.SpanID || grandchild.ParentSpanID != child.SpanID {
		t.Error("parent links wrong")
	}
	if root.SpanID == child.SpanID {
		t.Error("span ids must differ")
	}

	finished := tr.Finished()
	if len(finished) != 3 {
		t.Fatalf("finished: %d", len(finished))
	}
	// end order: deepest first
	if finished[0].Name != "step" || finished[2].Name != "build" {
		t.Errorf("order: %s, %s, %s", finished[0].Name, finished[1].Name, finished[2].Name)
	}
}

func TestSampling(t *testing.T) {
	tr, _ := newTestTracer(0)
	root := tr.StartTrace("build")
	child := root.StartChild("stage")
	if root.Sampled() || child.Sampled() {
		t.Error("rate 0 should never sample")
	}
	child.End()
	root.End()
	if len(tr.Finished()) != 0 {
		t.Error("unsampled spans were recorded")
	}

	tr, _ = newTestTracer(1)
	if !tr.StartTrace("build").Sampled() {
		t.Error("rate 1 should always sample")
	}
}

func TestEndIdempotent(t *testing.T) {
	tr, fc := newTestTracer(1)
	s := tr.StartTrace("build")
	fc.Advance(time.Second)
	s.End()
	first := s.EndedAt
	fc.Advance(time.Hour)
	s.End()
	if !s.EndedAt.Equal(first) {
		t.Error("second End moved the end time")
	}
	if len(tr.Finished()) != 1 {
		t.Errorf("finished: %d", len(tr.Finished()))
	}
}

func TestExport_OTLPShape(t *testing.T) {
	tr, fc := newTestTracer(1)
	root := tr.StartTrace("build")
	root.SetAttribute("build.id", "b1")
	root.RecordError(errors.New("stage failed"))
	fc.Advance(2 * time.Second)
	root.End()

	payload, err := tr.Export()
	if err != nil {
		t.Fatal(err)
	}

	var doc struct {
		ResourceSpans []struct {
			Resource struct {
				Attributes []struct {
					Key   string `json:"key"`
					Value struct {
						StringValue string `json:"stringValue"`
					} `json:"value"`
				} `json:"attributes"`
			} `json:"resource"`
			ScopeSpans []struct {
				Spans []struct {
					TraceID           string `json:"traceId"`
					SpanID            string `json:"spanId"`
					Name              string `json:"name"`
					StartTimeUnixNano int64  `json:"startTimeUnixNano"`
					EndTimeUnixNano   int64  `json:"endTimeUnixNano"`
					Status            struct {
						Code    int    `json:"code"`
						Message string `json:"message"`
					} `json:"status"`
				} `json:"spans"`
			} `json:"scopeSpans"`
		} `json:"resourceSpans"`
	}
	if err := json.Unmarshal(payload, &doc); err != nil {
		t.Fatalf("payload not json: %v", err)
	}
	if len(doc.ResourceSpans) != 1 {
		t.Fatal("missing resourceSpans")
	}
	attrs := doc.ResourceSpans[0].Resource.Attributes
	if len(attrs) != 1 || attrs[0].Key != "service.name" || attrs[0].Value.StringValue != "chengis-test" {
		t.Errorf("resource attributes: %+v", attrs)
	}
	spans := doc.ResourceSpans[0].ScopeSpans[0].Spans
	if len(spans) != 1 {
		t.Fatalf("spans: %d", len(spans))
	}
	sp := spans[0]
	if len(sp.TraceID) != 32 || len(sp.SpanID) != 16 {
		t.Errorf("id lengths: trace %d, span %d", len(sp.TraceID), len(sp.SpanID))
	}
	if sp.EndTimeUnixNano-sp.StartTimeUnixNano != int64(2*time.Second) {
		t.Errorf("duration: %d", sp.EndTimeUnixNano-sp.StartTimeUnixNano)
	}
	if sp.Status.Code != 2 || sp.Status.Message != "stage failed" {
		t.Errorf("status: %+v", sp.Status)
	}
}
