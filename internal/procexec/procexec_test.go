package procexec

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestExecute_ExitCodeAndOutput(t *testing.T) {
	e := NewExecutor()
	res, err := e.Execute(context.Background(), Request{
		Command: "echo ok; echo warn >&2; exit 3",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("expected exit 3, got %d", res.ExitCode)
	}
	if len(res.StdoutLines) != 1 || res.StdoutLines[0] != "ok" {
		t.Errorf("unexpected stdout: %v", res.StdoutLines)
	}
	if len(res.StderrLines) != 1 || res.StderrLines[0] != "warn" {
		t.Errorf("unexpected stderr: %v", res.StderrLines)
	}
}

func TestExecute_Masking(t *testing.T) {
	e := NewExecutor()
	var lines []string
	res, err := e.Execute(context.Background(), Request{
		Command:    "echo token=s3cret done",
		MaskValues: []string{"s3cret"},
		OnLine:     func(l Line) { lines = append(lines, l.Text) },
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "token=**** done"
	if res.StdoutLines[0] != want {
		t.Errorf("expected %q in result, got %q", want, res.StdoutLines[0])
	}
	if len(lines) != 1 || lines[0] != want {
		t.Errorf("expected %q in callback, got %v", want, lines)
	}
}

func TestExecute_Chunking(t *testing.T) {
	e := NewExecutor()
	var chunks []Chunk
	_, err := e.Execute(context.Background(), Request{
		Command:   "printf 'a\\nb\\nc\\nd\\ne\\n'",
		ChunkSize: 2,
		OnChunk:   func(c Chunk) { chunks = append(chunks, c) },
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d: %+v", len(chunks), chunks)
	}
	if chunks[0].LineStart != 0 || chunks[0].LineCount != 2 || chunks[0].Text != "a\nb" {
		t.Errorf("unexpected first chunk: %+v", chunks[0])
	}
	if chunks[2].LineStart != 4 || chunks[2].LineCount != 1 || chunks[2].Text != "e" {
		t.Errorf("unexpected last chunk: %+v", chunks[2])
	}
}

func TestExecute_Timeout(t *testing.T) {
	e := NewExecutor()
	start := time.Now()
	res, err := e.Execute(context.Background(), Request{
		Command: "sleep 10",
		Timeout: 100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.TimedOut {
		t.Error("expected timed_out=true")
	}
	if res.ExitCode != ExitTimeout {
		t.Errorf("expected exit %d, got %d", ExitTimeout, res.ExitCode)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("timeout did not kill the process promptly")
	}
}

func TestExecute_Aborted(t *testing.T) {
	e := NewExecutor()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	res, err := e.Execute(ctx, Request{Command: "sleep 10"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ExitCode != ExitAborted {
		t.Errorf("expected exit %d, got %d", ExitAborted, res.ExitCode)
	}
	if res.TimedOut {
		t.Error("abort must not report timed_out")
	}
}

func TestExecute_EnvMergeMapWins(t *testing.T) {
	t.Setenv("CHENGIS_TEST_VAR", "from-process")
	e := NewExecutor()
	res, err := e.Execute(context.Background(), Request{
		Command: "echo $CHENGIS_TEST_VAR $CHENGIS_TEST_EXTRA",
		Env: map[string]string{
			"CHENGIS_TEST_VAR":   "from-map",
			"CHENGIS_TEST_EXTRA": "extra",
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := strings.Join(res.StdoutLines, ""); got != "from-map extra" {
		t.Errorf("expected merged env output, got %q", got)
	}
}
