// Package procexec spawns shell commands and streams their output in
// line-chunks. It is the lowest layer of step execution: everything above it
// (shell steps, docker steps, IaC commands) funnels through Execute.
package procexec

import (
	"bufio"
	"context"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// Exit codes outside the OS range used to signal engine-level outcomes.
const (
	ExitTimeout = -1
	ExitAborted = -2
)

// Chunk is a batch of output lines from one stream.
type Chunk struct {
	Source    string // "stdout" or "stderr"
	LineStart int    // index of the first line in this chunk
	LineCount int
	Text      string
}

// Line is a single masked output line.
type Line struct {
	Source string
	Number int
	Text   string
}

// Request describes one command execution.
type Request struct {
	Command    string
	Dir        string
	Env        map[string]string // merged over the process env; map wins
	Timeout    time.Duration
	ChunkSize  int // lines per chunk per source; 0 disables chunk callbacks
	MaskValues []string
	OnChunk    func(Chunk)
	OnLine     func(Line)
}

// Result is the outcome of a command execution.
type Result struct {
	ExitCode    int
	StdoutLines []string
	StderrLines []string
	DurationMs  int64
	TimedOut    bool
}

// Executor runs shell commands.
type Executor struct{}

// NewExecutor creates an Executor.
func NewExecutor() *Executor {
	return &Executor{}
}

// Execute launches the command under `sh -c`, interleaving stdout and stderr
// into line records. Every emitted line has each mask value replaced with
// **** before any callback sees it. A timeout kills the process group and
// returns exit code -1; caller cancellation returns -2.
func (e *Executor) Execute(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()

	runCtx := ctx
	var cancel context.CancelFunc
	if req.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, "sh", "-c", req.Command)
	if req.Dir != "" {
		cmd.Dir = req.Dir
	}
	cmd.Env = mergeEnv(os.Environ(), req.Env)
	// New process group so a timeout kill takes the whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process != nil {
			return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
		return nil
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	res := &Result{}
	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(2)

	collect := func(source string, r *bufio.Scanner, dest *[]string) {
		defer wg.Done()
		var pending []string
		lineNo := 0
		chunkStart := 0
		flush := func() {
			if len(pending) == 0 || req.OnChunk == nil {
				pending = pending[:0]
				return
			}
			req.OnChunk(Chunk{
				Source:    source,
				LineStart: chunkStart,
				LineCount: len(pending),
				Text:      strings.Join(pending, "\n"),
			})
			chunkStart += len(pending)
			pending = pending[:0]
		}
		for r.Scan() {
			line := mask(r.Text(), req.MaskValues)
			mu.Lock()
			*dest = append(*dest, line)
			mu.Unlock()
			if req.OnLine != nil {
				req.OnLine(Line{Source: source, Number: lineNo, Text: line})
			}
			lineNo++
			pending = append(pending, line)
			if req.ChunkSize > 0 && len(pending) >= req.ChunkSize {
				flush()
			}
		}
		flush()
	}

	go collect("stdout", bufio.NewScanner(stdout), &res.StdoutLines)
	go collect("stderr", bufio.NewScanner(stderr), &res.StderrLines)

	wg.Wait()
	waitErr := cmd.Wait()
	res.DurationMs = time.Since(start).Milliseconds()

	switch {
	case runCtx.Err() == context.DeadlineExceeded:
		res.TimedOut = true
		res.ExitCode = ExitTimeout
	case ctx.Err() == context.Canceled:
		res.ExitCode = ExitAborted
	case waitErr != nil:
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			res.ExitCode = exitErr.ExitCode()
		} else {
			return nil, waitErr
		}
	}
	return res, nil
}

// mergeEnv overlays overrides onto base KEY=VALUE pairs; overrides win.
func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	out := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		key := kv
		if i := strings.IndexByte(kv, '='); i >= 0 {
			key = kv[:i]
		}
		if _, shadowed := overrides[key]; !shadowed {
			out = append(out, kv)
		}
	}
	for k, v := range overrides {
		out = append(out, k+"="+v)
	}
	return out
}

// mask replaces each mask value in line with ****. Literal, case-sensitive.
func mask(line string, values []string) string {
	for _, v := range values {
		if v == "" {
			continue
		}
		line = strings.ReplaceAll(line, v, "****")
	}
	return line
}
