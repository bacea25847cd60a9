package report

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ErrRenderFailed marks every failure of the external renderer.
var ErrRenderFailed = errors.New("report generation failed")

// Renderer turns a face photo into a PDF report at pdfPath.
type Renderer interface {
	Render(ctx context.Context, photoPath, pdfPath, language string) (*RenderResult, error)
}

// RenderResult is the renderer's final JSON line plus what it printed.
type RenderResult struct {
	Output map[string]interface{}
	Stdout string
	Stderr string
}

// RenderError carries the captured output of a failed run.
type RenderError struct {
	Reason   string
	Stdout   string
	Stderr   string
	TimedOut bool
	Err      error
}

func (e *RenderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *RenderError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrRenderFailed, e.Err}
	}
	return []error{ErrRenderFailed}
}

// ScriptConfig configures a ScriptRenderer.
type ScriptConfig struct {
	Script string
	// Python is the interpreter. Empty selects {scriptDir}/venv/bin/python3
	// when present, else python3 from PATH.
	Python    string
	Timeout   time.Duration
	MaxOutput int64
	// Env is appended to the server's own environment.
	Env []string
}

// ScriptRenderer runs `{python} {script} {photo} {pdf} {language}` and reads
// a JSON object from the last non-empty stdout line.
type ScriptRenderer struct {
	python    string
	script    string
	timeout   time.Duration
	maxOutput int64
	env       []string
}

func NewScriptRenderer(cfg ScriptConfig) *ScriptRenderer {
	python := cfg.Python
	if python == "" {
		python = "python3"
		venv := filepath.Join(filepath.Dir(cfg.Script), "venv", "bin", "python3")
		if info, err := os.Stat(venv); err == nil && !info.IsDir() {
			python = venv
		}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	maxOutput := cfg.MaxOutput
	if maxOutput <= 0 {
		maxOutput = 10 << 20
	}
	return &ScriptRenderer{
		python:    python,
		script:    cfg.Script,
		timeout:   timeout,
		maxOutput: maxOutput,
		env:       cfg.Env,
	}
}

// Command returns the interpreter and script the renderer runs.
func (r *ScriptRenderer) Command() (python, script string) { return r.python, r.script }

func (r *ScriptRenderer) Render(ctx context.Context, photoPath, pdfPath, language string) (*RenderResult, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.python, r.script, photoPath, pdfPath, language)
	cmd.Env = append(append(os.Environ(), r.env...), "REPORT_LANGUAGE="+language)
	killProcessGroup(cmd)
	cmd.WaitDelay = 2 * time.Second

	stdout := &cappedBuffer{max: r.maxOutput}
	stderr := &cappedBuffer{max: r.maxOutput}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	runErr := cmd.Run()
	res := &RenderResult{Stdout: stdout.String(), Stderr: stderr.String()}
	fail := func(reason string, err error) (*RenderResult, error) {
		return res, &RenderError{
			Reason:   reason,
			Stdout:   res.Stdout,
			Stderr:   res.Stderr,
			TimedOut: errors.Is(ctx.Err(), context.DeadlineExceeded),
			Err:      err,
		}
	}

	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fail(fmt.Sprintf("renderer timed out after %s", r.timeout), ctx.Err())
	case ctx.Err() != nil:
		return fail("renderer cancelled", ctx.Err())
	case runErr != nil:
		return fail("renderer exited with an error", runErr)
	case stdout.Truncated() || stderr.Truncated():
		return fail(fmt.Sprintf("renderer output exceeds %d bytes", r.maxOutput), nil)
	}

	out, err := ParseResult(res.Stdout)
	if err != nil {
		return fail(err.Error(), nil)
	}
	res.Output = out
	return res, nil
}

// ParseResult decodes the last non-empty line of stdout. The run succeeded
// only if that line is a JSON object with success:true and no error.
func ParseResult(stdout string) (map[string]interface{}, error) {
	line := lastLine(stdout)
	if line == "" {
		return nil, errors.New("renderer returned no output")
	}
	var out map[string]interface{}
	if err := json.Unmarshal([]byte(line), &out); err != nil {
		return nil, fmt.Errorf("malformed renderer output %q: %v", truncate(line, 200), err)
	}
	if e, ok := out["error"]; ok && e != nil {
		return out, fmt.Errorf("renderer reported: %v", e)
	}
	if ok, _ := out["success"].(bool); !ok {
		return out, errors.New("renderer did not report success")
	}
	return out, nil
}

func lastLine(s string) string {
	lines := strings.Split(s, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// cappedBuffer keeps the first max bytes written and drops the rest without
// failing the writer.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	max       int64
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	room := b.max - int64(b.buf.Len())
	if room <= 0 {
		b.truncated = b.truncated || len(p) > 0
		return len(p), nil
	}
	if int64(len(p)) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *cappedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}
