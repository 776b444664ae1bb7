package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fish-not-phish/FnBox/pkg/rand"

	"github.com/rs/zerolog"
)

// Result is the wire shape of one execution outcome.
type Result struct {
	Success         bool            `json:"success"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           string          `json:"error,omitempty"`
	Logs            string          `json:"logs"`
	ExecutionTimeMS int64           `json:"execution_time_ms"`
	MemoryUsedMB    int64           `json:"memory_used_mb"`
}

// Executor runs loaded handler code. Every execution is a fresh subprocess
// so a timed-out or runaway handler can be killed without poisoning the
// agent process. The child reports its result on fd 3; stdout and stderr
// stay free for user logs.
type Executor struct {
	family  string
	baseDir string
	lg      zerolog.Logger

	mu      sync.RWMutex
	code    string
	handler string
}

func NewExecutor(family, baseDir string, lg zerolog.Logger) *Executor {
	return &Executor{
		family:  family,
		baseDir: baseDir,
		handler: "handler",
		lg:      lg.With().Str("component", "executor").Logger(),
	}
}

// Load stages handler code for subsequent invocations. Environment
// variables are injected into the agent process and inherited by every
// execution subprocess.
func (e *Executor) Load(code, handler string, env map[string]string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.code = code
	if handler != "" {
		e.handler = handler
	}
	for k, v := range env {
		os.Setenv(k, v)
	}
}

// Loaded reports whether handler code has been staged.
func (e *Executor) Loaded() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.code != ""
}

// Execute runs the loaded handler against an event. The subprocess is
// killed when the timeout elapses; a timed-out execution reports the full
// timeout as its execution time.
func (e *Executor) Execute(ctx context.Context, event map[string]any, timeoutSec int) Result {
	e.mu.RLock()
	code, handler := e.code, e.handler
	e.mu.RUnlock()

	if code == "" {
		return Result{Error: "No function code loaded"}
	}
	if timeoutSec <= 0 {
		timeoutSec = 30
	}

	execDir := filepath.Join(e.baseDir, "exec_"+rand.Hex(8))
	if err := os.MkdirAll(execDir, 0o755); err != nil {
		return Result{Error: fmt.Sprintf("Agent error: %v", err)}
	}
	defer os.RemoveAll(execDir)

	runCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutSec)*time.Second)
	defer cancel()

	argv, err := e.materialize(runCtx, execDir, code, handler)
	if err != nil {
		return Result{Error: err.Error()}
	}

	eventJSON, _ := json.Marshal(event)
	contextJSON, _ := json.Marshal(map[string]any{
		"timeout_seconds": timeoutSec,
		"memory_limit_mb": memoryLimitMB(),
	})

	resultR, resultW, err := os.Pipe()
	if err != nil {
		return Result{Error: fmt.Sprintf("Agent error: %v", err)}
	}
	defer resultR.Close()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = execDir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.ExtraFiles = []*os.File{resultW} // fd 3 in the child
	cmd.WaitDelay = 2 * time.Second
	// The handler may fork; a timeout must take the whole process group
	// down, not just the direct child, or surviving descendants keep fd 3
	// open and stall the result reader.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.Env = append(os.Environ(),
		"FNBOX_EVENT="+string(eventJSON),
		"FNBOX_CONTEXT="+string(contextJSON),
		"FNBOX_HANDLER="+handler,
		"FNBOX_HANDLER_FILE="+filepath.Join(execDir, "function"+sourceExt(e.family)),
	)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		resultW.Close()
		return Result{Error: fmt.Sprintf("Agent error: %v", err)}
	}
	resultW.Close()

	payloadCh := make(chan []byte, 1)
	go func() {
		payload, _ := io.ReadAll(resultR)
		payloadCh <- payload
	}()

	waitErr := cmd.Wait()
	elapsed := time.Since(start).Milliseconds()

	// The group kill closes the last fd 3 writer, so the reader normally
	// finishes right after Wait. The grace select covers descendants that
	// escaped the group (setsid); closing the read end unblocks the reader.
	var payload []byte
	select {
	case payload = <-payloadCh:
	case <-time.After(2 * time.Second):
		resultR.Close()
		payload = <-payloadCh
	}
	logs := buildLogs(stdout.String(), stderr.String())

	if runCtx.Err() == context.DeadlineExceeded {
		e.lg.Warn().Int("timeout_seconds", timeoutSec).Msg("execution killed on timeout")
		return Result{
			Error:           fmt.Sprintf("Function execution exceeded %d seconds", timeoutSec),
			Logs:            logs,
			ExecutionTimeMS: int64(timeoutSec) * 1000,
		}
	}

	var memMB int64
	if st := cmd.ProcessState; st != nil {
		if ru, ok := st.SysUsage().(*syscall.Rusage); ok {
			memMB = ru.Maxrss / 1024 // Maxrss is in KB on Linux
		}
	}

	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  string          `json:"error"`
	}
	envErr := json.Unmarshal(payload, &envelope)

	if waitErr != nil {
		msg := envelope.Error
		if msg == "" {
			msg = fmt.Sprintf("execution failed: %v", waitErr)
		}
		return Result{Error: msg, Logs: logs, ExecutionTimeMS: elapsed}
	}
	if envErr == nil && envelope.Error != "" {
		return Result{Error: envelope.Error, Logs: logs, ExecutionTimeMS: elapsed}
	}

	result := envelope.Result
	if result == nil && len(bytes.TrimSpace(payload)) > 0 {
		// Raw payload, not the envelope. Bash handlers write their output
		// straight to fd 3; any valid JSON passes through untouched, plain
		// text is wrapped as a JSON string.
		raw := bytes.TrimSpace(payload)
		if json.Valid(raw) {
			result = raw
		} else {
			result, _ = json.Marshal(string(raw))
		}
	}
	if result == nil {
		result = json.RawMessage("null")
	}

	return Result{
		Success:         true,
		Result:          result,
		Logs:            logs,
		ExecutionTimeMS: elapsed,
		MemoryUsedMB:    memMB,
	}
}

// materialize writes the handler code and its runner into the execution
// directory and returns the command to run.
func (e *Executor) materialize(ctx context.Context, execDir, code, handler string) ([]string, error) {
	var runner, interpreter string
	switch e.family {
	case "python":
		runner, interpreter = pythonRunner, "python3"
	case "nodejs":
		runner, interpreter = nodeRunner, "node"
	case "ruby":
		runner, interpreter = rubyRunner, "ruby"
	case "bash":
		runner, interpreter = bashRunner, "bash"
	case "go":
		return e.buildGoBinary(ctx, execDir, code, handler)
	default:
		return nil, fmt.Errorf("no subprocess runner for runtime family %q", e.family)
	}

	src := filepath.Join(execDir, "function"+sourceExt(e.family))
	if err := os.WriteFile(src, []byte(code), 0o644); err != nil {
		return nil, fmt.Errorf("write handler code: %w", err)
	}

	runnerPath := filepath.Join(execDir, "runner"+sourceExt(e.family))
	if err := os.WriteFile(runnerPath, []byte(runner), 0o644); err != nil {
		return nil, fmt.Errorf("write runner: %w", err)
	}
	return []string{interpreter, runnerPath}, nil
}

// buildGoBinary compiles the handler into a one-shot binary. Dependencies
// staged under /packages by the deployment init step are picked up through
// its go.mod and module cache.
func (e *Executor) buildGoBinary(ctx context.Context, execDir, code, handler string) ([]string, error) {
	body, imports := splitGoSource(code)

	required := []string{`"encoding/json"`, `"os"`}
	seen := make(map[string]bool)
	for _, imp := range append(required, imports...) {
		seen[imp] = true
	}
	var block strings.Builder
	block.WriteString("import (\n")
	for imp := range seen {
		block.WriteString("\t" + imp + "\n")
	}
	block.WriteString(")\n")

	main := fmt.Sprintf(`package main

%s

%s

func main() {
	var event map[string]interface{}
	json.Unmarshal([]byte(os.Getenv("FNBOX_EVENT")), &event)
	var fnContext map[string]interface{}
	json.Unmarshal([]byte(os.Getenv("FNBOX_CONTEXT")), &fnContext)

	out := os.NewFile(3, "result")
	result := %s(event, fnContext)
	payload, err := json.Marshal(map[string]interface{}{"result": result})
	if err != nil {
		payload, _ = json.Marshal(map[string]interface{}{"error": err.Error()})
		out.Write(payload)
		os.Exit(1)
	}
	out.Write(payload)
}
`, block.String(), body, handler)

	srcFile := filepath.Join(execDir, "main.go")
	if err := os.WriteFile(srcFile, []byte(main), 0o644); err != nil {
		return nil, fmt.Errorf("write handler source: %w", err)
	}

	if _, err := os.Stat("/packages/go.mod"); err == nil {
		copyFile("/packages/go.mod", filepath.Join(execDir, "go.mod"))
		copyFile("/packages/go.sum", filepath.Join(execDir, "go.sum"))
	} else {
		os.WriteFile(filepath.Join(execDir, "go.mod"), []byte("module function\n\ngo 1.25\n"), 0o644)
	}

	binary := filepath.Join(execDir, "handler.bin")
	build := exec.CommandContext(ctx, "go", "build", "-mod=mod", "-o", binary, ".")
	build.Dir = execDir
	env := os.Environ()
	if os.Getenv("GOMODCACHE") == "" {
		env = append(env, "GOMODCACHE=/packages/pkg/mod")
	}
	build.Env = env
	if output, err := build.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("compilation failed: %v\n%s", err, output)
	}
	return []string{binary}, nil
}

// splitGoSource strips package and import declarations from handler code,
// returning the remaining body and the collected import specs.
func splitGoSource(code string) (body string, imports []string) {
	var lines []string
	inImports := false
	for _, line := range strings.Split(code, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "package "):
		case strings.HasPrefix(trimmed, "import ("):
			inImports = true
		case inImports && trimmed == ")":
			inImports = false
		case inImports:
			if trimmed != "" {
				imports = append(imports, trimmed)
			}
		case strings.HasPrefix(trimmed, "import "):
			imports = append(imports, strings.TrimSpace(strings.TrimPrefix(trimmed, "import ")))
		default:
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n"), imports
}

func copyFile(src, dst string) {
	data, err := os.ReadFile(src)
	if err != nil {
		return
	}
	os.WriteFile(dst, data, 0o644)
}

func sourceExt(family string) string {
	switch family {
	case "python":
		return ".py"
	case "nodejs":
		return ".js"
	case "ruby":
		return ".rb"
	case "bash":
		return ".sh"
	case "go":
		return ".go"
	default:
		return ""
	}
}

func buildLogs(stdout, stderr string) string {
	var b strings.Builder
	if stdout != "" {
		b.WriteString("[STDOUT]\n")
		b.WriteString(stdout)
		b.WriteString("\n")
	}
	if stderr != "" {
		b.WriteString("[STDERR]\n")
		b.WriteString(stderr)
		b.WriteString("\n")
	}
	return b.String()
}

// memoryLimitMB reads the container memory limit, preferring cgroup v2.
func memoryLimitMB() int64 {
	if data, err := os.ReadFile("/sys/fs/cgroup/memory.max"); err == nil {
		var limit int64
		if _, err := fmt.Sscanf(string(data), "%d", &limit); err == nil && limit > 0 {
			return limit / (1024 * 1024)
		}
	}
	if data, err := os.ReadFile("/sys/fs/cgroup/memory/memory.limit_in_bytes"); err == nil {
		var limit int64
		if _, err := fmt.Sscanf(string(data), "%d", &limit); err == nil && limit > 0 {
			return limit / (1024 * 1024)
		}
	}
	if data, err := os.ReadFile("/proc/meminfo"); err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			if strings.HasPrefix(line, "MemTotal:") {
				var kb int64
				fmt.Sscanf(strings.TrimPrefix(line, "MemTotal:"), "%d", &kb)
				return kb / 1024
			}
		}
	}
	return 128
}
