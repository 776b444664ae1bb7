package agent

import (
	"context"
	"encoding/json"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newBashExecutor(t *testing.T) *Executor {
	t.Helper()
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not available")
	}
	return NewExecutor("bash", t.TempDir(), zerolog.Nop())
}

func newPythonExecutor(t *testing.T) *Executor {
	t.Helper()
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available")
	}
	return NewExecutor("python", t.TempDir(), zerolog.Nop())
}

func TestExecuteNoCodeLoaded(t *testing.T) {
	e := NewExecutor("python", t.TempDir(), zerolog.Nop())

	res := e.Execute(context.Background(), nil, 5)
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.Error != "No function code loaded" {
		t.Errorf("error = %q", res.Error)
	}
}

func TestLoaded(t *testing.T) {
	e := NewExecutor("bash", t.TempDir(), zerolog.Nop())
	if e.Loaded() {
		t.Error("fresh executor reports loaded")
	}
	e.Load("handler() { :; }", "handler", nil)
	if !e.Loaded() {
		t.Error("executor not loaded after Load")
	}
}

func TestExecuteBash(t *testing.T) {
	e := newBashExecutor(t)
	e.Load("handler() {\n  echo \"working\" >&2\n  printf '{\"ok\": true}'\n}\n", "handler", nil)

	res := e.Execute(context.Background(), map[string]any{"x": 1}, 10)
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}

	var out map[string]any
	if err := json.Unmarshal(res.Result, &out); err != nil {
		t.Fatalf("result not json: %v", err)
	}
	if out["ok"] != true {
		t.Errorf("result = %v", out)
	}
	if !strings.Contains(res.Logs, "[STDERR]") || !strings.Contains(res.Logs, "working") {
		t.Errorf("logs = %q", res.Logs)
	}
}

func TestExecuteBashScalarResult(t *testing.T) {
	e := newBashExecutor(t)
	e.Load("handler() {\n  printf '42'\n}\n", "handler", nil)

	res := e.Execute(context.Background(), nil, 10)
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if string(res.Result) != "42" {
		t.Errorf("result = %s, want the bare number 42", res.Result)
	}
}

func TestExecuteBashPlainTextResult(t *testing.T) {
	e := newBashExecutor(t)
	e.Load("handler() {\n  printf 'all done'\n}\n", "handler", nil)

	res := e.Execute(context.Background(), nil, 10)
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if string(res.Result) != `"all done"` {
		t.Errorf("result = %s, want a JSON string", res.Result)
	}
}

func TestExecuteBashMissingHandler(t *testing.T) {
	e := newBashExecutor(t)
	e.Load("other() { :; }", "handler", nil)

	res := e.Execute(context.Background(), nil, 10)
	if res.Success {
		t.Fatal("expected failure")
	}
	if !strings.Contains(res.Error, "not found in code") {
		t.Errorf("error = %q", res.Error)
	}
}

func TestExecuteTimeoutKillsSubprocess(t *testing.T) {
	e := newBashExecutor(t)
	// The bash runner executes the handler in a command-substitution
	// subshell, so the sleep lives in a descendant of the spawned child.
	e.Load("handler() {\n  sleep 8\n}\n", "handler", nil)

	start := time.Now()
	res := e.Execute(context.Background(), nil, 1)
	elapsed := time.Since(start)

	if res.Success {
		t.Fatal("expected timeout failure")
	}
	if !strings.HasPrefix(res.Error, "Function execution exceeded 1 seconds") {
		t.Errorf("error = %q", res.Error)
	}
	if res.ExecutionTimeMS != 1000 {
		t.Errorf("execution time = %d, want timeout*1000", res.ExecutionTimeMS)
	}
	if elapsed > 4*time.Second {
		t.Errorf("Execute returned after %s, want about the 1s timeout", elapsed)
	}
}

func TestExecuteTimeoutKillsBackgroundChildren(t *testing.T) {
	e := newBashExecutor(t)
	e.Load("handler() {\n  bash -c 'sleep 8' &\n  wait\n}\n", "handler", nil)

	start := time.Now()
	res := e.Execute(context.Background(), nil, 1)
	elapsed := time.Since(start)

	if res.Success {
		t.Fatal("expected timeout failure")
	}
	if elapsed > 4*time.Second {
		t.Errorf("Execute returned after %s, want about the 1s timeout", elapsed)
	}
}

func TestExecutePython(t *testing.T) {
	e := newPythonExecutor(t)
	e.Load("def handler(event, context):\n    print(\"processing\")\n    return {\"sum\": event[\"a\"] + event[\"b\"]}\n", "handler", nil)

	res := e.Execute(context.Background(), map[string]any{"a": 2, "b": 3}, 10)
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}

	var out map[string]any
	if err := json.Unmarshal(res.Result, &out); err != nil {
		t.Fatalf("result not json: %v", err)
	}
	if out["sum"] != float64(5) {
		t.Errorf("result = %v", out)
	}
	if !strings.Contains(res.Logs, "[STDOUT]") || !strings.Contains(res.Logs, "processing") {
		t.Errorf("logs = %q", res.Logs)
	}
}

func TestExecutePythonHandlerException(t *testing.T) {
	e := newPythonExecutor(t)
	e.Load("def handler(event, context):\n    raise ValueError(\"bad input\")\n", "handler", nil)

	res := e.Execute(context.Background(), nil, 10)
	if res.Success {
		t.Fatal("expected failure")
	}
	if !strings.Contains(res.Error, "ValueError") {
		t.Errorf("error = %q", res.Error)
	}
	if !strings.Contains(res.Logs, "[STDERR]") {
		t.Errorf("traceback missing from logs: %q", res.Logs)
	}
}

func TestExecutePythonContextCarriesTimeout(t *testing.T) {
	e := newPythonExecutor(t)
	e.Load("def handler(event, context):\n    return context[\"timeout_seconds\"]\n", "handler", nil)

	res := e.Execute(context.Background(), nil, 7)
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if string(res.Result) != "7" {
		t.Errorf("result = %s", res.Result)
	}
}

func TestSplitGoSource(t *testing.T) {
	code := "package main\n\nimport (\n\t\"fmt\"\n\t\"strings\"\n)\n\nfunc Handler(event, ctx map[string]interface{}) interface{} {\n\treturn strings.ToUpper(fmt.Sprint(event[\"x\"]))\n}\n"

	body, imports := splitGoSource(code)
	if strings.Contains(body, "package main") {
		t.Error("package declaration survived")
	}
	if strings.Contains(body, "import") {
		t.Error("import block survived")
	}
	if len(imports) != 2 {
		t.Fatalf("imports = %v", imports)
	}
	if !strings.Contains(body, "func Handler") {
		t.Error("handler body lost")
	}
}

func TestBuildLogs(t *testing.T) {
	if got := buildLogs("", ""); got != "" {
		t.Errorf("empty logs = %q", got)
	}
	got := buildLogs("out\n", "err\n")
	if !strings.Contains(got, "[STDOUT]\nout") || !strings.Contains(got, "[STDERR]\nerr") {
		t.Errorf("logs = %q", got)
	}
}
