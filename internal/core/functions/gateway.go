package functions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// SecretsKey is the reserved event key carrying decrypted secrets. The
// gateway strips it from the event body and forwards the values as env_vars
// so the agent can export them before executing code.
const SecretsKey = "__secrets__"

// AgentResult is the structured outcome of one agent invocation. Every
// failure mode of the transport maps onto it; the gateway never returns an
// unclassified error for a call that reached the resolution stage.
type AgentResult struct {
	Success         bool            `json:"success"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           string          `json:"error,omitempty"`
	Logs            string          `json:"logs"`
	ExecutionTimeMS int64           `json:"execution_time_ms"`
	MemoryUsedMB    int             `json:"memory_used_mb"`

	// TimedOut marks a client-side request timeout, distinct from other
	// failures when recording the invocation outcome.
	TimedOut bool `json:"-"`
}

// EndpointResolver turns a service name into a reachable agent base URL.
// The returned cleanup, when non-nil, must run after the call completes.
type EndpointResolver interface {
	ResolveEndpoint(ctx context.Context, serviceName string) (string, func(), error)
}

// Gateway forwards invocation requests to deployed execution agents.
type Gateway struct {
	resolver EndpointResolver
	lg       zerolog.Logger
}

func NewGateway(resolver EndpointResolver, lg zerolog.Logger) *Gateway {
	return &Gateway{
		resolver: resolver,
		lg:       lg.With().Str("component", "invocation-gateway").Logger(),
	}
}

// Invoke forwards one invocation to the function's agent and classifies the
// outcome. code and handler are included for one-shot execution.
func (g *Gateway) Invoke(ctx context.Context, serviceName string, event map[string]any, timeoutSec int, code, handler string) *AgentResult {
	baseURL, cleanup, err := g.resolver.ResolveEndpoint(ctx, serviceName)
	if err != nil {
		return &AgentResult{
			Success: false,
			Error:   fmt.Sprintf("failed to resolve function endpoint: %v", err),
		}
	}
	if cleanup != nil {
		defer cleanup()
	}

	payload := map[string]any{
		"event":           event,
		"timeout_seconds": timeoutSec,
	}
	if code != "" {
		payload["code"] = code
		payload["handler"] = handler
	}
	if secrets, ok := event[SecretsKey]; ok {
		delete(event, SecretsKey)
		payload["env_vars"] = secrets
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return &AgentResult{Success: false, Error: fmt.Sprintf("failed to encode invocation payload: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/invoke", bytes.NewReader(body))
	if err != nil {
		return &AgentResult{Success: false, Error: fmt.Sprintf("failed to build invocation request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	// Give the agent the full function budget plus transport slack.
	client := &http.Client{Timeout: time.Duration(timeoutSec+5) * time.Second}

	resp, err := client.Do(req)
	if err != nil {
		var urlErr *url.Error
		if errors.As(err, &urlErr) && urlErr.Timeout() {
			g.lg.Error().Str("service", serviceName).Int("timeout_sec", timeoutSec).Msg("invocation timed out")
			return &AgentResult{
				Success:         false,
				Error:           fmt.Sprintf("Function execution exceeded %d seconds", timeoutSec),
				ExecutionTimeMS: int64(timeoutSec) * 1000,
				TimedOut:        true,
			}
		}
		g.lg.Error().Err(err).Str("service", serviceName).Msg("failed to connect to function service")
		return &AgentResult{
			Success: false,
			Error:   fmt.Sprintf("Failed to connect to function service: %v", err),
		}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &AgentResult{Success: false, Error: fmt.Sprintf("failed to read function response: %v", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		g.lg.Error().Int("status", resp.StatusCode).Str("service", serviceName).Msg("function returned http error")
		return &AgentResult{
			Success: false,
			Error:   fmt.Sprintf("Function returned HTTP error %d", resp.StatusCode),
			Logs:    snippet(raw, 500),
		}
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(contentType, "application/json") {
		g.lg.Error().Str("content_type", contentType).Str("service", serviceName).Msg("function returned non-json response")
		return &AgentResult{
			Success: false,
			Error:   fmt.Sprintf("Function returned non-JSON response (content-type: %s)", contentType),
			Logs:    snippet(raw, 500),
		}
	}

	if len(bytes.TrimSpace(raw)) == 0 {
		g.lg.Error().Str("service", serviceName).Msg("function returned empty response")
		return &AgentResult{Success: false, Error: "Function returned empty response"}
	}

	var result AgentResult
	if err := json.Unmarshal(raw, &result); err != nil {
		g.lg.Error().Err(err).Str("service", serviceName).Msg("failed to parse function response")
		return &AgentResult{
			Success: false,
			Error:   fmt.Sprintf("Failed to parse function response as JSON: %v", err),
			Logs:    snippet(raw, 500),
		}
	}
	return &result
}

func snippet(b []byte, max int) string {
	if len(b) > max {
		b = b[:max]
	}
	return string(b)
}

// KubeResolver resolves service endpoints for the kubernetes environment.
// Inside the cluster it builds the service DNS URL directly; outside it opens
// a temporary kubectl port-forward tunnel on a random local port.
type KubeResolver struct {
	Namespace string
	AgentPort int
	InCluster bool
	lg        zerolog.Logger
}

func NewKubeResolver(namespace string, agentPort int, inCluster bool, lg zerolog.Logger) *KubeResolver {
	return &KubeResolver{
		Namespace: namespace,
		AgentPort: agentPort,
		InCluster: inCluster,
		lg:        lg.With().Str("component", "kube-resolver").Logger(),
	}
}

func (r *KubeResolver) ResolveEndpoint(ctx context.Context, serviceName string) (string, func(), error) {
	if r.InCluster {
		return fmt.Sprintf("http://%s.%s.svc.cluster.local:%d", serviceName, r.Namespace, r.AgentPort), nil, nil
	}

	localPort := 30000 + rand.Intn(2000)
	cmd := exec.Command("kubectl", "port-forward",
		"service/"+serviceName,
		fmt.Sprintf("%d:%d", localPort, r.AgentPort),
		"-n", r.Namespace)
	if err := cmd.Start(); err != nil {
		return "", nil, fmt.Errorf("start port-forward to %s: %w", serviceName, err)
	}

	// Give the tunnel a moment to establish, then verify the process is
	// still alive before targeting it.
	time.Sleep(time.Second)
	if err := cmd.Process.Signal(syscall.Signal(0)); err != nil {
		_ = cmd.Wait()
		return "", nil, fmt.Errorf("port-forward to %s exited unexpectedly", serviceName)
	}

	cleanup := func() {
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
			return
		}
		done := make(chan error, 1)
		go func() { done <- cmd.Wait() }()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			r.lg.Warn().Str("service", serviceName).Msg("port-forward did not terminate gracefully, killing")
			_ = cmd.Process.Kill()
			<-done
		}
	}

	r.lg.Info().Str("service", serviceName).Int("local_port", localPort).Msg("opened port-forward tunnel")
	return fmt.Sprintf("http://localhost:%d", localPort), cleanup, nil
}
