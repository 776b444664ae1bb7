// Package docker backs the orchestrator interface with single containers on
// the local docker daemon. It exists for development; production deployments
// use the kubernetes adapter.
package docker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/fish-not-phish/FnBox/internal/config"
	"github.com/fish-not-phish/FnBox/internal/core/functions"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/rs/zerolog"
)

type Client struct {
	cli       *client.Client
	registry  *functions.RuntimeRegistry
	cfg       config.Config
	agentPort nat.Port
	lg        zerolog.Logger
}

func New(cfg config.Config, registry *functions.RuntimeRegistry, lg zerolog.Logger) (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	return &Client{
		cli:       cli,
		registry:  registry,
		cfg:       cfg,
		agentPort: nat.Port(fmt.Sprintf("%d/tcp", cfg.AgentPort)),
		lg:        lg.With().Str("adapter", "docker").Logger(),
	}, nil
}

// Deploy runs the runtime image as one container with the function code
// bind-mounted, then waits for the agent health endpoint. Dependency installs
// are not performed here; dev images are expected to carry what they need.
func (c *Client) Deploy(ctx context.Context, req functions.DeployRequest) (*functions.Deployment, error) {
	img, err := c.registry.Image(req.Runtime)
	if err != nil {
		return nil, err
	}

	name := workloadName(req.FunctionID)
	codeDir := filepath.Join(c.cfg.FunctionStorageDir, req.FunctionID)
	if err := os.MkdirAll(codeDir, 0755); err != nil {
		return nil, fmt.Errorf("create function dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(codeDir, "function.py"), []byte(req.Code), 0644); err != nil {
		return nil, fmt.Errorf("write function code: %w", err)
	}

	if err := c.ensureImage(ctx, img); err != nil {
		return nil, err
	}

	_ = c.cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true})

	resp, err := c.cli.ContainerCreate(ctx,
		&container.Config{
			Image: img,
			Env: []string{
				"FUNCTION_ID=" + req.FunctionID,
				"RUNTIME=" + req.Runtime,
			},
			Labels: map[string]string{
				"fnbox.function-id": req.FunctionID,
			},
			ExposedPorts: nat.PortSet{c.agentPort: struct{}{}},
		},
		&container.HostConfig{
			Binds: []string{fmt.Sprintf("%s:/app/function.py", filepath.Join(codeDir, "function.py"))},
			PortBindings: nat.PortMap{
				c.agentPort: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: ""}},
			},
		},
		nil, nil, name,
	)
	if err != nil {
		return nil, fmt.Errorf("docker create: %w", err)
	}

	if err := c.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("docker start: %w", err)
	}

	hostPort, err := c.hostPort(ctx, resp.ID)
	if err != nil {
		return nil, err
	}

	budget := time.Duration(functions.ReadinessTimeout(len(req.Dependencies))) * time.Second
	if err := c.waitForAgent(ctx, hostPort, budget); err != nil {
		return nil, err
	}

	c.lg.Info().
		Str("container_id", resp.ID).
		Str("function_id", req.FunctionID).
		Int("host_port", hostPort).
		Msg("function container started")

	return &functions.Deployment{
		DeploymentName: name,
		ServiceName:    name,
		ServiceIP:      "127.0.0.1",
		PodName:        resp.ID,
		Status:         "running",
	}, nil
}

// Delete force-removes the container; an absent container is not an error.
func (c *Client) Delete(ctx context.Context, deploymentName string) error {
	err := c.cli.ContainerRemove(ctx, deploymentName, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("docker remove: %w", err)
	}
	c.lg.Info().Str("container", deploymentName).Msg("removed function container")
	return nil
}

func (c *Client) GetStatus(ctx context.Context, deploymentName string) (*functions.DeploymentStatus, error) {
	inspect, err := c.cli.ContainerInspect(ctx, deploymentName)
	if err != nil {
		if client.IsErrNotFound(err) {
			return &functions.DeploymentStatus{DeploymentName: deploymentName, Status: "not_found"}, nil
		}
		return nil, fmt.Errorf("docker inspect: %w", err)
	}

	status := "pending"
	ready := int32(0)
	if inspect.State != nil && inspect.State.Running {
		status = "running"
		ready = 1
	}
	return &functions.DeploymentStatus{
		DeploymentName:  deploymentName,
		Status:          status,
		ReadyReplicas:   ready,
		DesiredReplicas: 1,
	}, nil
}

func (c *Client) List(ctx context.Context) ([]functions.DeploymentInfo, error) {
	containers, err := c.cli.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return nil, fmt.Errorf("docker list: %w", err)
	}

	var infos []functions.DeploymentInfo
	for _, ct := range containers {
		functionID, ok := ct.Labels["fnbox.function-id"]
		if !ok {
			continue
		}
		name := ""
		if len(ct.Names) > 0 {
			name = ct.Names[0]
		}
		ready := int32(0)
		if ct.State == "running" {
			ready = 1
		}
		infos = append(infos, functions.DeploymentInfo{
			FunctionID:     functionID,
			DeploymentName: name,
			Replicas:       1,
			ReadyReplicas:  ready,
			CreatedAt:      time.Unix(ct.Created, 0).UTC().Format(time.RFC3339),
		})
	}
	return infos, nil
}

// Scale is not meaningful for single dev containers.
func (c *Client) Scale(ctx context.Context, deploymentName string, replicas int32) error {
	return fmt.Errorf("scaling is not supported in the docker environment")
}

// ResolveEndpoint returns the local agent URL for a deployed container. It
// implements the gateway's endpoint resolver for the docker environment.
func (c *Client) ResolveEndpoint(ctx context.Context, serviceName string) (string, func(), error) {
	hostPort, err := c.hostPort(ctx, serviceName)
	if err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("http://127.0.0.1:%d", hostPort), nil, nil
}

func (c *Client) hostPort(ctx context.Context, containerID string) (int, error) {
	inspect, err := c.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return 0, fmt.Errorf("docker inspect: %w", err)
	}
	bindings := inspect.NetworkSettings.Ports[c.agentPort]
	if len(bindings) == 0 {
		return 0, fmt.Errorf("no host port bound for %s", containerID)
	}
	hostPort, err := strconv.Atoi(bindings[0].HostPort)
	if err != nil {
		return 0, fmt.Errorf("parse host port: %w", err)
	}
	return hostPort, nil
}

func (c *Client) waitForAgent(ctx context.Context, hostPort int, budget time.Duration) error {
	url := fmt.Sprintf("http://127.0.0.1:%d/health", hostPort)
	deadline := time.Now().Add(budget)
	for time.Now().Before(deadline) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return fmt.Errorf("%w: agent on port %d not ready after %s", functions.ErrDeploymentTimeout, hostPort, budget)
}

func (c *Client) ensureImage(ctx context.Context, img string) error {
	_, _, err := c.cli.ImageInspectWithRaw(ctx, img)
	if err == nil {
		return nil
	}
	if !client.IsErrNotFound(err) {
		return fmt.Errorf("image inspect: %w", err)
	}

	c.lg.Info().Str("image", img).Msg("pulling image")
	rc, err := c.cli.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("image pull: %w", err)
	}
	defer rc.Close()
	_, _ = io.Copy(io.Discard, rc)

	return nil
}

func workloadName(functionID string) string {
	id := functionID
	if len(id) > 8 {
		id = id[:8]
	}
	return "func-" + id
}
