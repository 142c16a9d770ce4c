package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strconv"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"

	"github.com/shehryarbajwa/browserhub/internal/logging"
	"github.com/shehryarbajwa/browserhub/pkg/models"
)

const cdpPort = nat.Port("3000/tcp")

// PoolConfig describes how browsers are launched in one region
type PoolConfig struct {
	Region       string
	Image        string
	Host         string // host the published ports are reachable on
	ReadyTimeout time.Duration
}

// DefaultPoolConfig returns the browserless/chrome defaults
func DefaultPoolConfig(region string) PoolConfig {
	return PoolConfig{
		Region:       region,
		Image:        "browserless/chrome:latest",
		Host:         "localhost",
		ReadyTimeout: 10 * time.Second,
	}
}

// Pool provisions browser containers through the docker daemon
type Pool struct {
	client *client.Client
	cfg    PoolConfig
}

// NewPool connects to the docker daemon from the environment
func NewPool(cfg PoolConfig) (*Pool, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &Pool{
		client: cli,
		cfg:    cfg,
	}, nil
}

// containerEnv translates provisioning options into browserless settings
func containerEnv(opts models.CreateOptions) []string {
	env := []string{
		"MAX_CONCURRENT_SESSIONS=1",    // one agent per container
		"PREBOOT_CHROME=true",          // faster first command
		"KEEP_ALIVE=true",              // keep chrome up between connections
		"EXIT_ON_HEALTH_FAILURE=false", // don't exit on health check failures
	}

	if opts.TimeoutSeconds > 0 {
		env = append(env, "CONNECTION_TIMEOUT="+strconv.Itoa(opts.TimeoutSeconds*1000))
	} else {
		env = append(env, "CONNECTION_TIMEOUT=-1")
	}

	args := []string{}
	if opts.Viewport.Width > 0 && opts.Viewport.Height > 0 {
		args = append(args, fmt.Sprintf("--window-size=%d,%d", opts.Viewport.Width, opts.Viewport.Height))
	}
	if slices.Contains(opts.IsolationFlags, models.IsolationIncognito) {
		args = append(args, "--incognito")
	}
	if len(args) > 0 {
		encoded, _ := json.Marshal(args)
		env = append(env, "DEFAULT_LAUNCH_ARGS="+string(encoded))
	}

	if slices.Contains(opts.IsolationFlags, models.IsolationBlockAds) {
		env = append(env, "DEFAULT_BLOCK_ADS=true")
	}
	if slices.Contains(opts.IsolationFlags, models.IsolationStealth) {
		env = append(env, "DEFAULT_STEALTH=true")
	}
	return env
}

// Create launches a browser container and waits until its CDP endpoint answers
func (p *Pool) Create(ctx context.Context, opts models.CreateOptions) (*models.BrowserHandle, error) {
	name := "browserhub-" + uuid.NewString()[:8]

	containerConfig := &container.Config{
		Image: p.cfg.Image,
		Labels: map[string]string{
			"region":     p.cfg.Region,
			"managed-by": "browserhub",
		},
		Env: containerEnv(opts),
		ExposedPorts: nat.PortSet{
			cdpPort: struct{}{},
		},
	}

	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			cdpPort: []nat.PortBinding{
				{
					HostIP:   "0.0.0.0",
					HostPort: "0",
				},
			},
		},
		AutoRemove: false,
	}

	resp, err := p.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	handle, err := p.start(ctx, resp.ID)
	if err != nil {
		// don't leak a half-started container
		if rmErr := p.remove(context.WithoutCancel(ctx), resp.ID); rmErr != nil {
			logging.Warn("browser: failed to remove container after failed start", "container_id", resp.ID, "error", rmErr)
		}
		return nil, err
	}
	return handle, nil
}

func (p *Pool) start(ctx context.Context, containerID string) (*models.BrowserHandle, error) {
	if err := p.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	inspect, err := p.client.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect container: %w", err)
	}

	bindings := inspect.NetworkSettings.Ports[cdpPort]
	if len(bindings) == 0 {
		return nil, fmt.Errorf("container %s has no published CDP port", containerID)
	}
	port := bindings[0].HostPort

	if err := p.waitForBrowserReady(ctx, port); err != nil {
		return nil, fmt.Errorf("browser failed to become ready: %w", err)
	}

	return &models.BrowserHandle{
		VendorSessionID: containerID,
		ControlURL:      fmt.Sprintf("ws://%s:%s", p.cfg.Host, port),
		LiveViewURL:     fmt.Sprintf("http://%s:%s/", p.cfg.Host, port),
		Region:          p.cfg.Region,
		CreatedAt:       time.Now(),
	}, nil
}

// Delete stops and removes the container. A container the daemon no longer
// knows about reports ErrInstanceNotFound.
func (p *Pool) Delete(ctx context.Context, containerID string) error {
	timeout := 10
	err := p.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout})
	if err != nil && !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("failed to stop container: %w", err)
	}
	if err := p.remove(ctx, containerID); err != nil {
		return err
	}
	return nil
}

func (p *Pool) remove(ctx context.Context, containerID string) error {
	err := p.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
	if cerrdefs.IsNotFound(err) {
		return fmt.Errorf("%w: %s", ErrInstanceNotFound, containerID)
	}
	if err != nil {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

// EnsureImage pulls the browser image if the daemon doesn't have it yet
func (p *Pool) EnsureImage(ctx context.Context) error {
	images, err := p.client.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return err
	}

	for _, img := range images {
		if slices.Contains(img.RepoTags, p.cfg.Image) {
			return nil
		}
	}

	reader, err := p.client.ImagePull(ctx, p.cfg.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

func (p *Pool) Close() error {
	return p.client.Close()
}

// waitForBrowserReady polls the /json/version endpoint until it answers
func (p *Pool) waitForBrowserReady(ctx context.Context, port string) error {
	url := fmt.Sprintf("http://%s:%s/json/version", p.cfg.Host, port)
	deadline := time.Now().Add(p.cfg.ReadyTimeout)

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
		case <-time.After(500 * time.Millisecond):
		}
	}

	return fmt.Errorf("browser did not become ready within %s", p.cfg.ReadyTimeout)
}
