package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/quantchat/internal/domain"
	"github.com/ashureev/quantchat/internal/observability"
	sbtemplate "github.com/ashureev/quantchat/internal/sandbox/template"
	"github.com/ashureev/quantchat/internal/store"
	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
)

//go:embed runner.py
var runnerSource []byte

const (
	containerPrefix = "quantchat-sandbox-"
	labelManaged    = "quantchat.sandbox"
	labelSandboxID  = "quantchat.sandbox.id"
	labelTemplate   = "quantchat.sandbox.template"

	// Cells, the runner and its kernel socket live under scratchDir inside
	// the container.
	scratchParent = "/tmp"
	scratchName   = ".quantchat"
	scratchDir    = scratchParent + "/" + scratchName
	runnerPath    = scratchDir + "/runner.py"

	// Exit status of a process killed with SIGKILL.
	exitKilled = 137

	// The kernel interrupts a cell at its timeout. The runner client kills a
	// kernel that does not answer within a few more seconds, timeout(1) kills
	// the client after killGrace, and the exec call is abandoned after
	// runGrace.
	killGrace = 10 * time.Second
	runGrace  = 20 * time.Second

	maxLineBytes = 64 * 1024

	defaultNetwork = "quantchat-sandbox"
	defaultSubnet  = "172.29.0.0/16"
)

// DockerConfig configures sandbox containers.
type DockerConfig struct {
	// Runtime is "" for the default runtime or "runsc" for gVisor.
	Runtime     string
	Network     string
	Subnet      string
	User        string
	Workdir     string
	MemoryBytes int64
	CPUQuota    int64
	PidsLimit   int64
	DNS         []string
}

func (c *DockerConfig) applyDefaults() {
	if c.Network == "" {
		c.Network = defaultNetwork
	}
	if c.Subnet == "" {
		c.Subnet = defaultSubnet
	}
	if c.MemoryBytes == 0 {
		c.MemoryBytes = 2 * 1024 * 1024 * 1024
	}
	if c.CPUQuota == 0 {
		c.CPUQuota = 100000
	}
	if c.PidsLimit == 0 {
		c.PidsLimit = 256
	}
}

// DockerProvider runs sandboxes as long-lived Docker containers and tracks
// them in the sandbox registry.
type DockerProvider struct {
	cli  *client.Client
	repo store.Repository
	cfg  DockerConfig
	log  *slog.Logger
}

// NewDockerProvider creates a Docker-backed sandbox provider.
func NewDockerProvider(repo store.Repository, cfg DockerConfig, logger *slog.Logger) (*DockerProvider, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()

	runtime := cfg.Runtime
	if runtime == "" {
		runtime = "default"
	}
	logger.Info("Docker client initialized", "runtime", runtime, "network", cfg.Network)

	return &DockerProvider{cli: cli, repo: repo, cfg: cfg, log: logger}, nil
}

// Client returns the underlying Docker client.
func (p *DockerProvider) Client() *client.Client {
	return p.cli
}

// Ping checks that the Docker daemon is reachable.
func (p *DockerProvider) Ping(ctx context.Context) error {
	if _, err := p.cli.Ping(ctx); err != nil {
		return fmt.Errorf("ping docker daemon: %w", err)
	}
	return nil
}

// BuildImage builds the sandbox template image, writing build progress to out.
func (p *DockerProvider) BuildImage(ctx context.Context, opts sbtemplate.BuildOptions, out io.Writer) error {
	p.log.Info("Building sandbox image", "image", opts.Tag, "pull", opts.Pull)
	start := time.Now()
	if err := sbtemplate.Build(ctx, p.cli, opts, out); err != nil {
		return err
	}
	p.log.Info("Sandbox image built", "image", opts.Tag, "duration_ms", time.Since(start).Milliseconds())
	return nil
}

// Close releases the Docker client.
func (p *DockerProvider) Close() error {
	return p.cli.Close()
}

// EnsureNetwork creates the sandbox bridge network if it doesn't exist.
func (p *DockerProvider) EnsureNetwork(ctx context.Context) (string, error) {
	networks, err := p.cli.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		return "", fmt.Errorf("list networks: %w", err)
	}

	for _, nw := range networks {
		if nw.Name == p.cfg.Network {
			p.log.Info("Sandbox network already exists", "network_id", nw.ID)
			return nw.ID, nil
		}
	}

	resp, err := p.cli.NetworkCreate(ctx, p.cfg.Network, network.CreateOptions{
		Driver: "bridge",
		IPAM: &network.IPAM{
			Config: []network.IPAMConfig{{Subnet: p.cfg.Subnet}},
		},
	})
	if err != nil {
		return "", fmt.Errorf("create network %s: %w", p.cfg.Network, err)
	}

	p.log.Info("Sandbox network created", "network_id", resp.ID, "subnet", p.cfg.Subnet)
	return resp.ID, nil
}

// Create starts a new sandbox container from the template image.
func (p *DockerProvider) Create(ctx context.Context, template string, opts CreateOptions) (Sandbox, error) {
	opts = createDefaults(opts)
	sandboxID := uuid.NewString()

	reqCtx, cancel := context.WithTimeout(ctx, opts.RequestTimeout)
	defer cancel()

	containerID, err := p.createContainer(reqCtx, sandboxID, template, opts.Env)
	observability.SandboxOperationsTotal.WithLabelValues("create", observability.Outcome(err)).Inc()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if err := p.repo.UpsertSandbox(ctx, &domain.Sandbox{
		SandboxID:    sandboxID,
		Template:     template,
		State:        domain.SandboxRunning,
		IdleTimeout:  opts.IdleTimeout,
		LastActiveAt: now,
		CreatedAt:    now,
	}); err != nil {
		p.log.Warn("Failed to register sandbox", "sandbox_id", sandboxID, "error", err)
	}

	p.log.Info("Sandbox created", "sandbox_id", sandboxID, "container_id", containerID, "template", template)
	return p.handle(sandboxID, containerID, opts.RequestTimeout), nil
}

func (p *DockerProvider) createContainer(ctx context.Context, sandboxID, template string, env map[string]string) (string, error) {
	config := &container.Config{
		Image:      template,
		Cmd:        []string{"sleep", "infinity"},
		User:       p.cfg.User,
		WorkingDir: p.cfg.Workdir,
		Env:        envList(env),
		Labels: map[string]string{
			labelManaged:   "true",
			labelSandboxID: sandboxID,
			labelTemplate:  template,
		},
	}

	hostConfig := &container.HostConfig{
		Runtime:     p.cfg.Runtime,
		NetworkMode: container.NetworkMode(p.cfg.Network),
		Init:        ptr(true),
		Resources: container.Resources{
			Memory:    p.cfg.MemoryBytes,
			CPUQuota:  p.cfg.CPUQuota,
			PidsLimit: ptr(p.cfg.PidsLimit),
		},
		DNS:        p.cfg.DNS,
		ExtraHosts: []string{"host.docker.internal:host-gateway"},
	}

	name := containerPrefix + sandboxID
	resp, err := p.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, name)
	if err != nil && errdefs.IsNotFound(err) {
		if pullErr := p.pullImage(ctx, template); pullErr != nil {
			return "", pullErr
		}
		resp, err = p.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, name)
	}
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}

	if err := p.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		if removeErr := p.cli.ContainerRemove(context.WithoutCancel(ctx), resp.ID, container.RemoveOptions{Force: true}); removeErr != nil {
			p.log.Warn("Failed to remove container after start failure", "container_id", resp.ID, "error", removeErr)
		}
		return "", fmt.Errorf("start container %s: %w", resp.ID, err)
	}
	return resp.ID, nil
}

func (p *DockerProvider) pullImage(ctx context.Context, ref string) error {
	p.log.Info("Pulling sandbox image", "image", ref)
	rc, err := p.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s (local templates are built with sandboxctl build-image): %w", ref, err)
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("read image pull progress: %w", err)
	}
	return nil
}

// Connect resumes an existing sandbox, unpausing or restarting its container
// as needed.
func (p *DockerProvider) Connect(ctx context.Context, sandboxID string, opts ConnectOptions) (Sandbox, error) {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}

	reqCtx, cancel := context.WithTimeout(ctx, opts.RequestTimeout)
	defer cancel()

	containerID, template, err := p.resume(reqCtx, sandboxID)
	observability.SandboxOperationsTotal.WithLabelValues("connect", observability.Outcome(err)).Inc()
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			p.forget(ctx, sandboxID)
		}
		return nil, err
	}

	now := time.Now()
	if err := p.repo.UpsertSandbox(ctx, &domain.Sandbox{
		SandboxID:    sandboxID,
		Template:     template,
		State:        domain.SandboxRunning,
		IdleTimeout:  opts.IdleTimeout,
		LastActiveAt: now,
	}); err != nil {
		p.log.Warn("Failed to update sandbox registry", "sandbox_id", sandboxID, "error", err)
	}

	p.log.Info("Sandbox connected", "sandbox_id", sandboxID, "container_id", containerID)
	return p.handle(sandboxID, containerID, opts.RequestTimeout), nil
}

func (p *DockerProvider) resume(ctx context.Context, sandboxID string) (string, string, error) {
	inspect, err := p.cli.ContainerInspect(ctx, containerPrefix+sandboxID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return "", "", fmt.Errorf("sandbox %s: %w", sandboxID, ErrNotFound)
		}
		return "", "", fmt.Errorf("inspect sandbox %s: %w", sandboxID, err)
	}
	if inspect.Config == nil || inspect.Config.Labels[labelManaged] != "true" {
		return "", "", fmt.Errorf("sandbox %s: %w", sandboxID, ErrNotSandbox)
	}
	template := inspect.Config.Labels[labelTemplate]

	switch {
	case inspect.State != nil && inspect.State.Paused:
		if err := p.cli.ContainerUnpause(ctx, inspect.ID); err != nil {
			return "", "", fmt.Errorf("unpause sandbox %s: %w", sandboxID, err)
		}
	case inspect.State == nil || !inspect.State.Running:
		if err := p.cli.ContainerStart(ctx, inspect.ID, container.StartOptions{}); err != nil {
			return "", "", fmt.Errorf("restart sandbox %s: %w", sandboxID, err)
		}
	}
	return inspect.ID, template, nil
}

// KillSandbox force-removes a sandbox container and drops its registry entry.
// It is idempotent.
func (p *DockerProvider) KillSandbox(ctx context.Context, sandboxID string) error {
	err := p.removeContainer(ctx, containerPrefix+sandboxID)
	observability.SandboxOperationsTotal.WithLabelValues("kill", observability.Outcome(err)).Inc()
	if err != nil {
		return err
	}
	p.forget(ctx, sandboxID)
	p.log.Info("Sandbox killed", "sandbox_id", sandboxID)
	return nil
}

func (p *DockerProvider) removeContainer(ctx context.Context, ref string) error {
	if err := p.cli.ContainerRemove(ctx, ref, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) {
			p.log.Debug("Container already removed", "container", ref)
			return nil
		}
		if strings.Contains(err.Error(), "is already in progress") {
			p.log.Debug("Container removal already in progress", "container", ref)
			return nil
		}
		return fmt.Errorf("remove container %s: %w", ref, err)
	}
	return nil
}

func (p *DockerProvider) forget(ctx context.Context, sandboxID string) {
	if err := deleteSandboxWithRetry(context.WithoutCancel(ctx), p.repo, sandboxID); err != nil {
		p.log.Warn("Failed to drop sandbox from registry", "sandbox_id", sandboxID, "error", err)
	}
}

// ManagedContainer describes a sandbox container found on the Docker host.
type ManagedContainer struct {
	SandboxID   string
	ContainerID string
	Template    string
	State       string
}

// ListContainers returns every sandbox container on the host, including ones
// the registry no longer knows about.
func (p *DockerProvider) ListContainers(ctx context.Context) ([]ManagedContainer, error) {
	list, err := p.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", labelManaged+"=true")),
	})
	if err != nil {
		return nil, fmt.Errorf("list sandbox containers: %w", err)
	}

	out := make([]ManagedContainer, 0, len(list))
	for _, c := range list {
		out = append(out, ManagedContainer{
			SandboxID:   c.Labels[labelSandboxID],
			ContainerID: c.ID,
			Template:    c.Labels[labelTemplate],
			State:       string(c.State),
		})
	}
	return out, nil
}

func (p *DockerProvider) handle(sandboxID, containerID string, requestTimeout time.Duration) *dockerSandbox {
	return &dockerSandbox{
		p:              p,
		id:             sandboxID,
		containerID:    containerID,
		requestTimeout: requestTimeout,
	}
}

type dockerSandbox struct {
	p              *DockerProvider
	id             string
	containerID    string
	requestTimeout time.Duration
}

func (s *dockerSandbox) ID() string { return s.id }

// RunCode copies the source into the container and runs it in the sandbox's
// kernel, a long-lived interpreter the bundled runner starts on first use.
// Globals survive between calls and across Pause. Output is streamed line by
// line while the cell runs.
func (s *dockerSandbox) RunCode(ctx context.Context, code string, opts RunOptions) (*Execution, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultRunTimeout
	}
	start := time.Now()

	cellID := uuid.NewString()
	cellPath := scratchDir + "/" + cellID + ".py"
	errPath := scratchDir + "/" + cellID + ".err.json"

	if err := s.upload(ctx, map[string][]byte{
		"runner.py":    runnerSource,
		cellID + ".py": []byte(code),
	}); err != nil {
		return nil, err
	}
	defer s.cleanup(ctx, cellPath, errPath)

	s.touch(ctx)

	runCtx, cancel := context.WithTimeout(ctx, opts.Timeout+runGrace)
	defer cancel()

	execResp, err := s.p.cli.ContainerExecCreate(runCtx, s.containerID, container.ExecOptions{
		Cmd:          runnerCommand(cellPath, errPath, opts.Timeout),
		Env:          envList(opts.Env),
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create exec in sandbox %s: %w", s.id, err)
	}

	attach, err := s.p.cli.ContainerExecAttach(runCtx, execResp.ID, container.ExecStartOptions{})
	if err != nil {
		return nil, fmt.Errorf("attach exec in sandbox %s: %w", s.id, err)
	}
	defer attach.Close()

	stdout := &lineWriter{emit: opts.OnStdout}
	stderr := &lineWriter{emit: opts.OnStderr}
	_, copyErr := stdcopy.StdCopy(stdout, stderr, attach.Reader)
	stdout.Flush()
	stderr.Flush()

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	result := &Execution{}
	if copyErr != nil && !errors.Is(copyErr, io.EOF) && runCtx.Err() == nil {
		return nil, fmt.Errorf("read exec output in sandbox %s: %w", s.id, copyErr)
	}

	if runCtx.Err() != nil {
		result.ExitCode = exitKilled
	} else {
		exitCode, err := s.waitExec(runCtx, execResp.ID)
		if err != nil {
			return nil, err
		}
		result.ExitCode = exitCode
	}

	elapsed := time.Since(start)
	result.Error = classifyExit(result.ExitCode, elapsed, opts.Timeout)
	if result.Error == nil && result.ExitCode != 0 {
		result.Error = s.readExecutionError(ctx, errPath, result.ExitCode)
	}

	outcome := "ok"
	if result.Error != nil {
		outcome = "error"
		if result.Error.Name == "TimeoutError" {
			outcome = "timeout"
		}
		if opts.OnError != nil {
			opts.OnError(result.Error)
		}
	}
	observability.CodeExecutionDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())

	s.touch(ctx)
	return result, nil
}

// runnerCommand is the exec command that runs one cell in the kernel.
func runnerCommand(cellPath, errPath string, timeout time.Duration) []string {
	secs := timeoutSeconds(timeout)
	outer := strconv.FormatInt(secs+int64(killGrace/time.Second), 10)
	return []string{"timeout", "-s", "KILL", outer, "python3", "-u", runnerPath, "run", cellPath, errPath, strconv.FormatInt(secs, 10)}
}

func timeoutSeconds(d time.Duration) int64 {
	return int64((d + time.Second - 1) / time.Second)
}

// classifyExit maps a SIGKILLed runner to a timeout or an out-of-memory kill.
// It returns nil for every other status: success, or a failure whose detail
// the runner recorded in the cell's error file.
func classifyExit(exitCode int, elapsed, timeout time.Duration) *ExecutionError {
	if exitCode != exitKilled {
		return nil
	}
	if elapsed >= timeout {
		return &ExecutionError{
			Name:  "TimeoutError",
			Value: fmt.Sprintf("Execution timed out after %ds", timeoutSeconds(timeout)),
		}
	}
	return &ExecutionError{
		Name:  "KilledError",
		Value: "Execution was killed, most likely by running out of memory",
	}
}

func (s *dockerSandbox) readExecutionError(ctx context.Context, errPath string, exitCode int) *ExecutionError {
	data, err := s.ReadFile(ctx, errPath)
	if err == nil {
		var execErr ExecutionError
		if jsonErr := json.Unmarshal(data, &execErr); jsonErr == nil && execErr.Name != "" {
			return &execErr
		}
	}
	return &ExecutionError{
		Name:  "ExitError",
		Value: fmt.Sprintf("process exited with code %d", exitCode),
	}
}

func (s *dockerSandbox) waitExec(ctx context.Context, execID string) (int, error) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		ins, err := s.p.cli.ContainerExecInspect(ctx, execID)
		if err != nil {
			return 1, fmt.Errorf("inspect exec %s: %w", execID, err)
		}
		if !ins.Running {
			return ins.ExitCode, nil
		}
		select {
		case <-ctx.Done():
			return 1, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *dockerSandbox) upload(ctx context.Context, files map[string][]byte) error {
	reqCtx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()

	archive, err := buildArchive(scratchName, files)
	if err != nil {
		return err
	}
	if err := s.p.cli.CopyToContainer(reqCtx, s.containerID, scratchParent, archive, container.CopyToContainerOptions{
		AllowOverwriteDirWithFile: true,
	}); err != nil {
		return fmt.Errorf("copy code into sandbox %s: %w", s.id, err)
	}
	return nil
}

// cleanup runs as root: uploaded cells are root-owned in a sticky directory.
func (s *dockerSandbox) cleanup(ctx context.Context, paths ...string) {
	if err := s.execAs(context.WithoutCancel(ctx), "0", append([]string{"rm", "-f"}, paths...)); err != nil {
		s.p.log.Debug("Failed to clean up cell files", "sandbox_id", s.id, "error", err)
	}
}

func (s *dockerSandbox) touch(ctx context.Context) {
	if err := s.p.repo.TouchSandbox(ctx, s.id, time.Now()); err != nil {
		s.p.log.Debug("Failed to touch sandbox", "sandbox_id", s.id, "error", err)
	}
}

// ReadFile copies a single file out of the container.
func (s *dockerSandbox) ReadFile(ctx context.Context, p string) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()

	rc, _, err := s.p.cli.CopyFromContainer(reqCtx, s.containerID, p)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, fmt.Errorf("read %s: %w", p, ErrNotFound)
		}
		return nil, fmt.Errorf("copy %s from sandbox %s: %w", p, s.id, err)
	}
	defer rc.Close()

	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read archive for %s: %w", p, err)
		}
		if hdr.Typeflag == tar.TypeReg {
			data, err := io.ReadAll(tr)
			if err != nil {
				return nil, fmt.Errorf("read %s: %w", p, err)
			}
			return data, nil
		}
	}
	return nil, fmt.Errorf("read %s: %w", p, ErrNotFound)
}

// RemoveFile deletes a file inside the container. Missing files are ignored.
func (s *dockerSandbox) RemoveFile(ctx context.Context, p string) error {
	if err := s.exec(ctx, []string{"rm", "-f", p}); err != nil {
		return fmt.Errorf("remove %s: %w", p, err)
	}
	return nil
}

func (s *dockerSandbox) exec(ctx context.Context, cmd []string) error {
	return s.execAs(ctx, "", cmd)
}

// execAs runs cmd as user, or as the container's user when user is empty.
func (s *dockerSandbox) execAs(ctx context.Context, user string, cmd []string) error {
	reqCtx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()

	resp, err := s.p.cli.ContainerExecCreate(reqCtx, s.containerID, container.ExecOptions{User: user, Cmd: cmd})
	if err != nil {
		return fmt.Errorf("create exec: %w", err)
	}
	if err := s.p.cli.ContainerExecStart(reqCtx, resp.ID, container.ExecStartOptions{}); err != nil {
		return fmt.Errorf("start exec: %w", err)
	}
	code, err := s.waitExec(reqCtx, resp.ID)
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("%s exited with code %d", cmd[0], code)
	}
	return nil
}

// Pause freezes the container so its processes survive until the next Connect.
func (s *dockerSandbox) Pause(ctx context.Context) error {
	reqCtx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()

	err := s.p.cli.ContainerPause(reqCtx, s.containerID)
	observability.SandboxOperationsTotal.WithLabelValues("pause", observability.Outcome(err)).Inc()
	if err != nil {
		return fmt.Errorf("pause sandbox %s: %w", s.id, err)
	}
	if err := s.p.repo.UpdateSandboxState(ctx, s.id, domain.SandboxPaused); err != nil {
		s.p.log.Warn("Failed to mark sandbox paused", "sandbox_id", s.id, "error", err)
	}
	s.p.log.Info("Sandbox paused", "sandbox_id", s.id)
	return nil
}

// Kill destroys the sandbox.
func (s *dockerSandbox) Kill(ctx context.Context) error {
	reqCtx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()
	return s.p.KillSandbox(reqCtx, s.id)
}

// lineWriter splits a byte stream into lines and hands each one, newline
// included, to emit. Lines longer than maxLineBytes are emitted in pieces.
type lineWriter struct {
	emit func(string)
	buf  []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.send(w.buf[:i+1])
		w.buf = w.buf[i+1:]
	}
	if len(w.buf) >= maxLineBytes {
		w.send(w.buf)
		w.buf = nil
	}
	return len(p), nil
}

// Flush emits any trailing partial line.
func (w *lineWriter) Flush() {
	if len(w.buf) > 0 {
		w.send(w.buf)
		w.buf = nil
	}
}

func (w *lineWriter) send(b []byte) {
	if w.emit != nil {
		w.emit(string(b))
	}
}

// buildArchive packs files into a tar stream rooted at dir.
func buildArchive(dir string, files map[string][]byte) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	if err := tw.WriteHeader(&tar.Header{
		Name:     dir + "/",
		Mode:     0o1777,
		Typeflag: tar.TypeDir,
		ModTime:  time.Now(),
	}); err != nil {
		return nil, fmt.Errorf("write archive dir header: %w", err)
	}

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		data := files[name]
		if err := tw.WriteHeader(&tar.Header{
			Name:     path.Join(dir, name),
			Mode:     0o644,
			Size:     int64(len(data)),
			Typeflag: tar.TypeReg,
			ModTime:  time.Now(),
		}); err != nil {
			return nil, fmt.Errorf("write archive header for %s: %w", name, err)
		}
		if _, err := tw.Write(data); err != nil {
			return nil, fmt.Errorf("write archive content for %s: %w", name, err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close archive: %w", err)
	}
	return &buf, nil
}

func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func createDefaults(opts CreateOptions) CreateOptions {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	return opts
}

func ptr[T any](v T) *T {
	return &v
}
