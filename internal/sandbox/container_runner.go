package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/oci"
	"github.com/google/uuid"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog/log"
)

const (
	BackendContainer = "container"

	containerPrefix = "analysis-"
	maxCodeBytes    = 1 << 20
)

var harnessEnv = []string{
	"HOME=/tmp",
	"LANG=C.UTF-8",
	"MPLCONFIGDIR=/tmp",
	"PYTHONDONTWRITEBYTECODE=1",
}

// ContainerOptions are the fixed settings of the container backend.
type ContainerOptions struct {
	Image     string
	CPUShares int64
	PidsLimit int64
	DiskMB    int64
}

// ContainerRunner runs analysis scripts under CPython in a locked-down
// containerd container. The script, table and harness are mounted
// read-only; the container has no network.
type ContainerRunner struct {
	client *Client
	opts   ContainerOptions
}

func NewContainerRunner(client *Client, opts ContainerOptions) *ContainerRunner {
	return &ContainerRunner{client: client, opts: opts}
}

func (r *ContainerRunner) Name() string { return BackendContainer }

func (r *ContainerRunner) Close() error {
	return r.client.Close()
}

// Execute runs one script in a fresh container. A script that outlives its
// timeout is killed and reported as TimeoutError.
func (r *ContainerRunner) Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	req = req.withDefaults()
	execID := uuid.New().String()
	res := newResult(execID, r.Name(), req.Code)
	start := time.Now()

	logger := log.With().
		Str("exec_id", execID).
		Str("backend", BackendContainer).
		Str("code_hash", res.CodeHash[:16]).
		Logger()

	limits := resourceLimits(req.Limits, r.opts)
	if err := r.validateRequest(req, limits); err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "validate", Err: err}
	}

	hostDir, err := r.prepareWorkspace(execID, req)
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(hostDir)

	execCtx, cancel := context.WithTimeout(ctx, req.Limits.Timeout)
	defer cancel()

	image, err := r.client.EnsureImage(execCtx, r.opts.Image)
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "pull_image", Err: err}
	}

	container, err := r.createContainer(execCtx, execID, image, hostDir, limits)
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "create_container", Err: err}
	}
	defer func() {
		if cleanErr := r.destroy(context.Background(), container); cleanErr != nil {
			logger.Error().Err(cleanErr).Msg("container cleanup failed")
		}
	}()

	// The harness bounds what the script prints; these caps only guard
	// against output written around it.
	stdout := &limitedBuffer{max: 4*req.Limits.MaxOutputBytes + maxCodeBytes}
	stderr := &limitedBuffer{max: req.Limits.MaxOutputBytes}

	nsCtx := r.client.WithNamespace(execCtx)
	task, err := container.NewTask(nsCtx, cio.NewCreator(cio.WithStreams(nil, stdout, stderr)))
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "create_task", Err: err}
	}
	defer func() {
		if _, err := task.Delete(r.client.WithNamespace(context.Background()), containerd.WithProcessKill); err != nil {
			logger.Error().Err(err).Msg("task delete failed")
		}
	}()

	exitCh, err := task.Wait(nsCtx)
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "task_wait", Err: err}
	}
	if err := task.Start(nsCtx); err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "task_start", Err: err}
	}
	logger.Info().Msg("task started")

	select {
	case status := <-exitCh:
		code, _, exitErr := status.Result()
		if exitErr != nil {
			return nil, &ExecutionError{ExecID: execID, Op: "task_exit", Err: exitErr}
		}
		out, stray, err := parseHarnessOutput(stdout.buf.String())
		if err != nil {
			logger.Error().Uint32("exit_code", code).Str("stderr", stderr.String()).Msg("harness produced no result")
			return nil, &ExecutionError{ExecID: execID, Op: "harness", Err: fmt.Errorf("exit code %d: %w", code, err)}
		}
		out.apply(res, req.Limits.MaxOutputBytes)
		if stray != "" {
			res.warn("output written outside the script capture was discarded")
		}

	case <-execCtx.Done():
		if ctx.Err() != nil {
			return nil, &ExecutionError{ExecID: execID, Op: "execute", Err: ctx.Err()}
		}
		logger.Warn().Msg("execution timed out, killing task")
		if err := task.Kill(r.client.WithNamespace(context.Background()), syscall.SIGKILL); err != nil {
			logger.Error().Err(err).Msg("failed to kill timed out task")
		}
		<-exitCh
		res.ErrorType = TimeoutError
		res.Error = fmt.Sprintf("%s: %v after %s", TimeoutError, ErrTimeout, req.Limits.Timeout)
	}

	res.finish(start)
	logger.Info().
		Int("charts", len(res.Charts)).
		Dur("duration", res.Duration).
		Msg("execution completed")
	return res, nil
}

// prepareWorkspace writes the harness and its request into a host
// directory that is bind-mounted read-only.
func (r *ContainerRunner) prepareWorkspace(execID string, req ExecutionRequest) (string, error) {
	input, err := buildHarnessInput(req)
	if err != nil {
		return "", &ExecutionError{ExecID: execID, Op: "encode_request", Err: err}
	}

	dir, err := os.MkdirTemp("", containerPrefix+execID+"-*")
	if err != nil {
		return "", &ExecutionError{ExecID: execID, Op: "create_temp_dir", Err: err}
	}
	files := map[string][]byte{
		harnessFile:    harnessScript,
		harnessRequest: input,
	}
	for name, data := range files {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, data, 0600); err != nil {
			os.RemoveAll(dir)
			return "", &ExecutionError{ExecID: execID, Op: "write_" + name, Err: err}
		}
		if err := os.Chmod(path, 0444); err != nil { // #nosec G302 -- container runs as nobody
			os.RemoveAll(dir)
			return "", &ExecutionError{ExecID: execID, Op: "chmod_" + name, Err: err}
		}
	}
	// The directory itself must be traversable by the container user.
	if err := os.Chmod(dir, 0755); err != nil { // #nosec G302
		os.RemoveAll(dir)
		return "", &ExecutionError{ExecID: execID, Op: "chmod_workspace", Err: err}
	}
	return dir, nil
}

func (r *ContainerRunner) createContainer(
	ctx context.Context,
	execID string,
	image containerd.Image,
	hostDir string,
	limits ResourceLimits,
) (containerd.Container, error) {
	id := containerPrefix + execID
	container, err := r.client.Raw().NewContainer(r.client.WithNamespace(ctx), id,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(id+"-snapshot", image),
		containerd.WithContainerLabels(map[string]string{runnerLabel: execID}),
		containerd.WithNewSpec(
			oci.WithImageConfig(image),
			oci.WithProcessArgs("python3", "-I", "-B", workspaceMount+"/"+harnessFile),
			oci.WithHostname("analysis"),
			withAnalysisIsolation,
			withResourceLimits(limits),
			oci.WithMounts([]specs.Mount{{
				Destination: workspaceMount,
				Type:        "bind",
				Source:      hostDir,
				Options:     []string{"rbind", "ro"},
			}}),
			oci.WithEnv(harnessEnv),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("creating container: %w", err)
	}
	return container, nil
}

func (r *ContainerRunner) validateRequest(req ExecutionRequest, limits ResourceLimits) error {
	if req.Code == "" {
		return fmt.Errorf("%w: code is empty", ErrInvalidRequest)
	}
	if len(req.Code) > maxCodeBytes {
		return fmt.Errorf("%w: code exceeds 1MB limit", ErrInvalidRequest)
	}
	if r.opts.Image == "" {
		return fmt.Errorf("%w: no container image configured", ErrInvalidRequest)
	}
	return limits.Validate()
}
