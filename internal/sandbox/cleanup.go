package sandbox

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/errdefs"
	"github.com/rs/zerolog/log"
)

// runnerLabel marks containers created by the analysis backend.
const runnerLabel = "analysis.sandbox/exec-id"

const (
	destroyTimeout = 30 * time.Second
	stopTimeout    = 5 * time.Second
)

// destroy kills whatever is still running in c and removes it with its
// snapshot. Missing tasks and containers are not errors.
func (r *ContainerRunner) destroy(ctx context.Context, c containerd.Container) error {
	if c == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(r.client.WithNamespace(ctx), destroyTimeout)
	defer cancel()

	logger := log.With().Str("container_id", c.ID()).Logger()

	if task, err := c.Task(ctx, nil); err == nil {
		stopTask(ctx, task)
		if _, err := task.Delete(ctx, containerd.WithProcessKill); err != nil && !errdefs.IsNotFound(err) {
			logger.Warn().Err(err).Msg("failed to delete task")
		}
	}

	if err := c.Delete(ctx, containerd.WithSnapshotCleanup); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("deleting container %s: %w", c.ID(), err)
	}
	logger.Debug().Msg("container removed")
	return nil
}

func stopTask(ctx context.Context, task containerd.Task) {
	st, err := task.Status(ctx)
	if err != nil || st.Status == containerd.Stopped {
		return
	}
	waitCtx, cancel := context.WithTimeout(ctx, stopTimeout)
	defer cancel()
	exited, err := task.Wait(waitCtx)
	if err != nil {
		return
	}
	_ = task.Kill(ctx, syscall.SIGKILL)
	select {
	case <-exited:
	case <-waitCtx.Done():
		log.Warn().Str("task_id", task.ID()).Msg("task did not stop after SIGKILL")
	}
}

// CleanupOrphaned removes analysis containers a previous process left
// behind, e.g. after a crash mid-execution.
func (r *ContainerRunner) CleanupOrphaned(ctx context.Context) (int, error) {
	list, err := r.client.Raw().Containers(r.client.WithNamespace(ctx), fmt.Sprintf("labels.%q", runnerLabel))
	if err != nil {
		return 0, fmt.Errorf("listing analysis containers: %w", err)
	}

	cleaned := 0
	for _, c := range list {
		if err := r.destroy(ctx, c); err != nil {
			log.Error().Err(err).Str("container_id", c.ID()).Msg("failed to remove orphaned container")
			continue
		}
		cleaned++
	}
	return cleaned, nil
}
