package runtime

import (
	"context"
	"fmt"
	"strconv"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/capstanhq/capstan/pkg/types"
)

const (
	// DefaultNamespace is the containerd namespace for Capstan
	DefaultNamespace = "capstan"

	// DefaultSocketPath is the default containerd socket
	DefaultSocketPath = "/run/containerd/containerd.sock"

	// Labels applied to every unit Capstan creates
	labelTarget = "capstan.target"
	labelSpec   = "capstan.spec"
	labelSlot   = "capstan.slot"
	labelPort   = "capstan.port"
)

// ContainerdRuntime implements ContainerRuntime using containerd
type ContainerdRuntime struct {
	client    *containerd.Client
	namespace string
}

// NewContainerdRuntime creates a new containerd runtime client
func NewContainerdRuntime(socketPath string) (*ContainerdRuntime, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}

	return &ContainerdRuntime{
		client:    client,
		namespace: DefaultNamespace,
	}, nil
}

// Close closes the containerd client connection
func (r *ContainerdRuntime) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// ListUnits returns all units labeled with the given target key
func (r *ContainerdRuntime) ListUnits(ctx context.Context, target string) ([]*types.Unit, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	filter := fmt.Sprintf(`labels.%q==%q`, labelTarget, target)
	containers, err := r.client.Containers(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	units := make([]*types.Unit, 0, len(containers))
	for _, c := range containers {
		info, err := c.Info(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to inspect container %s: %w", c.ID(), err)
		}

		state, err := r.InspectState(ctx, c.ID())
		if err != nil {
			return nil, err
		}

		port, _ := strconv.Atoi(info.Labels[labelPort])
		units = append(units, &types.Unit{
			ID:        c.ID(),
			Target:    info.Labels[labelTarget],
			SpecName:  info.Labels[labelSpec],
			Slot:      types.Slot(info.Labels[labelSlot]),
			Image:     info.Image,
			Port:      port,
			State:     state,
			CreatedAt: info.CreatedAt,
		})
	}

	return units, nil
}

// PullImage pulls a container image from a registry
func (r *ContainerdRuntime) PullImage(ctx context.Context, imageRef string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	_, err := r.client.Pull(ctx, imageRef, containerd.WithPullUnpack)
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", imageRef, err)
	}

	return nil
}

// TagImage applies an additional reference to an existing image
func (r *ContainerdRuntime) TagImage(ctx context.Context, srcRef, dstRef string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	imageService := r.client.ImageService()
	src, err := imageService.Get(ctx, srcRef)
	if err != nil {
		return fmt.Errorf("failed to get image %s: %w", srcRef, err)
	}

	tagged := src
	tagged.Name = dstRef

	// Replace an existing reference rather than failing on it; retagging
	// the same backup id twice must be idempotent.
	if _, err := imageService.Create(ctx, tagged); err != nil {
		if delErr := imageService.Delete(ctx, dstRef); delErr != nil {
			return fmt.Errorf("failed to tag image %s as %s: %w", srcRef, dstRef, err)
		}
		if _, err := imageService.Create(ctx, tagged); err != nil {
			return fmt.Errorf("failed to tag image %s as %s: %w", srcRef, dstRef, err)
		}
	}

	return nil
}

// UntagImage removes an image reference
func (r *ContainerdRuntime) UntagImage(ctx context.Context, ref string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	if err := r.client.ImageService().Delete(ctx, ref); err != nil {
		return fmt.Errorf("failed to untag image %s: %w", ref, err)
	}
	return nil
}

// CreateUnit creates a container for the given spec under the slot identity
func (r *ContainerdRuntime) CreateUnit(ctx context.Context, target *types.Target, spec *types.UnitSpec, slot types.Slot, release string) (*types.Unit, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	image, err := r.client.GetImage(ctx, spec.Image)
	if err != nil {
		return nil, fmt.Errorf("failed to get image %s: %w", spec.Image, err)
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(spec.Env),
	}

	// Bind mounts for named volumes
	if len(spec.Volumes) > 0 {
		mounts := make([]specs.Mount, 0, len(spec.Volumes))
		for _, v := range spec.Volumes {
			options := []string{"rbind"}
			if v.ReadOnly {
				options = append(options, "ro")
			}
			mounts = append(mounts, specs.Mount{
				Source:      v.Source,
				Destination: v.Target,
				Type:        "bind",
				Options:     options,
			})
		}
		opts = append(opts, oci.WithMounts(mounts))
	}

	id := UnitID(target, spec, slot, release)

	// A blue-green slot id may still be occupied by a unit superseded two
	// deploys ago whose grace-period cleanup failed. Replace it.
	if target.Strategy == types.StrategyBlueGreen {
		if stale, err := r.client.LoadContainer(ctx, id); err == nil {
			if err := r.StopUnit(ctx, id, 10*time.Second); err != nil {
				return nil, fmt.Errorf("failed to stop stale unit %s: %w", id, err)
			}
			if err := stale.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
				return nil, fmt.Errorf("failed to replace stale unit %s: %w", id, err)
			}
		}
	}

	hostPort := HostPort(target, spec, slot)
	labels := map[string]string{
		labelTarget: target.Key(),
		labelSpec:   spec.Name,
		labelSlot:   string(slot),
		labelPort:   fmt.Sprintf("%d", hostPort),
	}

	container, err := r.client.NewContainer(
		ctx,
		id,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(id+"-snapshot", image),
		containerd.WithNewSpec(opts...),
		containerd.WithContainerLabels(labels),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	return &types.Unit{
		ID:        container.ID(),
		Target:    target.Key(),
		SpecName:  spec.Name,
		Slot:      slot,
		Image:     spec.Image,
		Port:      hostPort,
		State:     types.UnitStatePending,
		CreatedAt: time.Now(),
	}, nil
}

// StartUnit starts a container and its task
func (r *ContainerdRuntime) StartUnit(ctx context.Context, unitID string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, unitID)
	if err != nil {
		return fmt.Errorf("failed to load container %s: %w", unitID, err)
	}

	task, err := container.NewTask(ctx, cio.NullIO)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	if err := task.Start(ctx); err != nil {
		return fmt.Errorf("failed to start task: %w", err)
	}

	return nil
}

// StopUnit stops a running container without removing it
func (r *ContainerdRuntime) StopUnit(ctx context.Context, unitID string, timeout time.Duration) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, unitID)
	if err != nil {
		return fmt.Errorf("failed to load container %s: %w", unitID, err)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		// Task might not exist (container not running)
		return nil
	}

	stopCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Try graceful shutdown first (SIGTERM)
	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to kill task: %w", err)
	}

	statusC, err := task.Wait(stopCtx)
	if err != nil {
		return fmt.Errorf("failed to wait for task: %w", err)
	}

	select {
	case <-statusC:
		// Task exited
	case <-stopCtx.Done():
		// Timeout - force kill (SIGKILL)
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
			return fmt.Errorf("failed to force kill task: %w", err)
		}
	}

	if _, err := task.Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}

	return nil
}

// RemoveUnit removes a container and its snapshot
func (r *ContainerdRuntime) RemoveUnit(ctx context.Context, unitID string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, unitID)
	if err != nil {
		// Container might not exist
		return nil
	}

	if err := r.StopUnit(ctx, unitID, 10*time.Second); err != nil {
		return fmt.Errorf("failed to stop unit before removal: %w", err)
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return fmt.Errorf("failed to delete container: %w", err)
	}

	return nil
}

// InspectState returns the state of a container
func (r *ContainerdRuntime) InspectState(ctx context.Context, unitID string) (types.UnitState, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, unitID)
	if err != nil {
		return types.UnitStateFailed, fmt.Errorf("failed to load container %s: %w", unitID, err)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		// No task means container is created but not running
		return types.UnitStateStopped, nil
	}

	status, err := task.Status(ctx)
	if err != nil {
		return types.UnitStateFailed, fmt.Errorf("failed to get task status: %w", err)
	}

	switch status.Status {
	case containerd.Running, containerd.Paused:
		return types.UnitStateRunning, nil
	case containerd.Stopped:
		if status.ExitStatus == 0 {
			return types.UnitStateStopped, nil
		}
		return types.UnitStateFailed, nil
	default:
		return types.UnitStatePending, nil
	}
}

// Exec runs a command inside a running container and waits for it
func (r *ContainerdRuntime) Exec(ctx context.Context, unitID string, command []string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	if len(command) == 0 {
		return fmt.Errorf("no command specified")
	}

	container, err := r.client.LoadContainer(ctx, unitID)
	if err != nil {
		return fmt.Errorf("failed to load container %s: %w", unitID, err)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		return fmt.Errorf("unit %s is not running: %w", unitID, err)
	}

	spec, err := container.Spec(ctx)
	if err != nil {
		return fmt.Errorf("failed to read container spec: %w", err)
	}

	pspec := spec.Process
	pspec.Args = command

	execID := fmt.Sprintf("capstan-exec-%d", time.Now().UnixNano())
	process, err := task.Exec(ctx, execID, pspec, cio.NullIO)
	if err != nil {
		return fmt.Errorf("failed to exec in unit %s: %w", unitID, err)
	}
	defer process.Delete(ctx)

	statusC, err := process.Wait(ctx)
	if err != nil {
		return fmt.Errorf("failed to wait for exec: %w", err)
	}

	if err := process.Start(ctx); err != nil {
		return fmt.Errorf("failed to start exec: %w", err)
	}

	select {
	case status := <-statusC:
		if code := status.ExitCode(); code != 0 {
			return fmt.Errorf("command %v exited with code %d", command, code)
		}
		return nil
	case <-ctx.Done():
		_ = process.Kill(ctx, syscall.SIGKILL)
		return ctx.Err()
	}
}
