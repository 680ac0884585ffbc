package provider

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/zllovesuki/lighthouse/server"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	dockerClient "github.com/docker/docker/client"
	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	dockerStartTimeout = time.Minute
	dockerPollInterval = time.Second * 2
)

// dockerHandler provisions a host-network container on a single docker
// engine reachable over the engine API
type dockerHandler struct {
	*baseHandler
	client dockerClient.APIClient
}

func newDockerHandler(base *baseHandler) (Handler, error) {
	if base.meta.DockerHost == "" {
		return nil, fmt.Errorf("provider metadata is missing docker host")
	}
	cached, err := base.Cache.GetOrCreate(base.Provider.ID, func() (interface{}, error) {
		return dockerClient.NewClientWithOpts(
			dockerClient.WithHost(base.meta.DockerHost),
			dockerClient.WithAPIVersionNegotiation(),
		)
	})
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot get docker client")
	}
	return &dockerHandler{
		baseHandler: base,
		client:      cached.(dockerClient.APIClient),
	}, nil
}

func (h *dockerHandler) CreateInstance(ctx context.Context, srv *server.Server) error {
	if err := h.prepare(ctx, srv); err != nil {
		return err
	}

	out, err := h.client.ImagePull(ctx, srv.Image, types.ImagePullOptions{})
	if err != nil {
		h.cleanup(ctx, srv)
		return extErrors.Wrap(err, "Cannot pull image")
	}
	// drain so the pull actually completes before create
	io.Copy(io.Discard, out)
	out.Close()

	name := resourceName(srv)
	resp, err := h.client.ContainerCreate(ctx,
		&container.Config{
			Image: srv.Image,
			Cmd:   []string{"sh", "-c", h.args(srv)},
		},
		&container.HostConfig{
			NetworkMode: "host",
		},
		nil,
		nil,
		name,
	)
	if err != nil {
		h.cleanup(ctx, srv)
		return extErrors.Wrap(err, "Cannot create container")
	}

	if err := h.client.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		h.removeContainer(ctx, resp.ID)
		h.cleanup(ctx, srv)
		return extErrors.Wrap(err, "Cannot start container")
	}

	if err := h.waitRunning(ctx, resp.ID); err != nil {
		h.removeContainer(ctx, resp.ID)
		h.cleanup(ctx, srv)
		return err
	}

	srv.IP = h.meta.NodeIP
	h.logger.Info("Container started",
		zap.String("ServerID", srv.ID),
		zap.String("Container", name),
	)
	return nil
}

func (h *dockerHandler) waitRunning(ctx context.Context, containerID string) error {
	deadline := time.Now().Add(dockerStartTimeout)
	for time.Now().Before(deadline) {
		inspect, err := h.client.ContainerInspect(ctx, containerID)
		if err != nil {
			return extErrors.Wrap(err, "Cannot inspect container")
		}
		if inspect.State != nil && inspect.State.Running {
			return nil
		}
		if inspect.State != nil && inspect.State.Dead {
			return fmt.Errorf("container died during startup: %s", inspect.State.Error)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(dockerPollInterval):
		}
	}
	return fmt.Errorf("container did not become running within %s", dockerStartTimeout)
}

func (h *dockerHandler) DestroyInstance(ctx context.Context, srv *server.Server) error {
	containerID, err := h.getContainerID(ctx, srv)
	if err != nil {
		return err
	}
	if containerID == "" {
		h.logger.Warn("Container already absent",
			zap.String("ServerID", srv.ID),
		)
		h.releasePort(ctx, srv)
		return nil
	}
	if err := h.client.ContainerRemove(ctx, containerID, types.ContainerRemoveOptions{
		RemoveVolumes: true,
		Force:         true,
	}); err != nil {
		if dockerClient.IsErrNotFound(err) {
			h.logger.Warn("Container already absent",
				zap.String("ServerID", srv.ID),
			)
		} else {
			return extErrors.Wrap(err, "Cannot remove container")
		}
	}
	h.releasePort(ctx, srv)
	return nil
}

func (h *dockerHandler) getContainerID(ctx context.Context, srv *server.Server) (string, error) {
	containers, err := h.client.ContainerList(ctx, types.ContainerListOptions{
		All: true,
	})
	if err != nil {
		return "", extErrors.Wrap(err, "Cannot list containers")
	}
	want := "/" + resourceName(srv)
	for _, c := range containers {
		for _, name := range c.Names {
			if name == want {
				return c.ID, nil
			}
		}
	}
	return "", nil
}

func (h *dockerHandler) removeContainer(ctx context.Context, containerID string) {
	if err := h.client.ContainerRemove(ctx, containerID, types.ContainerRemoveOptions{
		RemoveVolumes: true,
		Force:         true,
	}); err != nil && !dockerClient.IsErrNotFound(err) {
		h.logger.Warn("Cannot remove container during cleanup",
			zap.String("Container", containerID),
			zap.Error(err),
		)
	}
}
