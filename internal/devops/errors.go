package devops

import "errors"

var (
	// ErrDockerUnavailable is returned when the container runtime cannot be reached.
	ErrDockerUnavailable = errors.New("docker daemon unavailable")

	// ErrInvalidSpec is returned for a sidecar spec that can never be provisioned.
	ErrInvalidSpec = errors.New("invalid sidecar spec")

	// ErrImagePull is returned when pulling an image fails.
	ErrImagePull = errors.New("image pull failed")

	// ErrNetwork is returned when the service network cannot be ensured.
	ErrNetwork = errors.New("service network unavailable")

	// ErrContainerCreate is returned when creating a container fails.
	ErrContainerCreate = errors.New("container create failed")

	// ErrContainerStart is returned when starting a container fails.
	ErrContainerStart = errors.New("container start failed")

	// ErrContainerRemove is returned when removing a container fails.
	ErrContainerRemove = errors.New("container remove failed")

	// ErrHostPortSet is returned when a host port is recorded twice.
	ErrHostPortSet = errors.New("host port already recorded")

	// ErrUnknownRole is returned by Lookup for a role nobody provisioned.
	ErrUnknownRole = errors.New("no sidecar for role")
)
