package container

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Driver launches and tears down VM-hosting containers.
type Driver interface {
	// Run launches a detached container and returns the engine's id.
	Run(ctx context.Context, spec RunSpec) (string, error)

	// Stop stops a container by name or id. Best-effort on cleanup paths.
	Stop(ctx context.Context, nameOrID string) error

	// Remove deletes a container by name or id. Best-effort on cleanup paths.
	Remove(ctx context.Context, nameOrID string) error

	// Exec runs argv inside the container and returns stdout and the exit
	// code. A timeout or start failure is reported as err with rc -1.
	Exec(ctx context.Context, nameOrID string, argv []string, timeout time.Duration) (string, int, error)
}

// DockerCLI drives the docker binary.
type DockerCLI struct {
	bin string
	log *logrus.Entry
}

// NewDockerCLI creates a Driver over the docker binary. An empty bin
// defaults to "docker" resolved from PATH.
func NewDockerCLI(bin string, log *logrus.Entry) *DockerCLI {
	if bin == "" {
		bin = "docker"
	}
	return &DockerCLI{bin: bin, log: log.WithField("component", "container")}
}

func (d *DockerCLI) Run(ctx context.Context, spec RunSpec) (string, error) {
	cmd := exec.CommandContext(ctx, d.bin, spec.args()...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", &LaunchError{Name: spec.Name, Output: strings.TrimSpace(stderr.String()), Err: err}
	}

	id := strings.TrimSpace(stdout.String())
	d.log.WithFields(logrus.Fields{
		"name":         spec.Name,
		"container_id": id,
	}).Info("container launched")
	return id, nil
}

func (d *DockerCLI) Stop(ctx context.Context, nameOrID string) error {
	out, err := exec.CommandContext(ctx, d.bin, "stop", nameOrID).CombinedOutput()
	if err != nil {
		d.log.WithError(err).WithField("name", nameOrID).Warnf("stop container: %s", strings.TrimSpace(string(out)))
	}
	return err
}

func (d *DockerCLI) Remove(ctx context.Context, nameOrID string) error {
	out, err := exec.CommandContext(ctx, d.bin, "rm", nameOrID).CombinedOutput()
	if err != nil {
		d.log.WithError(err).WithField("name", nameOrID).Warnf("remove container: %s", strings.TrimSpace(string(out)))
	}
	return err
}

func (d *DockerCLI) Exec(ctx context.Context, nameOrID string, argv []string, timeout time.Duration) (string, int, error) {
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append([]string{"exec", nameOrID}, argv...)
	cmd := exec.CommandContext(execCtx, d.bin, args...)

	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	err := cmd.Run()
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			return stdout.String(), ee.ExitCode(), nil
		}
		return "", -1, err
	}
	return stdout.String(), 0, nil
}
