// Package container adapts the container engine's CLI for VM hosting.
//
// The engine is treated as an opaque process launcher with a stable CLI:
// `run -d` prints a container id, `stop` honors a timeout, `rm` removes by
// name, `exec` runs a command in the container. Everything else (the KVM
// stack, the guest image) belongs to the engine.
package container

import (
	"fmt"
	"sort"
	"strconv"
)

// PortMap publishes a host port to a guest port.
type PortMap struct {
	HostPort  int
	GuestPort int
}

// Mount binds a host path into the container.
type Mount struct {
	HostPath  string
	GuestPath string
}

// RunSpec describes a detached container launch.
type RunSpec struct {
	Name        string
	Image       string
	Network     string
	Ports       []PortMap
	Env         map[string]string
	Mounts      []Mount
	Devices     []string
	CapAdd      []string
	StopTimeout int // seconds; 0 = engine default
}

// LaunchError reports a non-zero exit from the engine's run command.
type LaunchError struct {
	Name   string
	Output string
	Err    error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch container %s: %v: %s", e.Name, e.Err, e.Output)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// args renders the RunSpec as engine CLI arguments. Env keys are emitted in
// sorted order so launches are reproducible.
func (s RunSpec) args() []string {
	args := []string{"run", "-d", "--name", s.Name}
	if s.Network != "" {
		args = append(args, "--network", s.Network)
	}
	for _, p := range s.Ports {
		args = append(args, "-p", fmt.Sprintf("%d:%d", p.HostPort, p.GuestPort))
	}
	keys := make([]string, 0, len(s.Env))
	for k := range s.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", k+"="+s.Env[k])
	}
	for _, m := range s.Mounts {
		args = append(args, "-v", m.HostPath+":"+m.GuestPath)
	}
	for _, d := range s.Devices {
		args = append(args, "--device="+d)
	}
	for _, c := range s.CapAdd {
		args = append(args, "--cap-add", c)
	}
	if s.StopTimeout > 0 {
		args = append(args, "--stop-timeout", strconv.Itoa(s.StopTimeout))
	}
	args = append(args, s.Image)
	return args
}
