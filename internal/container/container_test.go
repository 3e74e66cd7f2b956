package container

import (
	"errors"
	"strings"
	"testing"
)

func TestRunSpecArgs(t *testing.T) {
	spec := RunSpec{
		Name:    "vapiorc_vm_abc",
		Image:   "dockurr/windows",
		Network: "vapiorc_net",
		Ports: []PortMap{
			{HostPort: 8005, GuestPort: 8006},
			{HostPort: 9005, GuestPort: 3389},
		},
		Env: map[string]string{
			"VERSION":  "11",
			"DISK_FMT": "qcow2",
		},
		Mounts: []Mount{
			{HostPath: "/data/instances/abc", GuestPath: "/storage"},
			{HostPath: "/data/oem", GuestPath: "/oem"},
		},
		Devices:     []string{"/dev/kvm", "/dev/net/tun"},
		CapAdd:      []string{"NET_ADMIN"},
		StopTimeout: 120,
	}

	got := strings.Join(spec.args(), " ")
	want := "run -d --name vapiorc_vm_abc --network vapiorc_net " +
		"-p 8005:8006 -p 9005:3389 " +
		"-e DISK_FMT=qcow2 -e VERSION=11 " +
		"-v /data/instances/abc:/storage -v /data/oem:/oem " +
		"--device=/dev/kvm --device=/dev/net/tun " +
		"--cap-add NET_ADMIN --stop-timeout 120 dockurr/windows"
	if got != want {
		t.Errorf("args =\n  %s\nwant\n  %s", got, want)
	}
}

func TestRunSpecArgs_Minimal(t *testing.T) {
	spec := RunSpec{Name: "c1", Image: "img"}

	got := strings.Join(spec.args(), " ")
	want := "run -d --name c1 img"
	if got != want {
		t.Errorf("args = %q, want %q", got, want)
	}
}

func TestLaunchErrorUnwrap(t *testing.T) {
	inner := errors.New("exit status 125")
	le := &LaunchError{Name: "c1", Output: "port is already allocated", Err: inner}

	if !errors.Is(le, inner) {
		t.Error("LaunchError does not unwrap to its cause")
	}
	if !strings.Contains(le.Error(), "port is already allocated") {
		t.Errorf("Error() = %q, missing engine output", le.Error())
	}
}
