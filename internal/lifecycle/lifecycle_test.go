package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vapiorc/vapiorc/internal/cache"
	"github.com/vapiorc/vapiorc/internal/config"
	"github.com/vapiorc/vapiorc/internal/container"
	"github.com/vapiorc/vapiorc/internal/macs"
	"github.com/vapiorc/vapiorc/internal/ports"
	"github.com/vapiorc/vapiorc/internal/registry"
	"github.com/vapiorc/vapiorc/internal/workspace"
)

// fakeDriver is an in-memory container engine. Every launched container
// reports a synthetic guest MAC through Exec, mimicking the KVM guest's
// eth0 showing up.
type fakeDriver struct {
	mu      sync.Mutex
	seq     int
	runs    []container.RunSpec
	macs    map[string]string // container id → guest MAC
	stopped []string
	removed []string
	runErr  error
	noMAC   bool // simulate a guest whose MAC never appears
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{macs: make(map[string]string)}
}

func (f *fakeDriver) Run(_ context.Context, spec container.RunSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.runErr != nil {
		return "", f.runErr
	}
	f.seq++
	id := fmt.Sprintf("cont-%d", f.seq)
	f.runs = append(f.runs, spec)
	f.macs[id] = fmt.Sprintf("aa:bb:cc:00:00:%02x", f.seq)
	return id, nil
}

func (f *fakeDriver) Stop(_ context.Context, nameOrID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, nameOrID)
	return nil
}

func (f *fakeDriver) Remove(_ context.Context, nameOrID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, nameOrID)
	return nil
}

func (f *fakeDriver) Exec(_ context.Context, nameOrID string, _ []string, _ time.Duration) (string, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.noMAC {
		return "", 1, nil
	}
	mac, ok := f.macs[nameOrID]
	if !ok {
		return "", 1, nil
	}
	return mac + "\n", 0, nil
}

func (f *fakeDriver) runCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.runs)
}

func (f *fakeDriver) lastRun(t *testing.T) container.RunSpec {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.runs) == 0 {
		t.Fatal("no container was launched")
	}
	return f.runs[len(f.runs)-1]
}

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func testManager(t *testing.T, hotSpares int) (*Manager, *fakeDriver) {
	t.Helper()
	dir := t.TempDir()

	cfg := &config.Config{
		StoragePath:      dir,
		DataPath:         filepath.Join(dir, "data"),
		GoldenImagesPath: filepath.Join(dir, "data", "golden_images"),
		InstancesPath:    filepath.Join(dir, "data", "instances"),
		OEMPath:          filepath.Join(dir, "oem"),
		DockerNetwork:    "vapiorc_test_net",
		VMImage:          "dockurr/windows",
		PortRangeStart:   43000,
		PortRangeEnd:     43050,
		HotSpareCount:    hotSpares,
		VMType:           "11",
		HostIP:           "127.0.0.1",
		StopTimeoutSec:   120,
		MACPollInterval:  time.Millisecond,
		MACPollAttempts:  3,
		SpareCreateDelay: time.Millisecond,
	}
	if err := cfg.EnsureDirs(); err != nil {
		t.Fatal(err)
	}

	store, err := registry.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	log := testLog()
	ws := workspace.NewStore(cfg.GoldenImagesPath, cfg.InstancesPath, log)
	macreg := macs.NewRegistry(cfg.GoldenImagesPath, cfg.InstancesPath, cache.Noop{}, log)
	alloc := ports.NewAllocator(cfg.PortRangeStart, cfg.PortRangeEnd, log)
	driver := newFakeDriver()

	return NewManager(cfg, store, ws, driver, alloc, macreg, log), driver
}

func seedTemplate(t *testing.T, m *Manager) {
	t.Helper()
	tpl := m.ws.TemplateDir(m.cfg.VMType)
	if err := os.MkdirAll(tpl, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(tpl, "data.img"), []byte("disk"), 0644); err != nil {
		t.Fatal(err)
	}
}

func sidecarsIn(t *testing.T, dir string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "*.mac"))
	if err != nil {
		t.Fatal(err)
	}
	return matches
}

func TestCreateGoldenImage(t *testing.T) {
	m, driver := testManager(t, 0)
	ctx := t.Context()

	gid, err := m.CreateGoldenImage(ctx, "11")
	if err != nil {
		t.Fatal(err)
	}

	gi, err := m.store.GetGoldenImage(ctx, gid)
	if err != nil {
		t.Fatal(err)
	}
	if gi == nil || gi.Status != registry.GoldenCreating {
		t.Errorf("record = %+v, want status creating", gi)
	}

	spec := driver.lastRun(t)
	if spec.Name != "vapiorc_golden_"+gid {
		t.Errorf("container name = %q, want vapiorc_golden_%s", spec.Name, gid)
	}
	if spec.Image != "dockurr/windows" {
		t.Errorf("image = %q", spec.Image)
	}
	if len(spec.Ports) != 1 || spec.Ports[0].GuestPort != 8006 {
		t.Errorf("ports = %+v, want one console mapping to 8006", spec.Ports)
	}
	if spec.Env["VERSION"] != "11" || spec.Env["DISK_FMT"] != "qcow2" {
		t.Errorf("env = %v", spec.Env)
	}
	if spec.StopTimeout != 120 {
		t.Errorf("stop timeout = %d, want 120", spec.StopTimeout)
	}

	// The guest MAC must land in a sidecar, canonicalized.
	scs := sidecarsIn(t, m.ws.GoldenDir(gid))
	if len(scs) != 1 {
		t.Fatalf("sidecars = %v, want exactly one", scs)
	}
	data, _ := os.ReadFile(scs[0])
	if string(data) != "AA:BB:CC:00:00:01" {
		t.Errorf("sidecar = %q, want canonical uppercase MAC", data)
	}
}

func TestCreateGoldenImage_PortExhausted(t *testing.T) {
	m, driver := testManager(t, 0)
	m.ports = ports.NewAllocator(43000, 43000, testLog()) // empty range
	ctx := t.Context()

	_, err := m.CreateGoldenImage(ctx, "11")
	if !errors.Is(err, ports.ErrNoPortAvailable) {
		t.Fatalf("err = %v, want ErrNoPortAvailable", err)
	}
	if driver.runCount() != 0 {
		t.Error("container launched despite port exhaustion")
	}

	gi, err := m.store.FindGoldenImage(ctx, registry.GoldenFailed, "11")
	if err != nil {
		t.Fatal(err)
	}
	if gi == nil {
		t.Fatal("no failed golden image record")
	}
}

func TestFinalizeGoldenImage(t *testing.T) {
	m, driver := testManager(t, 0)
	ctx := t.Context()

	gid, err := m.CreateGoldenImage(ctx, "11")
	if err != nil {
		t.Fatal(err)
	}
	// Simulate the guest writing its installed disk into the workspace.
	if err := os.WriteFile(filepath.Join(m.ws.GoldenDir(gid), "data.img"), []byte("installed"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := m.FinalizeGoldenImage(ctx, gid); err != nil {
		t.Fatal(err)
	}

	tpl := m.ws.TemplateDir("11")
	if _, err := os.Stat(filepath.Join(tpl, "data.img")); err != nil {
		t.Errorf("template missing disk: %v", err)
	}
	if scs := sidecarsIn(t, tpl); len(scs) != 0 {
		t.Errorf("template contains MAC sidecars: %v", scs)
	}
	if _, err := os.Stat(m.ws.GoldenDir(gid)); !os.IsNotExist(err) {
		t.Error("installer workspace not reclaimed")
	}

	name := "vapiorc_golden_" + gid
	if len(driver.stopped) != 1 || driver.stopped[0] != name {
		t.Errorf("stopped = %v, want [%s]", driver.stopped, name)
	}
	if len(driver.removed) != 1 || driver.removed[0] != name {
		t.Errorf("removed = %v, want [%s]", driver.removed, name)
	}

	gi, _ := m.store.GetGoldenImage(ctx, gid)
	if gi.Status != registry.GoldenReady {
		t.Errorf("status = %q, want ready", gi.Status)
	}
}

func TestFinalizeGoldenImage_NotFound(t *testing.T) {
	m, _ := testManager(t, 0)

	err := m.FinalizeGoldenImage(t.Context(), "nonexistent")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestCreateInstance(t *testing.T) {
	m, driver := testManager(t, 0)
	seedTemplate(t, m)
	ctx := t.Context()

	iid, err := m.CreateInstance(ctx, "11", true)
	if err != nil {
		t.Fatal(err)
	}

	inst, err := m.store.GetInstance(ctx, iid)
	if err != nil {
		t.Fatal(err)
	}
	if inst.Status != registry.InstanceStarting {
		t.Errorf("status = %q, want starting (readiness comes from the webhook)", inst.Status)
	}
	if !inst.HotSpare {
		t.Error("hot spare flag lost")
	}
	if inst.ContainerID == "" {
		t.Error("container id not recorded")
	}
	if inst.Port < 43000 || inst.Port >= 43050 {
		t.Errorf("port = %d, want in allocator range", inst.Port)
	}

	spec := driver.lastRun(t)
	if spec.Name != "vapiorc_vm_"+iid {
		t.Errorf("container name = %q", spec.Name)
	}
	if len(spec.Ports) != 2 {
		t.Fatalf("ports = %+v, want console + RDP", spec.Ports)
	}
	if spec.Ports[1].HostPort != inst.Port+1000 || spec.Ports[1].GuestPort != 3389 {
		t.Errorf("RDP mapping = %+v, want %d:3389", spec.Ports[1], inst.Port+1000)
	}

	// Clone contents plus one sidecar.
	if _, err := os.Stat(filepath.Join(m.ws.InstanceDir(iid), "data.img")); err != nil {
		t.Errorf("template not cloned: %v", err)
	}
	if scs := sidecarsIn(t, m.ws.InstanceDir(iid)); len(scs) != 1 {
		t.Errorf("sidecars = %v, want exactly one", scs)
	}
}

func TestCreateInstance_NoTemplate(t *testing.T) {
	m, _ := testManager(t, 0)
	ctx := t.Context()

	_, err := m.CreateInstance(ctx, "11", false)
	if !errors.Is(err, ErrTemplateMissing) {
		t.Fatalf("err = %v, want ErrTemplateMissing", err)
	}

	// One failed record, workspace wiped.
	list, _ := m.store.ListInstances(ctx)
	if len(list) != 1 || list[0].Status != registry.InstanceFailed {
		t.Fatalf("instances = %+v, want one failed record", list)
	}
	if _, err := os.Stat(m.ws.InstanceDir(list[0].ID)); !os.IsNotExist(err) {
		t.Error("workspace survived failed creation")
	}
}

func TestCreateInstance_LaunchFailure(t *testing.T) {
	m, driver := testManager(t, 0)
	seedTemplate(t, m)
	driver.runErr = &container.LaunchError{Name: "x", Output: "port is already allocated", Err: errors.New("exit status 125")}
	ctx := t.Context()

	_, err := m.CreateInstance(ctx, "11", false)
	var le *container.LaunchError
	if !errors.As(err, &le) {
		t.Fatalf("err = %v, want LaunchError", err)
	}

	list, _ := m.store.ListInstances(ctx)
	if len(list) != 1 || list[0].Status != registry.InstanceFailed {
		t.Fatalf("instances = %+v, want one failed record", list)
	}
}

func TestCreateInstance_MACNeverAppears(t *testing.T) {
	m, driver := testManager(t, 0)
	seedTemplate(t, m)
	driver.noMAC = true
	ctx := t.Context()

	// The poll budget expiring is a warning, not a failure.
	iid, err := m.CreateInstance(ctx, "11", false)
	if err != nil {
		t.Fatal(err)
	}

	inst, _ := m.store.GetInstance(ctx, iid)
	if inst.Status != registry.InstanceStarting {
		t.Errorf("status = %q, want starting", inst.Status)
	}
	if scs := sidecarsIn(t, m.ws.InstanceDir(iid)); len(scs) != 0 {
		t.Errorf("sidecars = %v, want none", scs)
	}
}

func TestEnsureHotSpares_Disabled(t *testing.T) {
	m, driver := testManager(t, 0)

	if err := m.EnsureHotSpares(t.Context(), "11"); err != nil {
		t.Fatal(err)
	}
	if driver.runCount() != 0 {
		t.Error("replenisher acted despite target 0")
	}
}

func TestEnsureHotSpares_ColdStartCreatesGoldenImage(t *testing.T) {
	m, driver := testManager(t, 1)
	ctx := t.Context()

	if err := m.EnsureHotSpares(ctx, "11"); err != nil {
		t.Fatal(err)
	}

	gi, err := m.store.FindGoldenImage(ctx, registry.GoldenCreating, "11")
	if err != nil {
		t.Fatal(err)
	}
	if gi == nil {
		t.Fatal("cold start did not kick off a golden image")
	}
	if driver.runCount() != 1 {
		t.Errorf("containers launched = %d, want 1 installer only", driver.runCount())
	}

	// No spares may be created while the installer runs.
	list, _ := m.store.ListInstances(ctx)
	if len(list) != 0 {
		t.Errorf("instances = %+v, want none before template exists", list)
	}

	// A second tick while the golden image is still creating must wait.
	if err := m.EnsureHotSpares(ctx, "11"); err != nil {
		t.Fatal(err)
	}
	if driver.runCount() != 1 {
		t.Errorf("second tick launched containers: %d", driver.runCount())
	}
}

func TestEnsureHotSpares_RebuildsLostTemplate(t *testing.T) {
	m, _ := testManager(t, 1)
	ctx := t.Context()

	// Ready golden image whose workspace survived but whose template is gone.
	gid, err := m.CreateGoldenImage(ctx, "11")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(m.ws.GoldenDir(gid), "data.img"), []byte("installed"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := m.store.SetGoldenImageStatus(ctx, gid, registry.GoldenReady); err != nil {
		t.Fatal(err)
	}

	if err := m.EnsureHotSpares(ctx, "11"); err != nil {
		t.Fatal(err)
	}

	if !m.ws.TemplateReady("11") {
		t.Fatal("template not rebuilt from ready golden image")
	}
	if scs := sidecarsIn(t, m.ws.TemplateDir("11")); len(scs) != 0 {
		t.Errorf("rebuilt template contains sidecars: %v", scs)
	}

	// With the template back, the same tick proceeds to create the spare.
	list, _ := m.store.ListInstances(ctx)
	if len(list) != 1 {
		t.Fatalf("instances = %d, want 1 spare", len(list))
	}
	if !list[0].HotSpare {
		t.Error("created instance is not a hot spare")
	}
}

func TestEnsureHotSpares_CreatesDeficitOnly(t *testing.T) {
	m, driver := testManager(t, 2)
	seedTemplate(t, m)
	ctx := t.Context()

	if err := m.EnsureHotSpares(ctx, "11"); err != nil {
		t.Fatal(err)
	}
	list, _ := m.store.ListInstances(ctx)
	if len(list) != 2 {
		t.Fatalf("instances = %d, want 2", len(list))
	}

	// Simulate both readiness webhooks, then re-ensure: target met, no more.
	for _, inst := range list {
		if _, err := m.MarkInstanceReady(ctx, inst.ID); err != nil {
			t.Fatal(err)
		}
	}
	before := driver.runCount()
	if err := m.EnsureHotSpares(ctx, "11"); err != nil {
		t.Fatal(err)
	}
	if driver.runCount() != before {
		t.Errorf("idempotent re-ensure launched %d extra containers", driver.runCount()-before)
	}

	// One claim opens a deficit of exactly one.
	if _, err := m.store.ClaimSpare(ctx, "11", "alice"); err != nil {
		t.Fatal(err)
	}
	if err := m.EnsureHotSpares(ctx, "11"); err != nil {
		t.Fatal(err)
	}
	list, _ = m.store.ListInstances(ctx)
	if len(list) != 3 {
		t.Errorf("instances = %d, want 3 after replenishing one", len(list))
	}
}

func TestAssign_ClaimsReadySpare(t *testing.T) {
	m, _ := testManager(t, 0)
	seedTemplate(t, m)
	ctx := t.Context()

	iid, err := m.CreateInstance(ctx, "11", true)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.MarkInstanceReady(ctx, iid); err != nil {
		t.Fatal(err)
	}

	a, err := m.Assign(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if a.InstanceID != iid {
		t.Errorf("assigned %q, want the ready spare %q", a.InstanceID, iid)
	}
	if a.RDPPort != a.Port+1000 {
		t.Errorf("rdp_port = %d, want port+1000 = %d", a.RDPPort, a.Port+1000)
	}
	if a.ConsoleURL != fmt.Sprintf("http://127.0.0.1:%d", a.Port) {
		t.Errorf("console_url = %q", a.ConsoleURL)
	}

	inst, _ := m.store.GetInstance(ctx, iid)
	if inst.Status != registry.InstanceBusy {
		t.Errorf("status = %q, want busy", inst.Status)
	}
	if inst.HotSpare {
		t.Error("assigned instance still flagged hot spare")
	}
	if inst.AssignedTo == nil || *inst.AssignedTo != "alice" {
		t.Errorf("assigned_to = %v, want alice", inst.AssignedTo)
	}
}

func TestAssign_CreatesFreshWhenPoolEmpty(t *testing.T) {
	m, _ := testManager(t, 0)
	seedTemplate(t, m)
	ctx := t.Context()

	a, err := m.Assign(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}

	// Freshly created instances are handed over before readiness.
	inst, _ := m.store.GetInstance(ctx, a.InstanceID)
	if inst.Status != registry.InstanceBusy {
		t.Errorf("status = %q, want busy", inst.Status)
	}
	if inst.HotSpare {
		t.Error("direct-created instance flagged hot spare")
	}
	if inst.AssignedTo == nil || *inst.AssignedTo != "bob" {
		t.Errorf("assigned_to = %v, want bob", inst.AssignedTo)
	}
}

func TestAssign_FailsWithoutTemplate(t *testing.T) {
	m, _ := testManager(t, 0)

	if _, err := m.Assign(t.Context(), "alice"); err == nil {
		t.Fatal("expected assign to fail with no spares and no template")
	}
}

func TestDestroy(t *testing.T) {
	m, driver := testManager(t, 0)
	seedTemplate(t, m)
	ctx := t.Context()

	iid, err := m.CreateInstance(ctx, "11", false)
	if err != nil {
		t.Fatal(err)
	}

	if err := m.Destroy(ctx, iid); err != nil {
		t.Fatal(err)
	}

	inst, _ := m.store.GetInstance(ctx, iid)
	if inst != nil {
		t.Errorf("record survived destroy: %+v", inst)
	}
	if _, err := os.Stat(m.ws.InstanceDir(iid)); !os.IsNotExist(err) {
		t.Error("workspace survived destroy")
	}

	name := "vapiorc_vm_" + iid
	found := false
	for _, s := range driver.stopped {
		if s == name {
			found = true
		}
	}
	if !found {
		t.Errorf("container %s was not stopped", name)
	}

	// Destroy is idempotent end to end.
	if err := m.Destroy(ctx, iid); err != nil {
		t.Errorf("second destroy: %v", err)
	}
}
