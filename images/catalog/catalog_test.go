package catalog

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/xenstack/vdisk/attach"
	"github.com/xenstack/vdisk/config"
	"github.com/xenstack/vdisk/device"
	"github.com/xenstack/vdisk/images"
	"github.com/xenstack/vdisk/lock"
	"github.com/xenstack/vdisk/types"
	"github.com/xenstack/vdisk/xenapi"
)

// fakeSession scripts control-API responses and records every call.
type fakeSession struct {
	mu       sync.Mutex
	handlers map[string]func(args ...any) (any, error)
	calls    []string
}

func newFakeSession() *fakeSession {
	return &fakeSession{handlers: map[string]func(args ...any) (any, error){}}
}

func (s *fakeSession) handle(method string, fn func(args ...any) (any, error)) {
	s.handlers[method] = fn
}

func (s *fakeSession) result(method string, value any) {
	s.handle(method, func(...any) (any, error) { return value, nil })
}

func (s *fakeSession) Call(_ context.Context, method string, args ...any) (any, error) {
	s.mu.Lock()
	s.calls = append(s.calls, method)
	fn := s.handlers[method]
	s.mu.Unlock()
	if fn == nil {
		return nil, fmt.Errorf("unscripted call %s", method)
	}
	return fn(args...)
}

func (s *fakeSession) CallAsync(ctx context.Context, method string, args ...any) (xenapi.TaskRef, error) {
	result, err := s.Call(ctx, "Async."+method, args...)
	if err != nil {
		return "", err
	}
	ref, _ := result.(string)
	return xenapi.TaskRef(ref), nil
}

func (s *fakeSession) CallPlugin(ctx context.Context, plugin, fn string, args map[string]string) (xenapi.TaskRef, error) {
	result, err := s.Call(ctx, "plugin."+plugin+"."+fn, args)
	if err != nil {
		return "", err
	}
	ref, _ := result.(string)
	return xenapi.TaskRef(ref), nil
}

func (s *fakeSession) WaitForTask(ctx context.Context, task xenapi.TaskRef) (string, error) {
	result, err := s.Call(ctx, "wait."+string(task))
	if err != nil {
		return "", err
	}
	str, _ := result.(string)
	return str, nil
}

func (s *fakeSession) ThisHost(ctx context.Context) (string, error) {
	result, err := s.Call(ctx, "this_host")
	if err != nil {
		return "", err
	}
	ref, _ := result.(string)
	return ref, nil
}

func (s *fakeSession) count(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.calls {
		if m == method {
			n++
		}
	}
	return n
}

// fakeCatalog serves one in-memory image.
type fakeCatalog struct {
	meta    *images.ImageMeta
	payload []byte
}

func (c *fakeCatalog) GetMeta(context.Context, string) (*images.ImageMeta, error) {
	return c.meta, nil
}

func (c *fakeCatalog) GetStream(context.Context, string) (io.ReadCloser, *images.ImageMeta, error) {
	return io.NopCloser(bytes.NewReader(c.payload)), c.meta, nil
}

func sha256hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// testBackend wires a Backend against a scripted session, an in-memory
// catalog, and fake command execution.
func testBackend(t *testing.T, cat *fakeCatalog) (*Backend, *fakeSession, *config.Config, *[]string) {
	t.Helper()

	conf := config.DefaultConfig()
	conf.DevDir = t.TempDir()
	conf.KernelDir = t.TempDir()
	conf.LockDir = t.TempDir()
	conf.DeviceCreationTimeout = 2
	conf.CatalogEndpoint = "http://catalog.test"
	conf.HypervisorUUIDPath = filepath.Join(t.TempDir(), "uuid")
	if err := os.WriteFile(conf.HypervisorUUIDPath, []byte("dom0-uuid\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(conf.DevicePath("xvda"), nil, 0o600); err != nil {
		t.Fatal(err)
	}

	sess := newFakeSession()
	sess.result("this_host", "OpaqueRef:host")
	sess.result("SR.get_all", []any{"OpaqueRef:sr"})
	sess.result("SR.get_record", map[string]any{
		"uuid":         "sr-uuid",
		"other_config": map[string]string{"i18n-key": "local-storage"},
		"PBDs":         []string{"OpaqueRef:pbd"},
	})
	sess.result("PBD.get_record", map[string]any{"host": "OpaqueRef:host"})
	sess.result("VM.get_by_uuid", "OpaqueRef:dom0")
	sess.result("VBD.create", "OpaqueRef:vbd")
	sess.result("VBD.plug", "")
	sess.result("VBD.get_device", "xvda")
	sess.result("VBD.unplug", "")
	sess.result("VBD.destroy", "")
	sess.result("VDI.create", "OpaqueRef:vdi")
	sess.result("VDI.get_uuid", "vdi-uuid")

	var commands []string
	streamer := device.NewStreamer(conf)
	streamer.Exec = func(_ context.Context, name string, args ...string) error {
		commands = append(commands, name+" "+strings.Join(args, " "))
		return nil
	}
	prober := device.NewPVProber(conf)

	b := &Backend{
		conf:     conf,
		sess:     sess,
		cat:      cat,
		attacher: attach.New(conf, sess),
		streamer: streamer,
		prober:   prober,
		locker:   lock.NewFileLock(conf.KernelLockPath()),
	}
	return b, sess, conf, &commands
}

func TestFetchRawDiskExactSize(t *testing.T) {
	payload := make([]byte, 4096)
	cat := &fakeCatalog{
		meta:    &images.ImageMeta{ID: "img-1", Size: 4096, Checksum: sha256hex(payload)},
		payload: payload,
	}
	b, sess, _, commands := testBackend(t, cat)

	var createdSize string
	sess.handle("VDI.create", func(args ...any) (any, error) {
		rec := args[0].(map[string]any)
		createdSize, _ = rec["virtual_size"].(string)
		return "OpaqueRef:vdi", nil
	})

	descriptors, err := b.Fetch(context.Background(), "img-1", types.ImageDiskRaw)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(descriptors) != 1 {
		t.Fatalf("got %d descriptors, want 1", len(descriptors))
	}
	d := descriptors[0]
	if d.Type != types.ImageDiskRaw || d.UUID != "vdi-uuid" || d.File != "" {
		t.Errorf("unexpected descriptor %v", d)
	}
	if createdSize != "4096" {
		t.Errorf("VDI size = %s, raw disks get no partition reservation", createdSize)
	}
	for _, cmd := range *commands {
		if strings.HasPrefix(cmd, "parted") {
			t.Errorf("raw fetch ran %q", cmd)
		}
	}
	if n := sess.count("VBD.destroy"); n != 1 {
		t.Errorf("attachment destroyed %d times, want 1", n)
	}
}

func TestFetchLegacyDiskReservesMBR(t *testing.T) {
	payload := make([]byte, 4096)
	cat := &fakeCatalog{
		meta:    &images.ImageMeta{ID: "img-2", Size: 1048576},
		payload: payload,
	}
	b, sess, _, commands := testBackend(t, cat)

	var createdSize string
	sess.handle("VDI.create", func(args ...any) (any, error) {
		rec := args[0].(map[string]any)
		createdSize, _ = rec["virtual_size"].(string)
		return "OpaqueRef:vdi", nil
	})
	// Device node big enough for the offset write.
	if err := os.WriteFile(b.conf.DevicePath("xvda"), make([]byte, config.MBRSizeBytes), 0o600); err != nil {
		t.Fatal(err)
	}

	descriptors, err := b.Fetch(context.Background(), "img-2", types.ImageDisk)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if descriptors[0].Type != types.ImageDisk {
		t.Errorf("descriptor type = %v, want os", descriptors[0].Type)
	}
	want := fmt.Sprintf("%d", 1048576+config.MBRSizeBytes)
	if createdSize != want {
		t.Errorf("VDI size = %s, want %s (payload plus MBR reservation)", createdSize, want)
	}
	var partitioned bool
	for _, cmd := range *commands {
		if strings.Contains(cmd, "mkpart primary 63s 2110s") {
			partitioned = true
		}
	}
	if !partitioned {
		t.Errorf("no partition written, commands: %v", *commands)
	}
}

func TestFetchOversizedKernelFailsEarly(t *testing.T) {
	cat := &fakeCatalog{
		meta: &images.ImageMeta{ID: "aki-1", Size: 64 * 1024 * 1024},
	}
	b, sess, _, _ := testBackend(t, cat)

	_, err := b.Fetch(context.Background(), "aki-1", types.ImageKernel)
	var sizeErr *images.SizeLimitError
	if !errors.As(err, &sizeErr) {
		t.Fatalf("Fetch = %v, want SizeLimitError", err)
	}
	if n := sess.count("VDI.create"); n != 0 {
		t.Errorf("oversized kernel created %d VDIs, want 0", n)
	}
}

func TestFetchKernelCopiedOutAndDestroyed(t *testing.T) {
	payload := []byte("kernel bits")
	cat := &fakeCatalog{
		meta:    &images.ImageMeta{ID: "aki-2", Size: int64(len(payload))},
		payload: payload,
	}
	b, sess, _, _ := testBackend(t, cat)

	sess.result("plugin.catalog.copy_kernel_vdi", "OpaqueRef:copy-task")
	sess.result("wait.OpaqueRef:copy-task", "/boot/guest/aki-2")
	sess.result("Async.VDI.destroy", "OpaqueRef:destroy-task")
	sess.result("wait.OpaqueRef:destroy-task", "")

	descriptors, err := b.Fetch(context.Background(), "aki-2", types.ImageKernel)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	d := descriptors[0]
	if d.Type != types.ImageKernel || d.File != "/boot/guest/aki-2" || d.UUID != "" {
		t.Errorf("unexpected descriptor %v", d)
	}
	if n := sess.count("Async.VDI.destroy"); n != 1 {
		t.Errorf("temporary VDI destroyed %d times, want 1", n)
	}
}

func TestFetchChecksumMismatchLeavesDescriptor(t *testing.T) {
	payload := []byte("actual payload")
	cat := &fakeCatalog{
		meta: &images.ImageMeta{
			ID:       "img-3",
			Size:     int64(len(payload)),
			Checksum: sha256hex([]byte("expected different payload")),
		},
		payload: payload,
	}
	b, _, _, _ := testBackend(t, cat)

	_, err := b.Fetch(context.Background(), "img-3", types.ImageDiskRaw)
	var fetchErr *images.FetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("Fetch = %v, want FetchError", err)
	}
	if len(fetchErr.Descriptors) != 1 || fetchErr.Descriptors[0].UUID != "vdi-uuid" {
		t.Errorf("leftover descriptors %v, want the created VDI", fetchErr.Descriptors)
	}
}

func TestFetchVHDViaPlugin(t *testing.T) {
	b, sess, conf, _ := testBackend(t, &fakeCatalog{})

	var pluginArgs map[string]string
	sess.handle("plugin.catalog.download_vhd", func(args ...any) (any, error) {
		pluginArgs = args[0].(map[string]string)
		return "OpaqueRef:dl-task", nil
	})
	result, _ := json.Marshal([]pluginVDI{
		{VDIType: "os", VDIUUID: "primary-uuid"},
		{VDIType: "swap", VDIUUID: "swap-uuid"},
	})
	sess.result("wait.OpaqueRef:dl-task", string(result))
	sess.result("Async.SR.scan", "OpaqueRef:scan-task")
	sess.result("wait.OpaqueRef:scan-task", "")
	sess.result("VDI.get_by_uuid", "OpaqueRef:primary")
	sess.result("VDI.set_name_label", "")

	descriptors, err := b.Fetch(context.Background(), "vhd-1", types.ImageDiskVHD)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(descriptors) != 2 {
		t.Fatalf("got %d descriptors, want 2", len(descriptors))
	}
	if descriptors[0].UUID != "primary-uuid" || descriptors[0].Role != "os" {
		t.Errorf("primary descriptor %v", descriptors[0])
	}
	if descriptors[1].UUID != "swap-uuid" || descriptors[1].Role != "swap" {
		t.Errorf("swap descriptor %v", descriptors[1])
	}

	var params map[string]any
	if err := json.Unmarshal([]byte(pluginArgs["params"]), &params); err != nil {
		t.Fatalf("plugin params not JSON: %v", err)
	}
	if params["image_id"] != "vhd-1" || params["endpoint"] != conf.CatalogEndpoint {
		t.Errorf("plugin params %v", params)
	}
	if params["sr_path"] != "/var/run/sr-mount/sr-uuid" {
		t.Errorf("sr_path = %v", params["sr_path"])
	}
	stack, _ := params["uuid_stack"].([]any)
	if len(stack) != uuidStackDepth {
		t.Errorf("uuid stack depth %d, want %d", len(stack), uuidStackDepth)
	}

	if n := sess.count("VDI.set_name_label"); n != 1 {
		t.Errorf("primary relabeled %d times, want 1", n)
	}
	if n := sess.count("Async.SR.scan"); n != 1 {
		t.Errorf("SR scanned %d times, want 1", n)
	}
}

func TestUploadVHDChain(t *testing.T) {
	b, sess, conf, _ := testBackend(t, &fakeCatalog{})

	var pluginArgs map[string]string
	sess.handle("plugin.catalog.upload_vhd", func(args ...any) (any, error) {
		pluginArgs = args[0].(map[string]string)
		return "OpaqueRef:up-task", nil
	})
	sess.result("wait.OpaqueRef:up-task", "")

	err := b.Upload(context.Background(), []string{"snap-uuid", "base-uuid"}, "img-9", "")
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	var params map[string]any
	if err := json.Unmarshal([]byte(pluginArgs["params"]), &params); err != nil {
		t.Fatalf("plugin params not JSON: %v", err)
	}
	if params["image_id"] != "img-9" || params["os_type"] != conf.DefaultOSType {
		t.Errorf("plugin params %v", params)
	}
	uuids, _ := params["vdi_uuids"].([]any)
	if len(uuids) != 2 || uuids[0] != "snap-uuid" {
		t.Errorf("vdi_uuids %v", uuids)
	}
}

func TestClassifyFromDiskFormat(t *testing.T) {
	ctx := context.Background()

	b, _, _, _ := testBackend(t, &fakeCatalog{
		meta: &images.ImageMeta{ID: "img-1", DiskFormat: "vhd"},
	})
	got, err := b.Classify(ctx, "img-1")
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if got != types.ImageDiskVHD {
		t.Errorf("Classify = %s, want vhd", got)
	}

	b, _, _, _ = testBackend(t, &fakeCatalog{
		meta: &images.ImageMeta{ID: "img-2", DiskFormat: "qcow2"},
	})
	var invalid *images.InvalidDiskFormatError
	if _, err := b.Classify(ctx, "img-2"); !errors.As(err, &invalid) {
		t.Errorf("Classify = %v, want InvalidDiskFormatError", err)
	}
}

func TestIsPVDecisions(t *testing.T) {
	b, _, _, _ := testBackend(t, &fakeCatalog{})
	ctx := context.Background()

	if pv, err := b.IsPV(ctx, "ref", types.ImageDiskVHD, "windows"); err != nil || pv {
		t.Errorf("windows VHD: pv=%v err=%v, want HVM", pv, err)
	}
	// Empty OS tag falls back to the configured default (linux).
	if pv, err := b.IsPV(ctx, "ref", types.ImageDiskVHD, ""); err != nil || !pv {
		t.Errorf("default VHD: pv=%v err=%v, want PV", pv, err)
	}
	if pv, err := b.IsPV(ctx, "ref", types.ImageDisk, ""); err != nil || !pv {
		t.Errorf("legacy disk: pv=%v err=%v, want PV", pv, err)
	}
	var unsupported *images.UnsupportedFormatError
	if _, err := b.IsPV(ctx, "ref", types.ImageKernel, ""); !errors.As(err, &unsupported) {
		t.Errorf("kernel IsPV = %v, want UnsupportedFormatError", err)
	}
}

func TestIsPVRawDiskProbed(t *testing.T) {
	b, sess, _, _ := testBackend(t, &fakeCatalog{})
	b.prober.Output = func(context.Context, string, ...string) (string, error) {
		return "kernel:/boot/vmlinuz-xen\n", nil
	}

	pv, err := b.IsPV(context.Background(), "OpaqueRef:vdi", types.ImageDiskRaw, "")
	if err != nil {
		t.Fatalf("IsPV: %v", err)
	}
	if !pv {
		t.Error("xen kernel probe should report PV")
	}
	// The probe attaches read only and must clean up after itself.
	if n := sess.count("VBD.destroy"); n != 1 {
		t.Errorf("probe attachment destroyed %d times, want 1", n)
	}
}
