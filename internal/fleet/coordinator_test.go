package fleet

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/particle-iot/flashctl/internal/catalog"
	"github.com/particle-iot/flashctl/internal/module"
	"github.com/particle-iot/flashctl/internal/transport"
)

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.Load()
	if err != nil {
		t.Fatalf("loading catalog: %v", err)
	}
	return cat
}

// fakeDevice is a minimal in-memory transport.Device for coordinator tests.
type fakeDevice struct {
	id         string
	platformID int
	openErr    error
	closed     bool
}

func (d *fakeDevice) ID() string      { return d.id }
func (d *fakeDevice) PlatformID() int { return d.platformID }
func (d *fakeDevice) Open(ctx context.Context) error  { return d.openErr }
func (d *fakeDevice) Close(ctx context.Context) error { d.closed = true; return nil }
func (d *fakeDevice) Reset(ctx context.Context) error { return nil }
func (d *fakeDevice) PrepareToFlash(ctx context.Context) error { return nil }
func (d *fakeDevice) CanFlashModule(m *module.Module) bool     { return true }
func (d *fakeDevice) CanWriteToFlash() bool                    { return true }
func (d *fakeDevice) WriteToFlash(ctx context.Context, filePath string, storage catalog.StorageType, address int64) error {
	return nil
}
func (d *fakeDevice) FlashModule(ctx context.Context, filePath string) (transport.FlashResult, error) {
	return transport.FlashResult{}, nil
}

var _ transport.Device = (*fakeDevice)(nil)

// fakeDiscovery serves a fixed handle list and fails to open devices named
// in failOpen (regardless of retry count, to exercise NoDevicesFound).
type fakeDiscovery struct {
	handles  []transport.DeviceHandle
	failOpen map[string]bool
}

func (d *fakeDiscovery) List(ctx context.Context) ([]transport.DeviceHandle, error) {
	return d.handles, nil
}

func (d *fakeDiscovery) OpenByID(ctx context.Context, deviceID string, platform *catalog.Platform) (transport.Device, error) {
	if d.failOpen[deviceID] {
		return nil, errors.New("fake: open failed")
	}
	platformID := 0
	if platform != nil {
		platformID = platform.ID
	}
	return &fakeDevice{id: deviceID, platformID: platformID}, nil
}

var _ transport.Discovery = (*fakeDiscovery)(nil)

func TestEnumerateDevices_ConfirmsReachableDevices(t *testing.T) {
	cat := testCatalog(t)
	platforms := cat.All()
	if len(platforms) == 0 {
		t.Fatal("catalog has no platforms")
	}

	disc := &fakeDiscovery{handles: []transport.DeviceHandle{
		{ID: "dev-1", PlatformID: platforms[0].ID},
		{ID: "dev-2"},
	}}
	coord := &Coordinator{Catalog: cat, Primary: disc}

	candidates, err := coord.EnumerateDevices(context.Background(), EnumerateOptions{MaxRetries: 1})
	if err != nil {
		t.Fatalf("EnumerateDevices: %v", err)
	}
	if len(candidates) != 2 {
		t.Fatalf("got %d candidates, want 2", len(candidates))
	}
}

func TestEnumerateDevices_NoDevicesFound(t *testing.T) {
	cat := testCatalog(t)
	disc := &fakeDiscovery{
		handles:  []transport.DeviceHandle{{ID: "dev-1"}},
		failOpen: map[string]bool{"dev-1": true},
	}
	coord := &Coordinator{Catalog: cat, Primary: disc}

	_, err := coord.EnumerateDevices(context.Background(), EnumerateOptions{MaxRetries: 2})
	var notFound *NoDevicesFound
	if !errors.As(err, &notFound) {
		t.Fatalf("got %v, want *NoDevicesFound", err)
	}
}

func TestResolveTargets_LocalMatchAndHint(t *testing.T) {
	cat := testCatalog(t)
	platforms := cat.All()
	local := []Candidate{
		{DeviceHandle: transport.DeviceHandle{ID: "dev-1"}},
	}
	coord := &Coordinator{Catalog: cat}

	resolved, err := coord.ResolveTargets(context.Background(), local, []Target{
		{Identity: "dev-1", PlatformHint: platforms[0].Name},
	})
	if err != nil {
		t.Fatalf("ResolveTargets: %v", err)
	}
	if len(resolved) != 1 || resolved[0].Platform == nil || resolved[0].Platform.ID != platforms[0].ID {
		t.Fatalf("resolved = %+v, want platform %d bound from hint", resolved, platforms[0].ID)
	}
}

func TestResolveTargets_UnknownPlatformFails(t *testing.T) {
	cat := testCatalog(t)
	local := []Candidate{{DeviceHandle: transport.DeviceHandle{ID: "dev-1"}}}
	coord := &Coordinator{Catalog: cat}

	_, err := coord.ResolveTargets(context.Background(), local, []Target{{Identity: "dev-1"}})
	var unknownPlatform *UnknownDevicePlatform
	if !errors.As(err, &unknownPlatform) {
		t.Fatalf("got %v, want *UnknownDevicePlatform", err)
	}
}

func TestResolveTargets_UnresolvedNameFails(t *testing.T) {
	cat := testCatalog(t)
	coord := &Coordinator{Catalog: cat}

	_, err := coord.ResolveTargets(context.Background(), nil, []Target{{Identity: "no-such-device"}})
	var notFound *DeviceNotFound
	if !errors.As(err, &notFound) {
		t.Fatalf("got %v, want *DeviceNotFound", err)
	}
}

func TestDispatch_CapturesFirstErrorButRunsAll(t *testing.T) {
	cat := testCatalog(t)
	platforms := cat.All()
	if len(platforms) < 1 {
		t.Fatal("catalog has no platforms")
	}
	p := platforms[0]

	disc := &fakeDiscovery{failOpen: map[string]bool{"dev-bad": true}}
	coord := &Coordinator{Catalog: cat, Primary: disc, TempDir: t.TempDir()}

	devices := []Candidate{
		{DeviceHandle: transport.DeviceHandle{ID: "dev-good"}, Platform: p},
		{DeviceHandle: transport.DeviceHandle{ID: "dev-bad"}, Platform: p},
	}

	results, err := coord.Dispatch(context.Background(), devices, nil, DispatchOptions{MaxRetries: 0})
	if err == nil {
		t.Fatal("expected an error from the failing device")
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2 (every device reaches a terminal state)", len(results))
	}
	var sawGood, sawBad bool
	for _, r := range results {
		if r.DeviceID == "dev-good" && r.Err == nil {
			sawGood = true
		}
		if r.DeviceID == "dev-bad" && r.Err != nil {
			sawBad = true
		}
	}
	if !sawGood || !sawBad {
		t.Fatalf("results = %+v, want one success and one failure", results)
	}
}

// concurrencyTrackingDiscovery records the maximum number of OpenByID calls
// in flight at once, holding each open open briefly so overlapping calls
// are observable.
type concurrencyTrackingDiscovery struct {
	mu      sync.Mutex
	current int32
	maxSeen int32
}

func (d *concurrencyTrackingDiscovery) List(ctx context.Context) ([]transport.DeviceHandle, error) {
	return nil, nil
}

func (d *concurrencyTrackingDiscovery) OpenByID(ctx context.Context, deviceID string, platform *catalog.Platform) (transport.Device, error) {
	n := atomic.AddInt32(&d.current, 1)
	d.mu.Lock()
	if n > d.maxSeen {
		d.maxSeen = n
	}
	d.mu.Unlock()
	time.Sleep(10 * time.Millisecond)
	atomic.AddInt32(&d.current, -1)

	platformID := 0
	if platform != nil {
		platformID = platform.ID
	}
	return &fakeDevice{id: deviceID, platformID: platformID}, nil
}

var _ transport.Discovery = (*concurrencyTrackingDiscovery)(nil)

func TestDispatch_RespectsMaxJobs(t *testing.T) {
	cat := testCatalog(t)
	platforms := cat.All()
	if len(platforms) < 1 {
		t.Fatal("catalog has no platforms")
	}
	p := platforms[0]

	disc := &concurrencyTrackingDiscovery{}
	coord := &Coordinator{Catalog: cat, Primary: disc, TempDir: t.TempDir()}

	devices := make([]Candidate, 0, 8)
	for i := 0; i < 8; i++ {
		devices = append(devices, Candidate{
			DeviceHandle: transport.DeviceHandle{ID: "dev-" + string(rune('a'+i))},
			Platform:     p,
		})
	}

	const maxJobs = 2
	if _, err := coord.Dispatch(context.Background(), devices, nil, DispatchOptions{MaxRetries: 0, MaxJobs: maxJobs}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if disc.maxSeen > maxJobs {
		t.Fatalf("observed %d concurrent opens, want at most %d (MaxJobs)", disc.maxSeen, maxJobs)
	}
}
