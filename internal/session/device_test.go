package session

import (
	"context"
	"io"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/okadri/stocksync/internal/remote"
	"github.com/okadri/stocksync/internal/schema"
)

func TestLoadDeviceID_StableAcrossCalls(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadDeviceID(dir)
	if err != nil {
		t.Fatalf("LoadDeviceID() failed: %v", err)
	}
	if !strings.HasPrefix(first, "dev_") {
		t.Errorf("device id = %q, want dev_ prefix", first)
	}

	second, err := LoadDeviceID(dir)
	if err != nil {
		t.Fatalf("second LoadDeviceID() failed: %v", err)
	}
	if first != second {
		t.Errorf("device id changed across calls: %q != %q", first, second)
	}
}

func TestLoadDeviceID_DistinctPerDataDir(t *testing.T) {
	a, err := LoadDeviceID(t.TempDir())
	if err != nil {
		t.Fatalf("LoadDeviceID() failed: %v", err)
	}
	b, err := LoadDeviceID(t.TempDir())
	if err != nil {
		t.Fatalf("LoadDeviceID() failed: %v", err)
	}
	if a == b {
		t.Error("two data dirs produced the same device id")
	}
}

func TestHeartbeat_RegistersDevice(t *testing.T) {
	rm := newRegistryAdapter()

	device := LocalDevice("dev_test", "user-1")
	hb := NewHeartbeat(rm, device, time.Hour, log.New(io.Discard, "", 0))

	hb.Start()
	defer hb.Stop()

	// The first beat is immediate; wait for it to land.
	deadline := time.After(2 * time.Second)
	for {
		devices, err := ListDevices(context.Background(), rm, "user-1")
		if err != nil {
			t.Fatalf("ListDevices() failed: %v", err)
		}
		if len(devices) == 1 {
			if devices[0].DeviceID != "dev_test" {
				t.Errorf("DeviceID = %q, want dev_test", devices[0].DeviceID)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("device record never appeared")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestHeartbeat_UnconfiguredRemoteIsSilent(t *testing.T) {
	hb := NewHeartbeat(remote.Unconfigured(), LocalDevice("dev_test", "user-1"),
		time.Hour, log.New(io.Discard, "", 0))

	hb.Start()
	hb.Stop()
}

func TestListDevices_SkipsSessionRows(t *testing.T) {
	rm := newRegistryAdapter()
	ctx := context.Background()

	// A bare session record has no device name.
	doc, _ := sessionEntity(&Session{ID: "s1", UserID: "user-1", LastActive: time.Now()}).MarshalDoc()
	if err := rm.Push(ctx, schema.UserSessions, remote.OpUpsert, "s1", doc); err != nil {
		t.Fatalf("seed push failed: %v", err)
	}

	hb := NewHeartbeat(rm, LocalDevice("dev_test", "user-1"), time.Hour, log.New(io.Discard, "", 0))
	hb.beat()

	devices, err := ListDevices(ctx, rm, "user-1")
	if err != nil {
		t.Fatalf("ListDevices() failed: %v", err)
	}
	if len(devices) != 1 {
		t.Fatalf("got %d devices, want 1 (session rows skipped)", len(devices))
	}
	if devices[0].DeviceID != "dev_test" {
		t.Errorf("DeviceID = %q, want dev_test", devices[0].DeviceID)
	}
}
