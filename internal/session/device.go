package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/okadri/stocksync/internal/remote"
	"github.com/okadri/stocksync/internal/schema"
)

// deviceFile persists the generated device identity across restarts.
const deviceFile = "device_id"

// DefaultHeartbeatInterval is how often a device upserts its record.
const DefaultHeartbeatInterval = 60 * time.Second

// Device is the identity a client process registers and keeps alive in
// the remote registry. Each device record is written only by the process
// that owns it; users read the list during device management.
type Device struct {
	ID         string `json:"id"`
	DeviceID   string `json:"deviceId"`
	UserID     string `json:"userId"`
	LastActive string `json:"lastActive"`
	Name       string `json:"name"`
	Type       string `json:"type"`
	Browser    string `json:"browser"`
	OS         string `json:"os"`
}

// LoadDeviceID returns the device identity persisted under dataDir,
// generating and storing one on first use.
func LoadDeviceID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, deviceFile)

	data, err := os.ReadFile(path)
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to read device id: %w", err)
	}

	id := fmt.Sprintf("dev_%s", uuid.NewString())
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(id), 0600); err != nil {
		return "", fmt.Errorf("failed to persist device id: %w", err)
	}
	return id, nil
}

// LocalDevice describes this process as a Device record.
func LocalDevice(deviceID, userID string) Device {
	name, _ := os.Hostname()
	if name == "" {
		name = "unknown"
	}
	return Device{
		ID:       deviceID,
		DeviceID: deviceID,
		UserID:   userID,
		Name:     name,
		Type:     "desktop",
		Browser:  "stocksync",
		OS:       runtime.GOOS,
	}
}

// ListDevices returns the registry's device records for a user, most
// recently active first. Session rows without device metadata are
// skipped.
func ListDevices(ctx context.Context, rm remote.Adapter, userID string) ([]Device, error) {
	entities, err := rm.Pull(ctx, schema.UserSessions)
	if err != nil {
		return nil, err
	}

	var devices []Device
	for _, e := range entities {
		d := deviceFromEntity(e)
		if d.UserID != userID || d.Name == "" {
			continue
		}
		devices = append(devices, d)
	}

	sort.Slice(devices, func(i, j int) bool {
		return devices[i].LastActive > devices[j].LastActive
	})
	return devices, nil
}

func deviceFromEntity(e *schema.Entity) Device {
	d := Device{ID: e.ID}
	str := func(key string) string {
		v, _ := e.Fields[key].(string)
		return v
	}
	d.DeviceID = str("deviceId")
	d.UserID = str("userId")
	d.LastActive = str("lastActive")
	d.Name = str("name")
	d.Type = str("type")
	d.Browser = str("browser")
	d.OS = str("os")
	return d
}

// Heartbeat periodically upserts this device's record into the remote
// registry. Failures are logged and retried on the next tick; the
// heartbeat is a liveness signal, not critical state.
type Heartbeat struct {
	remote   remote.Adapter
	device   Device
	interval time.Duration
	logger   *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHeartbeat creates a heartbeat for the given device.
func NewHeartbeat(rm remote.Adapter, device Device, interval time.Duration, logger *log.Logger) *Heartbeat {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[device] ", log.LstdFlags)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Heartbeat{
		remote:   rm,
		device:   device,
		interval: interval,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins the heartbeat loop with an immediate first beat.
func (h *Heartbeat) Start() {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()

		h.beat()

		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()

		for {
			select {
			case <-h.ctx.Done():
				return
			case <-ticker.C:
				h.beat()
			}
		}
	}()
}

// Stop halts the heartbeat loop.
func (h *Heartbeat) Stop() {
	h.cancel()
	h.wg.Wait()
}

func (h *Heartbeat) beat() {
	ctx, cancel := context.WithTimeout(h.ctx, 15*time.Second)
	defer cancel()

	e := &schema.Entity{
		ID:        h.device.ID,
		UpdatedAt: time.Now().UTC(),
		Fields: map[string]any{
			"deviceId":   h.device.DeviceID,
			"userId":     h.device.UserID,
			"lastActive": time.Now().UTC().Format(time.RFC3339),
			"name":       h.device.Name,
			"type":       h.device.Type,
			"browser":    h.device.Browser,
			"os":         h.device.OS,
		},
	}
	doc, err := e.MarshalDoc()
	if err != nil {
		h.logger.Printf("Heartbeat marshal failed: %v", err)
		return
	}

	err = h.remote.Push(ctx, schema.UserSessions, remote.OpUpsert, e.ID, doc)
	if err != nil && !errors.Is(err, remote.ErrUnconfigured) {
		h.logger.Printf("Device heartbeat failed: %v", err)
	}
}
