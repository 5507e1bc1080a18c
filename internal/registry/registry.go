// Package registry provides the device registry: a cached, read-only view of the
// configured fleet that the poll cycle snapshots once per cycle.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/nexus-edge/plant-poller/internal/adapter/config"
	"github.com/nexus-edge/plant-poller/internal/domain"
	"github.com/rs/zerolog"
)

// Source loads the full device list from its backing store.
type Source interface {
	Load(ctx context.Context) ([]*domain.Device, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) ([]*domain.Device, error)

// Load implements Source.
func (f SourceFunc) Load(ctx context.Context) ([]*domain.Device, error) {
	return f(ctx)
}

// FileSource reads the YAML device registry file on every load.
type FileSource struct {
	Path   string
	Logger zerolog.Logger
}

// Load implements Source. Rejected devices are logged and skipped.
func (s *FileSource) Load(_ context.Context) ([]*domain.Device, error) {
	set, err := config.LoadDevices(s.Path)
	if err != nil {
		return nil, err
	}
	for _, r := range set.Rejected {
		s.Logger.Error().
			Err(r.Err).
			Str("device_id", r.ID).
			Int("index", r.Index).
			Msg("Device configuration rejected")
	}
	for _, w := range set.Warnings {
		s.Logger.Warn().Str("detail", w).Msg("Register skipped in device configuration")
	}
	return set.Devices, nil
}

// Registry caches the device list for a TTL. A zero TTL reloads on every call.
type Registry struct {
	source Source
	ttl    time.Duration
	now    func() time.Time
	logger zerolog.Logger

	mu       sync.Mutex
	devices  []*domain.Device
	loadedAt time.Time
	valid    bool
}

// New creates a registry.
func New(source Source, ttl time.Duration, logger zerolog.Logger) *Registry {
	return &Registry{
		source: source,
		ttl:    ttl,
		now:    time.Now,
		logger: logger.With().Str("component", "registry").Logger(),
	}
}

// WithClock overrides the registry clock.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

// Invalidate forces the next lookup to reload from the source.
func (r *Registry) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.valid = false
}

func (r *Registry) all(ctx context.Context) ([]*domain.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.valid && r.ttl > 0 && r.now().Sub(r.loadedAt) < r.ttl {
		return r.devices, nil
	}

	devices, err := r.source.Load(ctx)
	if err != nil {
		if r.valid {
			// Keep serving the previous snapshot while the source is unavailable.
			r.logger.Warn().Err(err).Msg("Device registry reload failed, using cached devices")
			return r.devices, nil
		}
		return nil, err
	}
	r.devices = devices
	r.loadedAt = r.now()
	r.valid = true
	r.logger.Debug().Int("devices", len(devices)).Msg("Device registry loaded")
	return devices, nil
}

// ActiveDevices returns the enabled devices, optionally restricted to the given classes.
// The returned slice is a fresh copy; devices themselves must be treated as read-only.
func (r *Registry) ActiveDevices(ctx context.Context, classes ...domain.DeviceClass) ([]*domain.Device, error) {
	devices, err := r.all(ctx)
	if err != nil {
		return nil, err
	}

	want := make(map[domain.DeviceClass]bool, len(classes))
	for _, c := range classes {
		want[c] = true
	}

	active := make([]*domain.Device, 0, len(devices))
	for _, d := range devices {
		if !d.Enabled {
			continue
		}
		if len(want) > 0 && !want[d.Class] {
			continue
		}
		active = append(active, d)
	}
	return active, nil
}

// Device looks up a single device by id, enabled or not.
func (r *Registry) Device(ctx context.Context, id string) (*domain.Device, error) {
	devices, err := r.all(ctx)
	if err != nil {
		return nil, err
	}
	for _, d := range devices {
		if d.ID == id {
			return d, nil
		}
	}
	return nil, domain.ErrDeviceNotFound
}

// LinesFor returns the line ids of a device in configuration order.
func LinesFor(device *domain.Device) []string {
	ids := make([]string, 0, len(device.Lines))
	for _, l := range device.Lines {
		ids = append(ids, l.ID)
	}
	return ids
}

// MachinesFor returns the machines on one line of a device.
func MachinesFor(device *domain.Device, line string) []domain.Machine {
	l, ok := device.Line(line)
	if !ok {
		return nil
	}
	return l.Machines
}
