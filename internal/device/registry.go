package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/chaz8081/fluvalctl/internal/ble"
)

// Factory builds a connected device for a fixture seen for the first time.
type Factory func(ctx context.Context, name, mac string) (*Device, error)

// NewFactory returns a Factory that connects through adapter with opts.
func NewFactory(adapter ble.Adapter, opts ble.ClientOptions) Factory {
	return func(ctx context.Context, name, mac string) (*Device, error) {
		return New(ctx, name, mac, adapter, opts)
	}
}

// Registry holds one Device per fixture address. Devices are created on the
// first matching advertisement and live until removed or the registry closes.
type Registry struct {
	ctx     context.Context
	factory Factory

	mu       sync.Mutex
	devices  map[string]*Device
	watchers []func(*Device)
	closed   bool
}

// NewRegistry returns an empty registry. ctx bounds every device's
// connection loop.
func NewRegistry(ctx context.Context, factory Factory) *Registry {
	return &Registry{
		ctx:     ctx,
		factory: factory,
		devices: make(map[string]*Device),
	}
}

func normalizeMAC(mac string) string {
	return strings.ToUpper(strings.TrimSpace(mac))
}

// Advertise records an advertisement for a configured fixture, creating its
// device on first sight. It returns the device and whether it was created.
func (r *Registry) Advertise(name string, adv ble.Advertisement) (*Device, bool, error) {
	mac := normalizeMAC(adv.MAC)
	if mac == "" {
		return nil, false, errors.New("device: advertisement without address")
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, false, errors.New("device: registry closed")
	}
	if d, ok := r.devices[mac]; ok {
		r.mu.Unlock()
		d.UpdateAdvertisement(adv)
		return d, false, nil
	}

	if name == "" {
		name = adv.Name
	}
	d, err := r.factory(r.ctx, name, mac)
	if err != nil {
		r.mu.Unlock()
		return nil, false, fmt.Errorf("device: create %s: %w", mac, err)
	}
	r.devices[mac] = d
	watchers := slices.Clone(r.watchers)
	r.mu.Unlock()

	slog.Info("[DEVICE] discovered", "name", name, "mac", mac, "rssi", adv.RSSI)
	for _, fn := range watchers {
		fn(d)
	}
	d.UpdateAdvertisement(adv)
	return d, true, nil
}

// Get returns the device for mac.
func (r *Registry) Get(mac string) (*Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[normalizeMAC(mac)]
	return d, ok
}

// List returns every device ordered by address.
func (r *Registry) List() []*Device {
	r.mu.Lock()
	out := make([]*Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].MAC() < out[j].MAC() })
	return out
}

// Watch registers fn to be called with every device created after the call.
func (r *Registry) Watch(fn func(*Device)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.watchers = append(r.watchers, fn)
}

// Remove closes and forgets the device for mac.
func (r *Registry) Remove(mac string) error {
	mac = normalizeMAC(mac)
	r.mu.Lock()
	d, ok := r.devices[mac]
	delete(r.devices, mac)
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("device: %s not registered", mac)
	}
	slog.Info("[DEVICE] removed", "mac", mac)
	return d.Close()
}

// Close closes every device. Later advertisements are rejected.
func (r *Registry) Close() error {
	r.mu.Lock()
	r.closed = true
	devices := r.devices
	r.devices = make(map[string]*Device)
	r.mu.Unlock()

	var errs []error
	for mac, d := range devices {
		if err := d.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", mac, err))
		}
	}
	return errors.Join(errs...)
}
