package ble

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ScanForDevices scans for Fluval fixtures for the given duration and
// returns each one once, with the most recent RSSI, strongest first.
func ScanForDevices(adapter Adapter, timeout time.Duration) ([]Device, error) {
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("ble: enable adapter: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var mu sync.Mutex
	seen := make(map[string]*Device)

	err := adapter.Scan(ctx, func(adv Advertisement) {
		if !adv.Fluval {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if d, ok := seen[adv.MAC]; ok {
			d.RSSI = adv.RSSI
			if adv.Name != "" {
				d.Name = adv.Name
			}
			return
		}
		seen[adv.MAC] = &Device{Name: adv.Name, MAC: adv.MAC, RSSI: adv.RSSI}
	})
	if err != nil {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()
	devices := make([]Device, 0, len(seen))
	for _, d := range seen {
		devices = append(devices, *d)
	}
	sort.Slice(devices, func(i, j int) bool {
		if devices[i].RSSI != devices[j].RSSI {
			return devices[i].RSSI > devices[j].RSSI
		}
		return devices[i].MAC < devices[j].MAC
	})
	return devices, nil
}

// WatchAdvertisements scans until ctx is cancelled and forwards Fluval
// advertisements to fn. It is the feed for long-running registries.
func WatchAdvertisements(ctx context.Context, adapter Adapter, fn func(Advertisement)) error {
	if err := adapter.Enable(); err != nil {
		return fmt.Errorf("ble: enable adapter: %w", err)
	}
	err := adapter.Scan(ctx, func(adv Advertisement) {
		if adv.Fluval {
			fn(adv)
		}
	})
	if err != nil {
		return fmt.Errorf("ble: scan: %w", err)
	}
	return nil
}
