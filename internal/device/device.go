// Package device models a single Fluval LED fixture: the attributes decoded
// from its reports, the write requests that change them, and the observer
// groups that presentation layers subscribe to.
package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chaz8081/fluvalctl/internal/ble"
	"github.com/chaz8081/fluvalctl/internal/ble/protocol"
)

// Attribute keys. Each key is also an observer group.
const (
	KeyConnection = "connection"
	KeyMode       = "mode"
	KeyPower      = "led_on_off"

	channelPrefix = "channel_"
)

// Channel limits advertised to presentation layers.
const (
	Channels   = 5
	ChannelMin = 0
	ChannelMax = 1000

	// ChannelStep is the UI increment; writes in between are accepted.
	ChannelStep = 50

	// ReservedChannel is advertised but no report or command carries it.
	ReservedChannel = 5
)

var (
	ErrUnknownAttribute = errors.New("device: unknown attribute")
	ErrReadOnly         = errors.New("device: attribute is read-only")
	ErrReserved         = errors.New("device: attribute is reserved")
	ErrOutOfRange       = errors.New("device: value out of range")
	ErrNotManual        = errors.New("device: channels are only writable in manual mode")
)

// ChannelKey returns the attribute key of channel n (1-based).
func ChannelKey(n int) string {
	return channelPrefix + strconv.Itoa(n)
}

func channelIndex(key string) (int, bool) {
	if !strings.HasPrefix(key, channelPrefix) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(key, channelPrefix))
	if err != nil || n < 1 || n > Channels {
		return 0, false
	}
	return n, true
}

// Keys returns every attribute key in display order.
func Keys() []string {
	keys := []string{KeyConnection, KeyMode, KeyPower}
	for n := 1; n <= Channels; n++ {
		keys = append(keys, ChannelKey(n))
	}
	return keys
}

// componentKeys are the groups notified when a report is decoded.
func componentKeys() []string {
	return Keys()[1:]
}

// ModeNames returns the selectable modes.
func ModeNames() []string {
	names := make([]string, len(protocol.Modes))
	for i, m := range protocol.Modes {
		names[i] = m.String()
	}
	return names
}

// ConnInfo describes the link to the fixture.
type ConnInfo struct {
	MAC       string    `json:"mac"`
	LastSeen  time.Time `json:"last_seen"`
	RSSI      int       `json:"rssi"`
	LastError string    `json:"last_error,omitempty"`
}

// Attribute is the read view of one key, shaped for presentation layers.
type Attribute struct {
	Key     string    `json:"key"`
	IsOn    *bool     `json:"is_on,omitempty"`
	Options []string  `json:"options,omitempty"`
	Current string    `json:"current,omitempty"`
	Min     *int      `json:"min,omitempty"`
	Max     *int      `json:"max,omitempty"`
	Step    *int      `json:"step,omitempty"`
	Value   *int      `json:"value,omitempty"`
	Extra   *ConnInfo `json:"extra,omitempty"`
}

// Snapshot is every attribute of a device at one point in time.
type Snapshot struct {
	Name       string      `json:"name"`
	MAC        string      `json:"mac"`
	Attributes []Attribute `json:"attributes"`
}

// Link is the outgoing half of the BLE client as the device sees it.
type Link interface {
	Send(payload []byte) error
	Pending() bool
	LastError() error
	Close() error
}

// Device is one Fluval fixture. It implements ble.Handler.
type Device struct {
	name string
	mac  string
	hub  *Hub
	link Link

	// sendMu orders commands on the link the same as the state they encode.
	sendMu sync.Mutex

	mu        sync.Mutex
	connected bool
	lastSeen  time.Time
	rssi      int
	mode      protocol.Mode
	ledOn     bool
	channels  [Channels]int

	reportOnce sync.Once
	reported   chan struct{}
}

var _ ble.Handler = (*Device)(nil)

// New creates the device and starts connecting to it in the background.
func New(ctx context.Context, name, mac string, adapter ble.Adapter, opts ble.ClientOptions) (*Device, error) {
	d := newDevice(name, mac)
	client := ble.NewClient(adapter, mac, d, opts)
	d.link = client
	if err := client.Start(ctx); err != nil {
		return nil, fmt.Errorf("device %s: start client: %w", mac, err)
	}
	return d, nil
}

// NewWithLink creates a device that sends through an existing link. No
// connection loop is started.
func NewWithLink(name, mac string, link Link) *Device {
	d := newDevice(name, mac)
	d.link = link
	return d
}

func newDevice(name, mac string) *Device {
	return &Device{
		name:     name,
		mac:      mac,
		hub:      NewHub(),
		mode:     protocol.ModeManual,
		reported: make(chan struct{}),
	}
}

// Name returns the configured display name.
func (d *Device) Name() string { return d.name }

// MAC returns the fixture address.
func (d *Device) MAC() string { return d.mac }

// Subscribe registers fn for changes to the given attribute group.
func (d *Device) Subscribe(key string, fn Observer) Subscription {
	return d.hub.Subscribe(key, fn)
}

// Unsubscribe removes an observer registered with Subscribe.
func (d *Device) Unsubscribe(id Subscription) {
	d.hub.Unsubscribe(id)
}

// OnConnected records link state changes from the client.
func (d *Device) OnConnected(connected bool) {
	d.mu.Lock()
	d.connected = connected
	if connected {
		d.lastSeen = time.Now().UTC()
	}
	d.mu.Unlock()

	d.hub.Notify(KeyConnection)
}

// UpdateAdvertisement records an advertisement seen while scanning.
func (d *Device) UpdateAdvertisement(adv ble.Advertisement) {
	seen := adv.SeenAt
	if seen.IsZero() {
		seen = time.Now()
	}
	d.mu.Lock()
	d.lastSeen = seen.UTC()
	d.rssi = adv.RSSI
	d.mu.Unlock()

	d.hub.Notify(KeyConnection)
}

// HandleFrame decodes a report frame into the device attributes. A frame
// that cannot be decoded is rejected without touching any attribute.
func (d *Device) HandleFrame(frame []byte) error {
	r, err := protocol.ParseReport(frame)
	if err != nil {
		return fmt.Errorf("device %s: %w", d.mac, err)
	}

	d.mu.Lock()
	if r.ModeKnown {
		d.mode = r.Mode
	} else {
		slog.Debug("[DEVICE] unknown mode byte, keeping mode", "mac", d.mac, "raw", r.RawMode, "mode", d.mode)
	}
	d.ledOn = r.LEDOn
	for i := 0; i < protocol.ChannelCount; i++ {
		if d.mode == protocol.ModeManual {
			d.channels[i] = int(r.Channels[i])
		} else {
			d.channels[i] = 0
		}
	}
	mode, ledOn, channels := d.mode, d.ledOn, d.channels
	d.mu.Unlock()

	slog.Debug("[DEVICE] report decoded", "mac", d.mac, "mode", mode, "led", ledOn, "channels", channels[:protocol.ChannelCount])
	d.reportOnce.Do(func() { close(d.reported) })
	d.hub.Notify(componentKeys()...)
	return nil
}

// Reported is closed once the first report has been decoded.
func (d *Device) Reported() <-chan struct{} {
	return d.reported
}

// Pending reports whether a written state has not yet reached the fixture.
func (d *Device) Pending() bool {
	if d.link == nil {
		return false
	}
	return d.link.Pending()
}

// RequestWrite changes a writable attribute and sends the resulting state to
// the fixture. The new value is readable immediately. Mode values are
// indexes into protocol.Modes; power is 0 for off, anything else for on.
// Channels can only be written in manual mode; leaving manual mode zeroes
// them, as the fixture does.
func (d *Device) RequestWrite(key string, value int) error {
	switch key {
	case KeyConnection:
		return fmt.Errorf("%w: %s", ErrReadOnly, key)
	case ChannelKey(ReservedChannel):
		return fmt.Errorf("%w: %s", ErrReserved, key)
	}

	d.sendMu.Lock()
	changed, cmd, err := d.apply(key, value)
	if err != nil {
		d.sendMu.Unlock()
		return err
	}
	slog.Debug("[DEVICE] write requested", "mac", d.mac, "key", key, "value", value)

	if d.link == nil {
		err = fmt.Errorf("device %s: no link", d.mac)
	} else if sendErr := d.link.Send(cmd); sendErr != nil {
		err = fmt.Errorf("device %s: send: %w", d.mac, sendErr)
	}
	d.sendMu.Unlock()

	d.hub.Notify(changed...)
	return err
}

// apply stores value under key and returns the notified groups and the
// command carrying the new state.
func (d *Device) apply(key string, value int) ([]string, []byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	changed := []string{key}
	switch key {
	case KeyMode:
		if value < 0 || value >= len(protocol.Modes) {
			return nil, nil, fmt.Errorf("%w: mode %d", ErrOutOfRange, value)
		}
		d.mode = protocol.Modes[value]
		if d.mode != protocol.ModeManual {
			for i := 0; i < protocol.ChannelCount; i++ {
				if d.channels[i] != 0 {
					d.channels[i] = 0
					changed = append(changed, ChannelKey(i+1))
				}
			}
		}
	case KeyPower:
		d.ledOn = value != 0
	default:
		n, ok := channelIndex(key)
		if !ok {
			return nil, nil, fmt.Errorf("%w: %q", ErrUnknownAttribute, key)
		}
		if value < ChannelMin || value > ChannelMax {
			return nil, nil, fmt.Errorf("%w: %s=%d", ErrOutOfRange, key, value)
		}
		if d.mode != protocol.ModeManual {
			return nil, nil, fmt.Errorf("%w: %s in %s mode", ErrNotManual, key, d.mode)
		}
		d.channels[n-1] = value
	}
	return changed, protocol.EncodeState(d.stateLocked()), nil
}

// SetChannel sets channel n (1-4) to value.
func (d *Device) SetChannel(n, value int) error {
	return d.RequestWrite(ChannelKey(n), value)
}

// SetMode selects the lighting mode.
func (d *Device) SetMode(m protocol.Mode) error {
	return d.RequestWrite(KeyMode, int(m))
}

// SetPower switches the LEDs on or off.
func (d *Device) SetPower(on bool) error {
	v := 0
	if on {
		v = 1
	}
	return d.RequestWrite(KeyPower, v)
}

func (d *Device) stateLocked() protocol.State {
	s := protocol.State{Mode: d.mode, LEDOn: d.ledOn}
	for i := range s.Channels {
		s.Channels[i] = uint16(d.channels[i])
	}
	return s
}

// Connected reports whether the BLE link is up.
func (d *Device) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

// Attribute returns the current view of key.
func (d *Device) Attribute(key string) (Attribute, error) {
	var lastErr string
	if d.link != nil {
		if err := d.link.LastError(); err != nil {
			lastErr = err.Error()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	switch key {
	case KeyConnection:
		return Attribute{
			Key:  key,
			IsOn: boolPtr(d.connected),
			Extra: &ConnInfo{
				MAC:       d.mac,
				LastSeen:  d.lastSeen,
				RSSI:      d.rssi,
				LastError: lastErr,
			},
		}, nil
	case KeyMode:
		return Attribute{Key: key, Options: ModeNames(), Current: d.mode.String()}, nil
	case KeyPower:
		return Attribute{Key: key, IsOn: boolPtr(d.ledOn)}, nil
	}

	n, ok := channelIndex(key)
	if !ok {
		return Attribute{}, fmt.Errorf("%w: %q", ErrUnknownAttribute, key)
	}
	return Attribute{
		Key:   key,
		Min:   intPtr(ChannelMin),
		Max:   intPtr(ChannelMax),
		Step:  intPtr(ChannelStep),
		Value: intPtr(d.channels[n-1]),
	}, nil
}

// Snapshot returns every attribute.
func (d *Device) Snapshot() Snapshot {
	s := Snapshot{Name: d.name, MAC: d.mac}
	for _, key := range Keys() {
		attr, err := d.Attribute(key)
		if err != nil {
			continue
		}
		s.Attributes = append(s.Attributes, attr)
	}
	return s
}

// Close stops the BLE client and releases the link.
func (d *Device) Close() error {
	if d.link == nil {
		return nil
	}
	return d.link.Close()
}

func boolPtr(b bool) *bool { return &b }
func intPtr(i int) *int    { return &i }
