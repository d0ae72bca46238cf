package device

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chaz8081/fluvalctl/internal/ble"
	"github.com/chaz8081/fluvalctl/internal/ble/protocol"
)

// fakeLink records payloads passed to Send.
type fakeLink struct {
	mu      sync.Mutex
	sent    [][]byte
	sendErr error
	lastErr error
	closed  bool
}

func (l *fakeLink) Send(payload []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sent = append(l.sent, append([]byte(nil), payload...))
	return l.sendErr
}

func (l *fakeLink) Pending() bool { return false }

func (l *fakeLink) LastError() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastErr
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func (l *fakeLink) payloads() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([][]byte(nil), l.sent...)
}

const testMAC = "AA:BB:CC:DD:EE:FF"

func newTestDevice() (*Device, *fakeLink) {
	d := newDevice("tank", testMAC)
	link := &fakeLink{}
	d.link = link
	return d, link
}

// groupRecorder subscribes to every key and records notified groups.
func groupRecorder(d *Device) func() []string {
	var mu sync.Mutex
	var got []string
	for _, key := range Keys() {
		d.Subscribe(key, func(group string) {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, group)
		})
	}
	return func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), got...)
	}
}

func channelValue(t *testing.T, d *Device, n int) int {
	t.Helper()
	attr, err := d.Attribute(ChannelKey(n))
	if err != nil {
		t.Fatalf("Attribute(%s) error = %v", ChannelKey(n), err)
	}
	return *attr.Value
}

func TestHandleFrameManual(t *testing.T) {
	d, _ := newTestDevice()
	groups := groupRecorder(d)

	frame := []byte{0x00, 0x00, 0x00, 0x01, 0x00, 0x32, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}
	if err := d.HandleFrame(frame); err != nil {
		t.Fatalf("HandleFrame() error = %v", err)
	}

	mode, _ := d.Attribute(KeyMode)
	if mode.Current != "manual" {
		t.Errorf("mode = %q, want manual", mode.Current)
	}
	power, _ := d.Attribute(KeyPower)
	if !*power.IsOn {
		t.Error("led_on_off = false, want true")
	}
	if got := channelValue(t, d, 1); got != 50 {
		t.Errorf("channel_1 = %d, want 50", got)
	}
	for n := 2; n <= 4; n++ {
		if got := channelValue(t, d, n); got != 0 {
			t.Errorf("channel_%d = %d, want 0", n, got)
		}
	}

	// Every group except connection is notified once.
	want := componentKeys()
	got := groups()
	if len(got) != len(want) {
		t.Fatalf("notified groups = %v, want %v", got, want)
	}
	for _, g := range got {
		if g == KeyConnection {
			t.Errorf("connection group notified by a report")
		}
	}
}

func TestHandleFrameAutomaticZeroesChannels(t *testing.T) {
	d, _ := newTestDevice()
	manual := []byte{0x00, 0x00, 0x00, 0x01, 0x00, 0xe8, 0x03, 0x10, 0x00, 0x20, 0x00, 0x30, 0x00}
	if err := d.HandleFrame(manual); err != nil {
		t.Fatalf("HandleFrame(manual) error = %v", err)
	}
	if got := channelValue(t, d, 1); got != 1000 {
		t.Fatalf("channel_1 = %d, want 1000", got)
	}

	auto := []byte{0x00, 0x00, 0x01, 0x01, 0x00, 0xe8, 0x03, 0x10, 0x00, 0x20, 0x00, 0x30, 0x00}
	if err := d.HandleFrame(auto); err != nil {
		t.Fatalf("HandleFrame(automatic) error = %v", err)
	}
	mode, _ := d.Attribute(KeyMode)
	if mode.Current != "automatic" {
		t.Errorf("mode = %q, want automatic", mode.Current)
	}
	for n := 1; n <= 4; n++ {
		if got := channelValue(t, d, n); got != 0 {
			t.Errorf("channel_%d = %d, want 0 outside manual mode", n, got)
		}
	}
}

func TestHandleFrameUnknownModeKeepsMode(t *testing.T) {
	d, _ := newTestDevice()
	pro := []byte{0x00, 0x00, 0x02, 0x00, 0x00, 0, 0, 0, 0, 0, 0, 0, 0}
	if err := d.HandleFrame(pro); err != nil {
		t.Fatalf("HandleFrame() error = %v", err)
	}

	unknown := []byte{0x00, 0x00, 0x07, 0x01, 0x00, 0x64, 0x00, 0, 0, 0, 0, 0, 0}
	if err := d.HandleFrame(unknown); err != nil {
		t.Fatalf("HandleFrame(unknown mode) error = %v", err)
	}
	mode, _ := d.Attribute(KeyMode)
	if mode.Current != "professional" {
		t.Errorf("mode = %q, want professional kept", mode.Current)
	}
	power, _ := d.Attribute(KeyPower)
	if !*power.IsOn {
		t.Error("led_on_off should still update on an unknown mode byte")
	}
	if got := channelValue(t, d, 1); got != 0 {
		t.Errorf("channel_1 = %d, want 0 in professional mode", got)
	}
}

func TestHandleFrameShortFrameRejected(t *testing.T) {
	d, _ := newTestDevice()
	groups := groupRecorder(d)

	err := d.HandleFrame([]byte{0x00, 0x00, 0x00, 0x01, 0x00})
	var de *protocol.DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("HandleFrame() error = %v, want *protocol.DecodeError", err)
	}
	if len(groups()) != 0 {
		t.Errorf("observers notified for a rejected frame: %v", groups())
	}
	power, _ := d.Attribute(KeyPower)
	if *power.IsOn {
		t.Error("rejected frame changed led_on_off")
	}
}

func TestRequestWriteChannel(t *testing.T) {
	d, link := newTestDevice()
	groups := groupRecorder(d)

	if err := d.SetChannel(2, 300); err != nil {
		t.Fatalf("SetChannel() error = %v", err)
	}
	if got := channelValue(t, d, 2); got != 300 {
		t.Errorf("channel_2 = %d, want 300 immediately", got)
	}
	if got := groups(); len(got) != 1 || got[0] != ChannelKey(2) {
		t.Errorf("notified groups = %v, want [channel_2]", got)
	}

	sent := link.payloads()
	if len(sent) != 1 {
		t.Fatalf("sent %d commands, want 1", len(sent))
	}
	want := protocol.EncodeState(protocol.State{Mode: protocol.ModeManual, Channels: [4]uint16{0, 300, 0, 0}})
	if !bytes.Equal(sent[0], want) {
		t.Errorf("command = %x, want %x", sent[0], want)
	}
}

func TestRequestWriteCommandRoundTrips(t *testing.T) {
	d, link := newTestDevice()
	if err := d.SetPower(true); err != nil {
		t.Fatal(err)
	}
	if err := d.SetChannel(4, 750); err != nil {
		t.Fatal(err)
	}

	sent := link.payloads()
	r, err := protocol.ParseReport(sent[len(sent)-1])
	if err != nil {
		t.Fatalf("ParseReport(command) error = %v", err)
	}
	if !r.LEDOn || r.Channels[3] != 750 || r.Mode != protocol.ModeManual {
		t.Errorf("decoded command = %+v, want led on and channel 4 = 750", r)
	}
}

func TestRequestWriteRejections(t *testing.T) {
	tests := []struct {
		key   string
		value int
		want  error
	}{
		{KeyConnection, 1, ErrReadOnly},
		{ChannelKey(5), 100, ErrReserved},
		{"brightness", 1, ErrUnknownAttribute},
		{ChannelKey(6), 1, ErrUnknownAttribute},
		{ChannelKey(1), 1001, ErrOutOfRange},
		{ChannelKey(1), -1, ErrOutOfRange},
		{KeyMode, 3, ErrOutOfRange},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			d, link := newTestDevice()
			err := d.RequestWrite(tt.key, tt.value)
			if !errors.Is(err, tt.want) {
				t.Fatalf("RequestWrite(%q, %d) error = %v, want %v", tt.key, tt.value, err, tt.want)
			}
			if n := len(link.payloads()); n != 0 {
				t.Errorf("rejected write sent %d commands", n)
			}
		})
	}
}

func TestRequestWriteStepIsAdvisory(t *testing.T) {
	d, _ := newTestDevice()
	if err := d.SetChannel(1, 37); err != nil {
		t.Fatalf("SetChannel(1, 37) error = %v", err)
	}
	if got := channelValue(t, d, 1); got != 37 {
		t.Errorf("channel_1 = %d, want 37", got)
	}
}

func TestRequestWriteSendError(t *testing.T) {
	d, link := newTestDevice()
	link.sendErr = ble.ErrClosed
	if err := d.SetMode(protocol.ModeAutomatic); !errors.Is(err, ble.ErrClosed) {
		t.Fatalf("SetMode() error = %v, want ErrClosed", err)
	}
	// The local value is kept for the UI even if the link refused it.
	mode, _ := d.Attribute(KeyMode)
	if mode.Current != "automatic" {
		t.Errorf("mode = %q, want automatic", mode.Current)
	}
}

func TestRequestWriteChannelOutsideManualMode(t *testing.T) {
	d, link := newTestDevice()
	auto := []byte{0x00, 0x00, 0x01, 0x01, 0x00, 0, 0, 0, 0, 0, 0, 0, 0}
	if err := d.HandleFrame(auto); err != nil {
		t.Fatal(err)
	}

	if err := d.SetChannel(1, 300); !errors.Is(err, ErrNotManual) {
		t.Fatalf("SetChannel() in automatic mode error = %v, want ErrNotManual", err)
	}
	if got := channelValue(t, d, 1); got != 0 {
		t.Errorf("channel_1 = %d, want 0", got)
	}
	if n := len(link.payloads()); n != 0 {
		t.Errorf("rejected write sent %d commands", n)
	}

	// Switching to manual first makes the channel writable.
	if err := d.SetMode(protocol.ModeManual); err != nil {
		t.Fatal(err)
	}
	if err := d.SetChannel(1, 300); err != nil {
		t.Fatalf("SetChannel() after switching to manual error = %v", err)
	}
	sent := link.payloads()
	r, err := protocol.ParseReport(sent[len(sent)-1])
	if err != nil {
		t.Fatal(err)
	}
	if r.Channels[0] != 300 {
		t.Errorf("command channel_1 = %d, want 300", r.Channels[0])
	}
}

func TestRequestWriteLeavingManualZeroesChannels(t *testing.T) {
	d, _ := newTestDevice()
	if err := d.SetChannel(3, 800); err != nil {
		t.Fatal(err)
	}
	groups := groupRecorder(d)

	if err := d.SetMode(protocol.ModeProfessional); err != nil {
		t.Fatal(err)
	}
	if got := channelValue(t, d, 3); got != 0 {
		t.Errorf("channel_3 = %d, want 0 outside manual mode", got)
	}
	got := groups()
	if len(got) != 2 || got[0] != KeyMode || got[1] != ChannelKey(3) {
		t.Errorf("notified groups = %v, want [mode channel_3]", got)
	}
}

// gatedLink blocks the first Send until release is closed.
type gatedLink struct {
	fakeLink
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (l *gatedLink) Send(payload []byte) error {
	first := false
	l.once.Do(func() { first = true })
	if first {
		close(l.entered)
		<-l.release
	}
	return l.fakeLink.Send(payload)
}

func TestConcurrentWritesReachLinkInOrder(t *testing.T) {
	link := &gatedLink{entered: make(chan struct{}), release: make(chan struct{})}
	d := NewWithLink("tank", testMAC, link)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = d.SetChannel(1, 100)
	}()
	<-link.entered
	go func() {
		defer wg.Done()
		_ = d.SetChannel(2, 200)
	}()
	time.Sleep(50 * time.Millisecond)
	close(link.release)
	wg.Wait()

	sent := link.payloads()
	if len(sent) != 2 {
		t.Fatalf("sent %d commands, want 2", len(sent))
	}
	r, err := protocol.ParseReport(sent[1])
	if err != nil {
		t.Fatal(err)
	}
	if r.Channels[0] != 100 || r.Channels[1] != 200 {
		t.Errorf("last command channels = %v, want [100 200 0 0]", r.Channels)
	}
}

func TestConnectionAttribute(t *testing.T) {
	d, link := newTestDevice()
	groups := groupRecorder(d)
	link.lastErr = errors.New("ble: gatt read: link lost")

	seen := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	d.UpdateAdvertisement(ble.Advertisement{MAC: testMAC, RSSI: -61, SeenAt: seen})
	d.OnConnected(true)

	attr, err := d.Attribute(KeyConnection)
	if err != nil {
		t.Fatalf("Attribute(connection) error = %v", err)
	}
	if !*attr.IsOn {
		t.Error("connection is_on = false, want true")
	}
	if attr.Extra.RSSI != -61 || attr.Extra.MAC != testMAC {
		t.Errorf("extra = %+v", attr.Extra)
	}
	if attr.Extra.LastError != "ble: gatt read: link lost" {
		t.Errorf("last_error = %q", attr.Extra.LastError)
	}
	if got := groups(); len(got) != 2 || got[0] != KeyConnection || got[1] != KeyConnection {
		t.Errorf("notified groups = %v, want [connection connection]", got)
	}

	d.OnConnected(false)
	if d.Connected() {
		t.Error("Connected() = true after OnConnected(false)")
	}
}

func TestModeAttributeOptions(t *testing.T) {
	d, _ := newTestDevice()
	attr, err := d.Attribute(KeyMode)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"manual", "automatic", "professional"}
	if len(attr.Options) != len(want) {
		t.Fatalf("options = %v, want %v", attr.Options, want)
	}
	for i := range want {
		if attr.Options[i] != want[i] {
			t.Errorf("options[%d] = %q, want %q", i, attr.Options[i], want[i])
		}
	}
}

func TestSnapshotCoversAllKeys(t *testing.T) {
	d, _ := newTestDevice()
	s := d.Snapshot()
	if s.MAC != testMAC || s.Name != "tank" {
		t.Errorf("snapshot identity = %s/%s", s.Name, s.MAC)
	}
	if len(s.Attributes) != len(Keys()) {
		t.Fatalf("snapshot has %d attributes, want %d", len(s.Attributes), len(Keys()))
	}
	last := s.Attributes[len(s.Attributes)-1]
	if last.Key != ChannelKey(5) || *last.Max != ChannelMax || *last.Step != ChannelStep {
		t.Errorf("reserved channel attribute = %+v", last)
	}
}

func TestUnsubscribeStopsNotifications(t *testing.T) {
	d, _ := newTestDevice()
	calls := 0
	id := d.Subscribe(KeyPower, func(string) { calls++ })
	_ = d.SetPower(true)
	d.Unsubscribe(id)
	_ = d.SetPower(false)
	if calls != 1 {
		t.Errorf("observer called %d times, want 1", calls)
	}
}

func TestCloseClosesLink(t *testing.T) {
	d, link := newTestDevice()
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
	if !link.closed {
		t.Error("link not closed")
	}
}

func TestReportedClosesOnFirstReport(t *testing.T) {
	d, _ := newTestDevice()
	select {
	case <-d.Reported():
		t.Fatal("Reported() closed before any report")
	default:
	}

	_ = d.HandleFrame([]byte{0x00})
	select {
	case <-d.Reported():
		t.Fatal("Reported() closed by a rejected frame")
	default:
	}

	frame := make([]byte, protocol.MinReportLen)
	for i := 0; i < 2; i++ {
		if err := d.HandleFrame(frame); err != nil {
			t.Fatal(err)
		}
	}
	select {
	case <-d.Reported():
	default:
		t.Error("Reported() not closed after a decoded report")
	}
}
