package btctl

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fh/btpair/pkg/pairing"
)

// fakeExpecter answers commands from a script. Replies are queued on Send and consumed by Expect.
type fakeExpecter struct {
	mutex   sync.Mutex
	replies map[string]string
	sent    []string
	buf     string
	closed  bool

	// when set, version markers are held back until release
	withhold bool
	held     int
}

func newFakeExpecter(replies map[string]string) *fakeExpecter {
	return &fakeExpecter{replies: replies}
}

func (f *fakeExpecter) Send(in string) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.closed {
		return errors.New("closed")
	}
	cmd := strings.TrimSuffix(in, "\n")
	f.sent = append(f.sent, cmd)
	f.buf += "[bluetooth]# " + cmd + "\n"
	if cmd == "version" {
		if f.withhold {
			f.held++
			return nil
		}
		f.buf += "Version 5.66\n"
		return nil
	}
	f.buf += f.replies[cmd]
	return nil
}

func (f *fakeExpecter) Expect(re *regexp.Regexp, timeout time.Duration) (string, []string, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	loc := re.FindStringSubmatchIndex(f.buf)
	if loc == nil {
		return f.buf, nil, errors.New("expect: timer expired")
	}
	out := f.buf[:loc[1]]
	f.buf = f.buf[loc[1]:]
	return out, re.FindStringSubmatch(out), nil
}

func (f *fakeExpecter) Close() error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.closed = true
	return nil
}

// holdVersion delays version markers, as a slow bluetoothctl would
func (f *fakeExpecter) holdVersion() {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.withhold = true
}

// release prints the held version markers
func (f *fakeExpecter) release() {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.withhold = false
	for ; f.held > 0; f.held-- {
		f.buf += "Version 5.66\n"
	}
}

func (f *fakeExpecter) setReply(cmd, reply string) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.replies[cmd] = reply
}

func (f *fakeExpecter) commands() []string {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	out := make([]string, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeExpecter) sentCommand(cmd string) bool {
	for _, c := range f.commands() {
		if c == cmd {
			return true
		}
	}
	return false
}

type yes bool

func (y yes) Confirm(ctx context.Context, prompt string) (bool, error) {
	return bool(y), nil
}

type firstPicker struct{}

func (firstPicker) Pick(ctx context.Context, devices []pairing.Device) (pairing.Device, error) {
	return devices[0], nil
}

const showOn = `Controller 00:1A:7D:DA:71:13 (public)
	Name: host
	Powered: yes
	PowerState: on
	Discoverable: no
	Discovering: no
`

const showOff = `Controller 00:1A:7D:DA:71:13 (public)
	Powered: no
	PowerState: off
`

func newTestBackend(t *testing.T, replies map[string]string, opts Options) (*Backend, *fakeExpecter) {
	t.Helper()
	fake := newFakeExpecter(replies)
	opts.Spawn = func(command string) (Expecter, error) {
		if command != DefaultCommand {
			t.Errorf("Expected command %s, got %s", DefaultCommand, command)
		}
		return fake, nil
	}
	b, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b, fake
}

func TestNew_SelectsController(t *testing.T) {
	_, fake := newTestBackend(t, map[string]string{
		"select 00:1A:7D:DA:71:13": "Controller 00:1A:7D:DA:71:13 host [default]\n",
	}, Options{Controller: "00:1A:7D:DA:71:13"})
	if !fake.sentCommand("select 00:1A:7D:DA:71:13") {
		t.Errorf("Expected select to be sent, got %v", fake.commands())
	}
}

func TestNew_SelectFails(t *testing.T) {
	fake := newFakeExpecter(map[string]string{
		"select 11:11:11:11:11:11": "Controller 11:11:11:11:11:11 not available\nFailed to select\n",
	})
	_, err := New(Options{
		Controller: "11:11:11:11:11:11",
		Spawn:      func(string) (Expecter, error) { return fake, nil },
	})
	if err == nil {
		t.Fatal("Expected select failure")
	}
	if !fake.closed {
		t.Error("Expected session to be closed after failed select")
	}
}

func TestIsEnabled(t *testing.T) {
	b, fake := newTestBackend(t, map[string]string{"show": showOn}, Options{})
	on, err := b.IsEnabled(context.Background())
	if err != nil || !on {
		t.Errorf("Expected enabled, got %v, %v", on, err)
	}

	fake.setReply("show", showOff)
	on, err = b.IsEnabled(context.Background())
	if err != nil || on {
		t.Errorf("Expected disabled, got %v, %v", on, err)
	}

	fake.setReply("show", "No default controller available\n")
	if _, err := b.IsEnabled(context.Background()); err == nil {
		t.Error("Expected error without controller")
	}
}

func TestRun_DiscardsLateOutput(t *testing.T) {
	b, fake := newTestBackend(t, map[string]string{"show": showOn}, Options{})

	fake.holdVersion()
	if _, err := b.IsEnabled(context.Background()); err == nil {
		t.Fatal("Expected timeout while the version marker is held")
	}

	// the first show finishes late; the next command must not see its output
	fake.release()
	fake.setReply("show", showOff)
	on, err := b.IsEnabled(context.Background())
	if err != nil {
		t.Fatalf("IsEnabled: %v", err)
	}
	if on {
		t.Error("Expected the fresh show output (off), got the late one (on)")
	}

	fake.setReply("show", showOn)
	if on, err := b.IsEnabled(context.Background()); err != nil || !on {
		t.Errorf("Expected enabled once back in sync, got %v, %v", on, err)
	}
}

func TestRun_StillPendingFails(t *testing.T) {
	b, fake := newTestBackend(t, map[string]string{"show": showOn}, Options{})

	fake.holdVersion()
	if _, err := b.IsEnabled(context.Background()); err == nil {
		t.Fatal("Expected timeout while the version marker is held")
	}
	if _, err := b.IsEnabled(context.Background()); err == nil {
		t.Error("Expected error while earlier output is still pending")
	}

	fake.release()
	if on, err := b.IsEnabled(context.Background()); err != nil || !on {
		t.Errorf("Expected enabled after release, got %v, %v", on, err)
	}
}

func TestRequestEnable(t *testing.T) {
	b, fake := newTestBackend(t, map[string]string{
		"power on": "Changing power on succeeded\n",
	}, Options{Consent: yes(true)})

	result, err := b.RequestEnable(context.Background())
	if err != nil || result != pairing.EnableGranted {
		t.Errorf("Expected granted, got %v, %v", result, err)
	}
	if !fake.sentCommand("power on") {
		t.Error("Expected power on to be sent")
	}
}

func TestRequestEnable_Denied(t *testing.T) {
	b, fake := newTestBackend(t, nil, Options{Consent: yes(false)})
	result, err := b.RequestEnable(context.Background())
	if err != nil || result != pairing.EnableDenied {
		t.Errorf("Expected denied, got %v, %v", result, err)
	}
	if fake.sentCommand("power on") {
		t.Error("Expected no power on after refusal")
	}

	noConsent, _ := newTestBackend(t, nil, Options{})
	if result, _ := noConsent.RequestEnable(context.Background()); result != pairing.EnableDenied {
		t.Errorf("Expected denied without consent, got %v", result)
	}
}

func TestRequestEnable_Failure(t *testing.T) {
	b, _ := newTestBackend(t, map[string]string{
		"power on": "Failed to set power on: org.bluez.Error.Blocked\n",
	}, Options{Consent: yes(true)})
	result, err := b.RequestEnable(context.Background())
	if err == nil || result != pairing.EnableDenied {
		t.Errorf("Expected error and denied, got %v, %v", result, err)
	}
}

func TestBondedDevices_FallsBackToPairedDevices(t *testing.T) {
	b, fake := newTestBackend(t, map[string]string{
		"devices Paired": "Invalid command in menu main: devices\n",
		"paired-devices": "Device 11:22:33:44:55:66 Pixel Buds\n",
	}, Options{})
	devices, err := b.BondedDevices(context.Background())
	if err != nil {
		t.Fatalf("BondedDevices: %v", err)
	}
	if len(devices) != 1 || devices[0].Name != "Pixel Buds" {
		t.Errorf("Expected Pixel Buds, got %v", devices)
	}
	if !fake.sentCommand("paired-devices") {
		t.Error("Expected fallback command")
	}
}

func TestAssociate_SingleDevice(t *testing.T) {
	b, fake := newTestBackend(t, map[string]string{
		"scan on": "Discovery started\n",
		"devices": "Device AA:AA:AA:AA:AA:AA Speaker\nDevice BB:BB:BB:BB:BB:BB Watch\n",
	}, Options{ScanWindow: 200 * time.Millisecond, Picker: firstPicker{}})

	filter, err := pairing.NewDiscoveryFilter("^Watch$", "")
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	chooser, err := b.Associate(context.Background(), pairing.NewPairingRequest(filter, true))
	if err != nil {
		t.Fatalf("Associate: %v", err)
	}
	got := chooser.Devices()
	if len(got) != 1 || got[0].Address != "BB:BB:BB:BB:BB:BB" {
		t.Errorf("Expected only the watch, got %v", got)
	}
	d, err := chooser.Choose(context.Background())
	if err != nil || d.Name != "Watch" {
		t.Errorf("Expected Watch chosen, got %v, %v", d, err)
	}
	if !fake.sentCommand("scan off") {
		t.Error("Expected scan off after discovery")
	}
}

func TestAssociate_ServiceFilterUsesInfo(t *testing.T) {
	b, fake := newTestBackend(t, map[string]string{
		"scan on": "Discovery started\n",
		"devices": "Device AA:AA:AA:AA:AA:AA Speaker\nDevice BB:BB:BB:BB:BB:BB Watch\n",
		"info AA:AA:AA:AA:AA:AA": "Device AA:AA:AA:AA:AA:AA (public)\n" +
			"\tUUID: Audio Sink                (0000110b-0000-1000-8000-00805f9b34fb)\n",
		"info BB:BB:BB:BB:BB:BB": "Device BB:BB:BB:BB:BB:BB (random)\n",
	}, Options{ScanWindow: 50 * time.Millisecond})

	filter, _ := pairing.NewDiscoveryFilter("", "0000110b-0000-1000-8000-00805f9b34fb")
	chooser, err := b.Associate(context.Background(), pairing.NewPairingRequest(filter, false))
	if err != nil {
		t.Fatalf("Associate: %v", err)
	}
	got := chooser.Devices()
	if len(got) != 1 || got[0].Name != "Speaker" {
		t.Errorf("Expected only the speaker, got %v", got)
	}
	if !fake.sentCommand("info BB:BB:BB:BB:BB:BB") {
		t.Error("Expected info for every candidate")
	}
}

func TestAssociate_NoDevices(t *testing.T) {
	b, _ := newTestBackend(t, map[string]string{
		"scan on": "Discovery started\n",
		"devices": "",
	}, Options{ScanWindow: 20 * time.Millisecond})

	_, err := b.Associate(context.Background(), pairing.NewPairingRequest(nil, false))
	var de *pairing.DiscoveryError
	if !errors.As(err, &de) {
		t.Fatalf("Expected DiscoveryError, got %v", err)
	}
	if de.Message != "No devices found" {
		t.Errorf("Expected 'No devices found', got %q", de.Message)
	}
}

func TestAssociate_ScanFails(t *testing.T) {
	b, _ := newTestBackend(t, map[string]string{
		"scan on": "Failed to start discovery: org.bluez.Error.NotReady\n",
	}, Options{ScanWindow: 20 * time.Millisecond})

	_, err := b.Associate(context.Background(), pairing.NewPairingRequest(nil, false))
	var de *pairing.DiscoveryError
	if !errors.As(err, &de) || !strings.Contains(de.Message, "NotReady") {
		t.Errorf("Expected platform message, got %v", err)
	}
}

func TestAssociate_ContextCanceled(t *testing.T) {
	b, _ := newTestBackend(t, map[string]string{
		"scan on": "Discovery started\n",
	}, Options{ScanWindow: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := b.Associate(ctx, pairing.NewPairingRequest(nil, false)); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestCreateBond(t *testing.T) {
	b, fake := newTestBackend(t, map[string]string{
		"pair AA:AA:AA:AA:AA:AA": "Attempting to pair with AA:AA:AA:AA:AA:AA\n",
	}, Options{})

	b.CreateBond(pairing.Device{Name: "Speaker", Address: "AA:AA:AA:AA:AA:AA"})

	deadline := time.Now().Add(time.Second)
	for !fake.sentCommand("pair AA:AA:AA:AA:AA:AA") {
		if time.Now().After(deadline) {
			t.Fatal("Expected pair to be sent")
		}
		time.Sleep(time.Millisecond)
	}
}

type stateRecorder struct {
	mutex  sync.Mutex
	states []pairing.AdapterState
}

func (r *stateRecorder) OnStateChanged(s pairing.AdapterState) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.states = append(r.states, s)
}

func (r *stateRecorder) snapshot() []pairing.AdapterState {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return append([]pairing.AdapterState(nil), r.states...)
}

func TestPoller_BroadcastsChanges(t *testing.T) {
	b, fake := newTestBackend(t, map[string]string{"show": showOff}, Options{PollInterval: 5 * time.Millisecond})
	rec := &stateRecorder{}
	b.Register(rec)
	b.Register(rec)

	// the first poll records the baseline; its reply is queued as soon as show is sent
	deadline := time.Now().Add(2 * time.Second)
	for !fake.sentCommand("show") {
		if time.Now().After(deadline) {
			t.Fatal("Expected the poller to run show")
		}
		time.Sleep(time.Millisecond)
	}
	fake.setReply("show", showOn)

	for len(rec.snapshot()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("Expected an ON broadcast")
		}
		time.Sleep(time.Millisecond)
	}
	b.Unregister(rec)

	states := rec.snapshot()
	if states[0] != pairing.AdapterOn {
		t.Errorf("Expected ON, got %v", states)
	}
	for _, s := range states {
		if s != pairing.AdapterOn {
			t.Errorf("Expected only ON broadcasts, got %v", states)
		}
	}
	if b.listeners.Len() != 0 {
		t.Errorf("Expected no listeners, got %d", b.listeners.Len())
	}
}

func TestClose(t *testing.T) {
	b, fake := newTestBackend(t, nil, Options{})
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !fake.closed {
		t.Error("Expected session closed")
	}
	if _, err := b.IsEnabled(context.Background()); !errors.Is(err, errClosed) {
		t.Errorf("Expected errClosed, got %v", err)
	}
	if err := b.Close(); err != nil {
		t.Errorf("Expected second Close to be a no-op, got %v", err)
	}
}
