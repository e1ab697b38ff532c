package config

import (
	"strings"
	"testing"
	"time"
)

func TestNew_Defaults(t *testing.T) {
	t.Setenv(AdapterEnv, "")
	c, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.Backend != BackendBlueZ {
		t.Errorf("Expected backend %s, got %s", BackendBlueZ, c.Backend)
	}
	if c.AdapterID != DefaultAdapter {
		t.Errorf("Expected adapter %s, got %s", DefaultAdapter, c.AdapterID)
	}
	if c.ScanWindow != 10*time.Second {
		t.Errorf("Expected 10s scan window, got %s", c.ScanWindow)
	}
	if c.EnablePolicy != EnableAsk || c.Chooser != ChooserConsole {
		t.Errorf("Expected ask/console, got %s/%s", c.EnablePolicy, c.Chooser)
	}
	if f := c.Filter(); f.NamePattern() != "" {
		t.Errorf("Expected match-all filter, got %s", f)
	}
}

func TestNew_AdapterFromEnv(t *testing.T) {
	t.Setenv(AdapterEnv, "hci1")
	c, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.AdapterID != "hci1" {
		t.Errorf("Expected hci1 from environment, got %s", c.AdapterID)
	}

	c, err = New(Config{AdapterID: "hci2"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.AdapterID != "hci2" {
		t.Errorf("Expected flag to win over environment, got %s", c.AdapterID)
	}
}

func TestNew_Btctl(t *testing.T) {
	c, err := New(Config{Backend: "BTCTL"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.Backend != BackendBtctl || c.BtctlPath != "bluetoothctl" {
		t.Errorf("Expected btctl with default binary, got %s %s", c.Backend, c.BtctlPath)
	}
}

func TestNew_AutoAddress(t *testing.T) {
	c, err := New(Config{Chooser: ChooserAuto, AutoAddress: "aa-bb-cc-dd-ee-ff"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.AutoAddress != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("Expected normalized address, got %s", c.AutoAddress)
	}
}

func TestNew_Filter(t *testing.T) {
	c, err := New(Config{NamePattern: "^Pixel", ServiceUUID: "0000110b-0000-1000-8000-00805f9b34fb"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f := c.Filter()
	if f.NamePattern() != "^Pixel" {
		t.Errorf("Expected name pattern ^Pixel, got %s", f.NamePattern())
	}
	if u, ok := f.ServiceUUID(); !ok || u.String() != "0000110b-0000-1000-8000-00805f9b34fb" {
		t.Errorf("Expected service uuid, got %s %v", u, ok)
	}
}

func TestNew_Invalid(t *testing.T) {
	cases := []struct {
		name string
		raw  Config
		want string
	}{
		{"backend", Config{Backend: "winrt"}, "invalid backend"},
		{"policy", Config{EnablePolicy: "sometimes"}, "invalid enable policy"},
		{"chooser", Config{Chooser: "dice"}, "invalid chooser"},
		{"scan window", Config{ScanWindow: -time.Second}, "invalid scan window"},
		{"name pattern", Config{NamePattern: "("}, "invalid name pattern"},
		{"service uuid", Config{ServiceUUID: "nope"}, "invalid service uuid"},
		{"auto address without auto", Config{AutoAddress: "AA:BB:CC:DD:EE:FF"}, "requires the auto chooser"},
		{"auto address", Config{Chooser: ChooserAuto, AutoAddress: "AA:BB"}, "invalid auto-pick address"},
		{"api without addr", Config{Chooser: ChooserAPI}, "requires an API listen address"},
		{"log level", Config{LogLevel: "loud"}, "invalid log level"},
	}
	for _, c := range cases {
		_, err := New(c.raw)
		if err == nil {
			t.Errorf("%s: expected error", c.name)
			continue
		}
		if !strings.Contains(err.Error(), c.want) {
			t.Errorf("%s: expected error containing %q, got %v", c.name, c.want, err)
		}
	}
}
