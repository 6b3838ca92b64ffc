package serialport

import (
	"errors"
	"testing"

	"go.bug.st/serial/enumerator"
)

func enumerating(ports ...*enumerator.PortDetails) EnumerateFunc {
	return func() ([]*enumerator.PortDetails, error) {
		return ports, nil
	}
}

func defaultLocatorConfig() LocatorConfig {
	return LocatorConfig{
		DescriptionPatterns: []string{"arduino", "ch340", "usb serial device"},
		PathPatterns:        []string{"usbmodem", "ttyACM"},
		VendorIDs:           []string{"2341", "1A86"},
	}
}

func TestLocator_Locate(t *testing.T) {
	tests := []struct {
		name     string
		ports    []*enumerator.PortDetails
		wantPort string
		wantOK   bool
	}{
		{
			name:   "no ports",
			ports:  nil,
			wantOK: false,
		},
		{
			name: "no candidate",
			ports: []*enumerator.PortDetails{
				{Name: "/dev/ttyS0"},
				{Name: "/dev/ttyUSB0", IsUSB: true, VID: "0403", Product: "FT232R USB UART"},
			},
			wantOK: false,
		},
		{
			name: "windows description",
			ports: []*enumerator.PortDetails{
				{Name: "COM1"},
				{Name: "COM3", IsUSB: true, Product: "USB Serial Device"},
			},
			wantPort: "COM3",
			wantOK:   true,
		},
		{
			name: "ch340 description any case",
			ports: []*enumerator.PortDetails{
				{Name: "/dev/ttyUSB1", IsUSB: true, Product: "USB2.0-Serial CH340"},
			},
			wantPort: "/dev/ttyUSB1",
			wantOK:   true,
		},
		{
			name: "vendor id",
			ports: []*enumerator.PortDetails{
				{Name: "/dev/ttyUSB2", IsUSB: true, VID: "2341"},
			},
			wantPort: "/dev/ttyUSB2",
			wantOK:   true,
		},
		{
			name: "vendor id lower case",
			ports: []*enumerator.PortDetails{
				{Name: "/dev/ttyUSB3", IsUSB: true, VID: "1a86"},
			},
			wantPort: "/dev/ttyUSB3",
			wantOK:   true,
		},
		{
			name: "macOS path",
			ports: []*enumerator.PortDetails{
				{Name: "/dev/cu.Bluetooth-Incoming-Port"},
				{Name: "/dev/cu.usbmodem14101"},
			},
			wantPort: "/dev/cu.usbmodem14101",
			wantOK:   true,
		},
		{
			name: "first match wins",
			ports: []*enumerator.PortDetails{
				{Name: "/dev/ttyACM0"},
				{Name: "/dev/ttyACM1", IsUSB: true, Product: "Arduino Uno"},
			},
			wantPort: "/dev/ttyACM0",
			wantOK:   true,
		},
		{
			name: "nil entries skipped",
			ports: []*enumerator.PortDetails{
				nil,
				{Name: "/dev/ttyACM2"},
			},
			wantPort: "/dev/ttyACM2",
			wantOK:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultLocatorConfig()
			cfg.Enumerate = enumerating(tt.ports...)
			locator := NewLocator(cfg)

			port, ok := locator.Locate()
			if ok != tt.wantOK {
				t.Fatalf("Locate() ok = %v, want %v", ok, tt.wantOK)
			}
			if port != tt.wantPort {
				t.Errorf("Locate() port = %q, want %q", port, tt.wantPort)
			}
		})
	}
}

func TestLocator_EnumerationErrorIsAbsence(t *testing.T) {
	cfg := defaultLocatorConfig()
	cfg.Enumerate = func() ([]*enumerator.PortDetails, error) {
		return nil, errors.New("enumeration not supported")
	}

	port, ok := NewLocator(cfg).Locate()
	if ok || port != "" {
		t.Errorf("Locate() = (%q, %v), want (\"\", false)", port, ok)
	}
}

func TestLocator_FixedPortSkipsDiscovery(t *testing.T) {
	called := false
	cfg := defaultLocatorConfig()
	cfg.FixedPort = "/dev/ttyAMA0"
	cfg.Enumerate = func() ([]*enumerator.PortDetails, error) {
		called = true
		return nil, nil
	}

	port, ok := NewLocator(cfg).Locate()
	if !ok || port != "/dev/ttyAMA0" {
		t.Errorf("Locate() = (%q, %v), want (\"/dev/ttyAMA0\", true)", port, ok)
	}
	if called {
		t.Error("enumerator called with a fixed port configured")
	}
}

func TestLocator_NoSideEffects(t *testing.T) {
	ports := []*enumerator.PortDetails{{Name: "/dev/ttyACM0"}}
	cfg := defaultLocatorConfig()
	cfg.Enumerate = enumerating(ports...)
	locator := NewLocator(cfg)

	first, _ := locator.Locate()
	second, _ := locator.Locate()
	if first != second {
		t.Errorf("Locate() not repeatable: %q then %q", first, second)
	}
	if ports[0].Name != "/dev/ttyACM0" {
		t.Error("Locate() modified the enumerated ports")
	}
}
