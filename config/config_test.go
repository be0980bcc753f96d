package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cei-upm/cbsafe/registers"
)

func TestDefault(t *testing.T) {
	c := Default()
	if err := c.Validate(); err != nil {
		t.Fatalf("default config is invalid: %v", err)
	}
	if size, _ := c.WindowSize(); size != 4096 {
		t.Errorf("window = %d, want 4096", size)
	}
	if c.BaseAddress != registers.SafeWrapperBaseAddress {
		t.Errorf("base address = %#x", c.BaseAddress)
	}
}

func TestParse(t *testing.T) {
	c, err := Parse([]byte(`
backend: serial
base_address: 0xF0012000
window: 64KB
serial:
  port: /dev/ttyUSB1
timeouts:
  sync_polls: 50
boot_address: 0x180
log_level: debug
`))
	if err != nil {
		t.Fatal(err)
	}
	if c.Backend != BackendSerial || c.Serial.Port != "/dev/ttyUSB1" {
		t.Errorf("serial settings = %+v", c.Serial)
	}
	if c.Serial.Baud != 115200 {
		t.Errorf("baud = %d, want the default", c.Serial.Baud)
	}
	if c.Timeouts.SyncPolls != 50 || c.Timeouts.LockRetries != Default().Timeouts.LockRetries {
		t.Errorf("timeouts = %+v", c.Timeouts)
	}
	if c.BootAddress != 0x180 {
		t.Errorf("boot address = %#x", c.BootAddress)
	}
	if size, err := c.WindowSize(); err != nil || size != 64*1024 {
		t.Errorf("window = %d, %v", size, err)
	}
	if level, _ := c.Level(); level != slog.LevelDebug {
		t.Errorf("level = %v", level)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"unknown key", "backnd: sim\n", "backnd"},
		{"unknown backend", "backend: jtag\n", "unknown backend"},
		{"serial without port", "backend: serial\n", "serial.port"},
		{"tiny window", "window: 16B\n", "does not fit"},
		{"bad window", "window: lots\n", "window"},
		{"unaligned base", "base_address: 0xF0012002\n", "aligned"},
		{"negative timeout", "timeouts:\n  store_polls: -1\n", "negative"},
		{"bad level", "log_level: loud\n", "log_level"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			if err == nil {
				t.Fatal("no error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cbsafe.yaml")
	if err := os.WriteFile(path, []byte("journal: cp.yaml\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if c.Journal != "cp.yaml" || c.Backend != BackendSim {
		t.Errorf("loaded %+v", c)
	}

	data, err := c.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	again, err := Parse(data)
	if err != nil {
		t.Fatalf("marshaled config does not parse: %v", err)
	}
	if *again != *c {
		t.Errorf("round trip changed the config:\n%+v\n%+v", again, c)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("loading a missing file succeeded")
	}
}
