package conf

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// TestDefault pins the out-of-the-box configuration.
func TestDefault(t *testing.T) {
	c := Default()
	if c.Listen.Port != 2021 {
		t.Errorf("listen.port: got %d, want 2021", c.Listen.Port)
	}
	if c.UDP.PortMin != 30001 || c.UDP.PortMax != 40000 {
		t.Errorf("udp range: got %d-%d, want 30001-40000", c.UDP.PortMin, c.UDP.PortMax)
	}
	if c.Log.Level != "info" {
		t.Errorf("log.level: got %q, want info", c.Log.Level)
	}
	if c.Ops.Addr != "" {
		t.Errorf("ops.addr: got %q, want disabled", c.Ops.Addr)
	}
	if c.ListenAddr() != ":2021" {
		t.Errorf("ListenAddr: got %q, want :2021", c.ListenAddr())
	}
}

// TestLoadFromFile verifies YAML loading with partial files: given fields
// stick, missing fields default.
func TestLoadFromFile(t *testing.T) {
	path := writeConf(t, `
listen:
  ip: 127.0.0.1
  port: 3100
udp:
  port_min: 31001
log:
  level: debug
ops:
  addr: 127.0.0.1:8400
`)

	c, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if c.Listen.IP != "127.0.0.1" || c.Listen.Port != 3100 {
		t.Errorf("listen: got %s:%d", c.Listen.IP, c.Listen.Port)
	}
	if c.UDP.PortMin != 31001 {
		t.Errorf("udp.port_min: got %d, want 31001", c.UDP.PortMin)
	}
	if c.UDP.PortMax != 40000 {
		t.Errorf("udp.port_max not defaulted: got %d", c.UDP.PortMax)
	}
	if c.Log.Level != "debug" {
		t.Errorf("log.level: got %q, want debug", c.Log.Level)
	}
	if c.Ops.Addr != "127.0.0.1:8400" {
		t.Errorf("ops.addr: got %q", c.Ops.Addr)
	}
	if c.ListenAddr() != "127.0.0.1:3100" {
		t.Errorf("ListenAddr: got %q", c.ListenAddr())
	}
}

// TestLoadFromFileRejectsInvalid verifies that validation failures are
// collected and reported together.
func TestLoadFromFileRejectsInvalid(t *testing.T) {
	testCases := []struct {
		name    string
		yaml    string
		wantMsg string
	}{
		{
			name:    "bad listen ip",
			yaml:    "listen:\n  ip: not-an-ip\n",
			wantMsg: "listen.ip",
		},
		{
			name:    "inverted udp range",
			yaml:    "udp:\n  port_min: 40000\n  port_max: 30001\n",
			wantMsg: "udp.port_min 40000 above udp.port_max 30001",
		},
		{
			name:    "bad log level",
			yaml:    "log:\n  level: chatty\n",
			wantMsg: "log.level",
		},
		{
			name:    "multiple failures",
			yaml:    "listen:\n  ip: nope\nlog:\n  level: chatty\n",
			wantMsg: "listen.ip",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadFromFile(writeConf(t, tc.yaml))
			if err == nil {
				t.Fatal("expected a validation error, got nil")
			}
			if !strings.Contains(err.Error(), tc.wantMsg) {
				t.Errorf("error %q does not mention %q", err, tc.wantMsg)
			}
		})
	}
}

// TestLoadFromFileMissing verifies the error path for an absent file.
func TestLoadFromFileMissing(t *testing.T) {
	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected an error for a missing file, got nil")
	}
}

func writeConf(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scenecommd.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}
