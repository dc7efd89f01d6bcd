package config

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleINI = `
[database]
user = ctl
password = secret
host = db.internal
port = 5432

[rabbitmq]
user = ctl
password = secret
host = mq.internal
port = 5672
controller_queue = controller_queue
ack_status_queue = ack_status_queue
instance_scheduler_notification = instance_scheduler_notification

[hardware_acceleration]
processing_mode = GPU
cuda_version = 12.2
`

func writeTempINI(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "test.ini")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp ini: %v", err)
	}
	return path
}

func TestLoadFileParsesAllSections(t *testing.T) {
	path := writeTempINI(t, sampleINI)

	cfg, err := LoadFile(Test, path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	if cfg.Database.Host != "db.internal" || cfg.Database.Port != 5432 {
		t.Fatalf("unexpected database config: %+v", cfg.Database)
	}
	if cfg.RabbitMQ.Host != "mq.internal" || cfg.RabbitMQ.ControllerQueue != "controller_queue" {
		t.Fatalf("unexpected rabbitmq config: %+v", cfg.RabbitMQ)
	}
	if cfg.HardwareAcceleration.ProcessingMode != GPU || cfg.HardwareAcceleration.CUDAVersion != "12.2" {
		t.Fatalf("unexpected hardware acceleration config: %+v", cfg.HardwareAcceleration)
	}
	if got := cfg.HardwareAcceleration.DeviceFlag(); got != "0" {
		t.Fatalf("DeviceFlag() = %q, want 0", got)
	}
}

func TestLoadFileRequiresCUDAVersionForGPU(t *testing.T) {
	path := writeTempINI(t, `
[database]
host = db.internal
[rabbitmq]
host = mq.internal
[hardware_acceleration]
processing_mode = GPU
`)

	if _, err := LoadFile(Test, path); err == nil {
		t.Fatalf("expected error for missing cuda_version in GPU mode")
	}
}

func TestLoadFileDefaultsToCPU(t *testing.T) {
	path := writeTempINI(t, `
[database]
host = db.internal
[rabbitmq]
host = mq.internal
`)

	cfg, err := LoadFile(Test, path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.HardwareAcceleration.ProcessingMode != CPU {
		t.Fatalf("expected default CPU mode, got %q", cfg.HardwareAcceleration.ProcessingMode)
	}
	if got := cfg.HardwareAcceleration.DeviceFlag(); got != "cpu" {
		t.Fatalf("DeviceFlag() = %q, want cpu", got)
	}
}

func TestParseEnvironment(t *testing.T) {
	cases := map[string]Environment{
		"prod": Prod,
		"DEV":  Dev,
		"Test": Test,
		"ci":   CI,
	}
	for input, want := range cases {
		got, ok := ParseEnvironment(input)
		if !ok || got != want {
			t.Fatalf("ParseEnvironment(%q) = (%q, %v), want (%q, true)", input, got, ok, want)
		}
	}
	if _, ok := ParseEnvironment("staging"); ok {
		t.Fatalf("expected ParseEnvironment(staging) to fail")
	}
}
