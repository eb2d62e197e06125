package config

import "testing"

func validConfig() *Config {
	return &Config{
		Transport:      "wsconn",
		Addr:           ":7777",
		MaxConnections: 500,
		TickRate:       33000000, // 33ms in time.Duration's underlying int64
		CPULimit:       1.0,
		LogLevel:       "info",
		LogFormat:      "json",
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}
}

func TestValidateRejectsEmptyAddr(t *testing.T) {
	cfg := validConfig()
	cfg.Addr = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() = nil, want error for empty addr")
	}
}

func TestValidateRejectsUnknownTransport(t *testing.T) {
	cfg := validConfig()
	cfg.Transport = "carrier-pigeon"
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() = nil, want error for unknown transport")
	}
}

func TestValidateRejectsNonPositiveMaxConnections(t *testing.T) {
	cfg := validConfig()
	cfg.MaxConnections = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() = nil, want error for zero max connections")
	}
}

func TestValidateRejectsNonPositiveTickRate(t *testing.T) {
	cfg := validConfig()
	cfg.TickRate = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() = nil, want error for zero tick rate")
	}
}

func TestValidateRejectsUnknownLogLevel(t *testing.T) {
	cfg := validConfig()
	cfg.LogLevel = "verbose"
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() = nil, want error for unknown log level")
	}
}

func TestValidateRejectsUnknownLogFormat(t *testing.T) {
	cfg := validConfig()
	cfg.LogFormat = "xml"
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() = nil, want error for unknown log format")
	}
}
