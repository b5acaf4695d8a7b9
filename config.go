package siop

import (
	"fmt"

	"gopkg.in/ini.v1"
)

// BootConfig is the external configuration blob the core receives from
// the host at boot time: sync-inhibit bits, allow-disconnect bits, clock
// frequency and initiator id. The core never persists this itself.
type BootConfig struct {
	ClockFreqMHz float64
	InitiatorID  int
	Targets      [8]TargetBootConfig
}

// TargetBootConfig carries the per-target boot-time overrides.
type TargetBootConfig struct {
	SyncInhibit  bool
	NoDisconnect bool
}

// DefaultBootConfig matches a typical A4091 card: 50MHz SCLK, initiator id 7,
// nothing inhibited.
func DefaultBootConfig() BootConfig {
	cfg := BootConfig{ClockFreqMHz: 50, InitiatorID: 7}
	return cfg
}

// LoadBootConfig reads an INI-formatted configuration blob:
//
//	[adapter]
//	clock_freq_mhz = 50
//	initiator_id = 7
//
//	[target 3]
//	sync_inhibit = true
//	no_disconnect = false
//
// Sections for targets not present keep the zero value (sync enabled,
// disconnect allowed).
func LoadBootConfig(path string) (BootConfig, error) {
	cfg := DefaultBootConfig()
	f, err := ini.Load(path)
	if err != nil {
		return cfg, fmt.Errorf("siop: load boot config %s: %w", path, err)
	}
	if sec, err := f.GetSection("adapter"); err == nil {
		if k := sec.Key("clock_freq_mhz"); k.String() != "" {
			v, err := k.Float64()
			if err != nil {
				return cfg, fmt.Errorf("siop: boot config: clock_freq_mhz: %w", err)
			}
			cfg.ClockFreqMHz = v
		}
		if k := sec.Key("initiator_id"); k.String() != "" {
			v, err := k.Int()
			if err != nil {
				return cfg, fmt.Errorf("siop: boot config: initiator_id: %w", err)
			}
			cfg.InitiatorID = v
		}
	}
	for t := 0; t < 8; t++ {
		name := fmt.Sprintf("target %d", t)
		sec, err := f.GetSection(name)
		if err != nil {
			continue
		}
		cfg.Targets[t].SyncInhibit = sec.Key("sync_inhibit").MustBool(false)
		cfg.Targets[t].NoDisconnect = sec.Key("no_disconnect").MustBool(false)
	}
	return cfg, nil
}
