// Command siopsim attaches the core driver to either a real UIO-mapped
// A4091 register window or an in-memory simulated one, runs the boot
// reset sequence, optionally probes a handful of units, and pumps the
// consumer loop for a fixed duration. It exists to exercise the full
// stack end to end without real Amiga hardware.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/a4091/siop"
	"github.com/a4091/siop/dispatch"
	"github.com/a4091/siop/pipeline"
)

var cli struct {
	Device    string        `flag:"" optional:"" help:"Path to a UIO device node exposing the card's register window; omit to run against an in-memory simulated bank."`
	RegWindow uint32        `flag:"" default:"256" help:"Register window size in bytes."`
	Config    string        `flag:"" optional:"" help:"Path to an INI boot-configuration file; omit for the A4091 default (50MHz, initiator id 7)."`
	Targets   int           `flag:"" default:"8" help:"Number of SCSI targets to model."`
	Luns      int           `flag:"" default:"1" help:"Number of LUNs per target to model."`
	Probe     []int         `flag:"" optional:"" help:"Unit numbers (lun*10+target) to open and probe geometry on at startup."`
	Duration  time.Duration `flag:"" default:"2s" help:"How long to pump the consumer loop before exiting."`
	Verbose   bool          `flag:"" short:"v" help:"Enable debug logging."`
}

func main() {
	kong.Parse(&cli,
		kong.Name("siopsim"),
		kong.Description("NCR 53C710 SIOP driver integration harness"),
		kong.UsageOnError(),
	)

	if cli.Verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}
	log := logrus.WithField("component", "siopsim")

	mmio, closeMMIO, err := openMMIO()
	if err != nil {
		log.WithError(err).Fatal("siopsim: open register bank")
	}
	defer closeMMIO()

	reg := siop.NewRegisterGateway(mmio)
	scripts, err := buildScriptsImage(0x1000)
	if err != nil {
		log.WithError(err).Fatal("siopsim: build scripts image")
	}

	metrics := siop.NewMetrics(prometheus.DefaultRegisterer, "siopsim")
	adapter := siop.NewAdapter(reg, scripts, simDMAHost{},
		siop.WithLogger(log),
		siop.WithMetrics(metrics))

	cfg := siop.DefaultBootConfig()
	if cli.Config != "" {
		cfg, err = siop.LoadBootConfig(cli.Config)
		if err != nil {
			log.WithError(err).Fatal("siopsim: load boot config")
		}
	}

	ch := pipeline.NewChannel(adapter, cfg, realClock{}, cli.Targets, cli.Luns)
	if err := ch.Attach(); err != nil {
		log.WithError(err).Fatal("siopsim: attach")
	}
	log.WithField("initiator_id", cfg.InitiatorID).WithField("clock_mhz", cfg.ClockFreqMHz).
		Info("siopsim: channel attached")

	disp := dispatch.New(ch)
	for _, unit := range cli.Probe {
		p, err := disp.Open(unit)
		if err != nil {
			log.WithError(err).WithField("unit", unit).Warn("siopsim: probe failed")
			continue
		}
		log.WithField("unit", unit).
			WithField("target", p.Target()).
			WithField("lun", p.Lun()).
			WithField("device_type", p.DeviceType()).
			WithField("block_size", p.BlockSize()).
			WithField("removable", p.Removable()).
			Info("siopsim: probe complete")
	}

	deadline := time.Now().Add(cli.Duration)
	for time.Now().Before(deadline) {
		if err := ch.Pump(); err != nil {
			log.WithError(err).Error("siopsim: pump")
		}
		time.Sleep(time.Millisecond)
	}
	log.Info("siopsim: run complete")
}

// openMMIO picks the real UIO-backed register window or the in-memory
// simulated one, depending on whether --device was given.
func openMMIO() (siop.MMIO, func(), error) {
	if cli.Device == "" {
		return newMemMMIO(cli.RegWindow), func() {}, nil
	}
	u, err := openUIOMMIO(cli.Device, cli.RegWindow)
	if err != nil {
		return nil, nil, fmt.Errorf("siopsim: %w", err)
	}
	return u, func() {
		if err := u.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "siopsim: close %s: %v\n", cli.Device, err)
		}
	}, nil
}
