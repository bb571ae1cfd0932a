package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"entropyguard/internal/config"
	"entropyguard/internal/detector"
)

func cmdRun(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "Configuration file")
	fs.String("root", "", "Directory to watch")
	fs.Float64("threshold", detector.DefaultThreshold, "Entropy threshold in bits per byte")
	fs.String("device", "", "Device identifier")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	applyRunFlags(fs, cfg)

	lg, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer lg.Close()
	lg.SetDefault()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newAgent(ctx, cfg, lg.Logger)
	if err != nil {
		return err
	}
	defer a.close()

	return a.run(ctx)
}

// applyRunFlags copies explicitly set flags over cfg. A flag left at its
// default never overrides the file or environment, while an explicit value
// always does, so an out-of-range threshold reaches Validate.
func applyRunFlags(fs *flag.FlagSet, cfg *config.Config) {
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "root":
			cfg.Watch.Root = f.Value.String()
		case "device":
			cfg.DeviceID = f.Value.String()
		case "threshold":
			cfg.Detection.Threshold = f.Value.(flag.Getter).Get().(float64)
		}
	})
}
