package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/neilo40/vds1022_remote/internal/app"
	"github.com/neilo40/vds1022_remote/internal/config"
	"github.com/neilo40/vds1022_remote/internal/logging"
	"github.com/neilo40/vds1022_remote/internal/transport"
	"github.com/neilo40/vds1022_remote/pkg/scope"
)

// https://pkg.go.dev/github.com/google/gousb
// may need a udev rule for 5345:1234 if opening the device fails with access denied

var Version = "dev"

func main() {
	configFile := flag.String("config", "configs/config.yaml", "configuration file")
	captures := flag.Int("captures", -1, "number of captures, 0 runs until interrupted (default from config)")
	samples := flag.Bool("samples", false, "publish decoded samples, not just the summary")
	registers := flag.Bool("registers", false, "print the register map and exit")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("vds1022_usb %s\n", Version)
		return
	}
	if *registers {
		fmt.Print(app.RegisterTable())
		return
	}

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v, using defaults\n", err)
		cfg = config.GetDefaultConfig()
	}

	log, closer := logging.New(cfg.Log)
	defer closer.Close()
	log.Infof("vds1022_usb %s starting", Version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = app.Main(ctx, cfg, app.Options{
		Count:   *captures,
		Samples: *samples,
		Open: func() (scope.Transport, error) {
			return transport.OpenUSB(usbConfig(cfg.USB), log)
		},
	}, log)
	if err != nil {
		log.Fatal(err)
	}
}

func usbConfig(c config.USBConfig) transport.USBConfig {
	return transport.USBConfig{
		VendorID:      c.VendorID,
		ProductID:     c.ProductID,
		Interface:     c.Interface,
		WriteEndpoint: c.WriteEndpoint,
		ReadEndpoint:  c.ReadEndpoint,
		Timeout:       c.Timeout,
	}
}
