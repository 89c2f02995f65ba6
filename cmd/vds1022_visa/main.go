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
	"github.com/neilo40/vds1022_remote/internal/transport/visa"
	"github.com/neilo40/vds1022_remote/pkg/scope"
)

// The resource has to be opened in RAW mode, the VDS1022 does not speak USBTMC.

var Version = "dev"

func main() {
	configFile := flag.String("config", "configs/config.yaml", "configuration file")
	resource := flag.String("resource", "", "VISA resource, overrides visa.resource from the config")
	captures := flag.Int("captures", -1, "number of captures, 0 runs until interrupted (default from config)")
	samples := flag.Bool("samples", false, "publish decoded samples, not just the summary")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("vds1022_visa %s\n", Version)
		return
	}

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v, using defaults\n", err)
		cfg = config.GetDefaultConfig()
	}

	log, closer := logging.New(cfg.Log)
	defer closer.Close()

	conn := cfg.VISA.Resource
	if *resource != "" {
		conn = *resource
	}
	if conn == "" {
		conn = visa.DefaultResource
	}
	log.Infof("vds1022_visa %s starting on %s", Version, conn)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = app.Main(ctx, cfg, app.Options{
		Count:   *captures,
		Samples: *samples,
		Open: func() (scope.Transport, error) {
			return visa.Open(conn, log)
		},
	}, log)
	if err != nil {
		log.Fatal(err)
	}
}
