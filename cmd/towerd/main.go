package main

//go-build: CGO_ENABLED=0

import (
	"context"
	"flag"
	"log"

	"github.com/golang/glog"

	"github.com/robotalks/suntower/pkg/env"
	fx "github.com/robotalks/suntower/pkg/framework"
	"github.com/robotalks/suntower/pkg/tower"
)

var dumpConfig bool

func init() {
	env.SetupFlags()
	flag.BoolVar(&dumpConfig, "dump-config", dumpConfig, "Print the effective configuration and exit.")
}

func main() {
	flag.Parse()
	defer glog.Flush()

	config, err := env.Load()
	if err != nil {
		log.Fatalln(err)
	}
	if dumpConfig {
		out, err := config.Dump()
		if err != nil {
			log.Fatalln(err)
		}
		log.Writer().Write(out)
		return
	}

	hw, err := tower.OpenHardware(config, fx.SystemClock{})
	if err != nil {
		log.Fatalln(err)
	}
	defer hw.Close()

	runner := fx.NewRunner().HandleSignals()
	runner.Go(fx.NamedRun("tower", fx.RunFunc(func(ctx context.Context) error {
		return tower.Loop(ctx, config, hw)
	})))
	if err := runner.Wait(); err != nil {
		glog.Errorf("tower stopped: %v", err)
	}
}
