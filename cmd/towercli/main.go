package main

import (
	"github.com/robotalks/suntower/pkg/cli/sh"
	"github.com/robotalks/suntower/pkg/env"

	_ "github.com/robotalks/suntower/pkg/cli/cmds/tower"
)

//go-build: CGO_ENABLED=0

func init() {
	env.SetupFlags()
}

func main() {
	sh.Main()
}
