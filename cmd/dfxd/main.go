package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"

	"github.com/saikiran76/dailyfix-core/internal/daemon"
	"github.com/saikiran76/dailyfix-core/internal/profile"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	flag.Parse()

	name := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(name); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{ProfileName: name}),
	)

	app.Run()
}
