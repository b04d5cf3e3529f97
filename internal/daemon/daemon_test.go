package daemon

import (
	"testing"

	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
)

func TestModuleGraph(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	if err := fx.ValidateApp(Module(Params{ProfileName: "test"})); err != nil {
		t.Fatalf("dependency graph: %v", err)
	}
}

func TestDaemonStartStop(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	app := fxtest.New(t, Module(Params{ProfileName: "test"}))
	app.RequireStart()
	app.RequireStop()
}
