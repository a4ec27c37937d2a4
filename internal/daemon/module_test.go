package daemon

import (
	"testing"

	"go.uber.org/fx"
)

// The dependency graph is the one piece of the daemon that can break
// silently on refactors, so validate it without running constructors.
func TestModuleGraph(t *testing.T) {
	opts := []Params{
		{},
		{ConfigPath: "/tmp/wafleet-test.toml", ListenAddr: "127.0.0.1:0"},
	}
	for _, p := range opts {
		if err := fx.ValidateApp(Module(p)); err != nil {
			t.Fatalf("ValidateApp(%+v): %v", p, err)
		}
	}
}
