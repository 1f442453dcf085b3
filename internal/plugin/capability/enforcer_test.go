// internal/plugin/capability/enforcer_test.go
package capability_test

import (
	"reflect"
	"sort"
	"testing"

	"github.com/moltserver/molt/internal/plugin/capability"
)

func TestEnforcer_Check(t *testing.T) {
	tests := []struct {
		name   string
		grants []string
		key    string
		want   bool
	}{
		{
			name:   "exact match",
			grants: []string{"server.ssl.enabled"},
			key:    "server.ssl.enabled",
			want:   true,
		},
		{
			name:   "single wildcard matches direct child",
			grants: []string{"server.ssl.*"},
			key:    "server.ssl.enabled",
			want:   true,
		},
		{
			name:   "single wildcard does not cross segments",
			grants: []string{"server.*"},
			key:    "server.ssl.enabled",
			want:   false,
		},
		{
			name:   "double wildcard crosses segments",
			grants: []string{"server.**"},
			key:    "server.ssl.enabled",
			want:   true,
		},
		{
			name:   "no match returns false",
			grants: []string{"logging.level"},
			key:    "server.port",
			want:   false,
		},
		{
			name:   "empty grants returns false",
			grants: []string{},
			key:    "server.port",
			want:   false,
		},
		{
			name:   "partial key not allowed",
			grants: []string{"server.ssl"},
			key:    "server.ssl.enabled",
			want:   false,
		},
		{
			name:   "root super-wildcard",
			grants: []string{"**"},
			key:    "search.breaker.timeout",
			want:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := capability.NewEnforcer()
			if err := e.SetGrants("test-plugin", tt.grants); err != nil {
				t.Fatalf("SetGrants() error = %v", err)
			}

			got := e.Check("test-plugin", tt.key)
			if got != tt.want {
				t.Errorf("Check() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEnforcer_Check_UnknownPlugin(t *testing.T) {
	e := capability.NewEnforcer()
	if e.Check("unknown", "any.key") {
		t.Error("Check() should return false for unknown plugin")
	}
}

func TestEnforcer_Check_EmptyKey(t *testing.T) {
	e := capability.NewEnforcer()
	if err := e.SetGrants("p", []string{"**"}); err != nil {
		t.Fatalf("SetGrants() error = %v", err)
	}
	if e.Check("p", "") {
		t.Error("Check() should return false for empty key")
	}
}

func TestEnforcer_Check_ZeroValue(t *testing.T) {
	var e capability.Enforcer
	if e.Check("p", "server.port") {
		t.Error("zero-value Enforcer should deny everything")
	}
}

func TestEnforcer_SetGrants_Validation(t *testing.T) {
	e := capability.NewEnforcer()

	if err := e.SetGrants("", []string{"**"}); err == nil {
		t.Error("SetGrants() should reject empty plugin name")
	}
	if err := e.SetGrants("p", []string{""}); err == nil {
		t.Error("SetGrants() should reject empty pattern")
	}
	if err := e.SetGrants("p", []string{"server.[bad"}); err == nil {
		t.Error("SetGrants() should reject invalid glob syntax")
	}
	// Failed SetGrants must not register the plugin (atomicity).
	if e.IsRegistered("p") {
		t.Error("plugin should not be registered after failed SetGrants")
	}
}

func TestEnforcer_SetGrants_Replaces(t *testing.T) {
	e := capability.NewEnforcer()
	if err := e.SetGrants("p", []string{"server.**"}); err != nil {
		t.Fatalf("SetGrants() error = %v", err)
	}
	if err := e.SetGrants("p", []string{"logging.level"}); err != nil {
		t.Fatalf("SetGrants() error = %v", err)
	}

	if e.Check("p", "server.port") {
		t.Error("old grant should be gone after replacement")
	}
	if !e.Check("p", "logging.level") {
		t.Error("new grant should be active")
	}
}

func TestEnforcer_RemoveGrants(t *testing.T) {
	e := capability.NewEnforcer()
	if err := e.SetGrants("p", []string{"**"}); err != nil {
		t.Fatalf("SetGrants() error = %v", err)
	}
	e.RemoveGrants("p")

	if e.IsRegistered("p") {
		t.Error("plugin should not be registered after RemoveGrants")
	}
	if e.Check("p", "server.port") {
		t.Error("Check() should deny after RemoveGrants")
	}

	// Unknown plugin and zero value are safe.
	e.RemoveGrants("ghost")
	var zero capability.Enforcer
	zero.RemoveGrants("p")
}

func TestEnforcer_GetGrants(t *testing.T) {
	e := capability.NewEnforcer()
	patterns := []string{"server.**", "logging.level"}
	if err := e.SetGrants("p", patterns); err != nil {
		t.Fatalf("SetGrants() error = %v", err)
	}

	got := e.GetGrants("p")
	if !reflect.DeepEqual(got, patterns) {
		t.Errorf("GetGrants() = %v, want %v", got, patterns)
	}

	// Defensive copy: mutating the result must not affect the enforcer.
	got[0] = "mutated"
	if !e.Check("p", "server.port") {
		t.Error("mutating GetGrants() result should not change enforcer state")
	}

	if e.GetGrants("unknown") != nil {
		t.Error("GetGrants() should return nil for unknown plugin")
	}
}

func TestEnforcer_ListPlugins(t *testing.T) {
	e := capability.NewEnforcer()
	if got := e.ListPlugins(); len(got) != 0 {
		t.Errorf("ListPlugins() = %v, want empty", got)
	}

	for _, name := range []string{"audit-log", "usage-beacon"} {
		if err := e.SetGrants(name, []string{"**"}); err != nil {
			t.Fatalf("SetGrants() error = %v", err)
		}
	}

	got := e.ListPlugins()
	sort.Strings(got)
	want := []string{"audit-log", "usage-beacon"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ListPlugins() = %v, want %v", got, want)
	}
}

func TestEnforcer_Filter(t *testing.T) {
	e := capability.NewEnforcer()
	if err := e.SetGrants("p", []string{"server.ssl.*", "logging.level"}); err != nil {
		t.Fatalf("SetGrants() error = %v", err)
	}

	flat := map[string]any{
		"server.port":        5601,
		"server.ssl.enabled": true,
		"server.ssl.key":     "/k.pem",
		"logging.level":      "info",
		"logging.format":     "json",
	}

	got := e.Filter("p", flat)
	want := map[string]any{
		"server.ssl.enabled": true,
		"server.ssl.key":     "/k.pem",
		"logging.level":      "info",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Filter() = %v, want %v", got, want)
	}

	// Input untouched.
	if len(flat) != 5 {
		t.Error("Filter() must not modify its input")
	}

	// Unregistered plugin sees nothing.
	if got := e.Filter("unknown", flat); len(got) != 0 {
		t.Errorf("Filter() for unknown plugin = %v, want empty", got)
	}
}
