package registry

import (
	"testing"

	"rpcgate/pkg/models"
)

func TestDefaultRegistryLookup(t *testing.T) {
	r := Default()

	def, ok := r.Lookup("getblock")
	if !ok {
		t.Fatalf("expected getblock to be registered")
	}
	if def.SecurityLevel != models.SecurityPublic {
		t.Fatalf("expected getblock to be public, got %s", def.SecurityLevel)
	}
}

func TestDefaultRegistryDisabledMethodIsAbsent(t *testing.T) {
	r := Default()

	if _, ok := r.Lookup("stop"); ok {
		t.Fatalf("expected stop to be disabled and thus absent")
	}
}

func TestDefaultRegistryUnknownMethod(t *testing.T) {
	r := Default()

	if _, ok := r.Lookup("not_a_real_method"); ok {
		t.Fatalf("expected unknown method to be absent")
	}
}

func TestNewPanicsOnDuplicateName(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on duplicate method name")
		}
	}()

	New(
		models.MethodDefinition{Name: "dup", Enabled: true},
		models.MethodDefinition{Name: "dup", Enabled: true},
	)
}

func TestEnumerateExcludesDisabledAndIsSorted(t *testing.T) {
	r := Default()
	all := r.Enumerate()

	for _, d := range all {
		if !d.Enabled {
			t.Fatalf("enumerate returned disabled method %s", d.Name)
		}
		if d.Name == "stop" {
			t.Fatalf("enumerate should not include disabled stop method")
		}
	}
	for i := 1; i < len(all); i++ {
		if all[i-1].Name >= all[i].Name {
			t.Fatalf("enumerate not sorted: %s >= %s", all[i-1].Name, all[i].Name)
		}
	}
}
