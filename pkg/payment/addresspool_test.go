package payment

import (
	"testing"

	"rpcgate/pkg/models"
)

func TestStaticAddressPoolAllocateAndRelease(t *testing.T) {
	p := NewStaticAddressPool(map[models.AddressType][]string{
		models.AddressVariantA: {"addr-1", "addr-2"},
	})

	a, ok := p.Allocate(models.AddressVariantA)
	if !ok || a != "addr-1" {
		t.Fatalf("expected addr-1, got %s ok=%v", a, ok)
	}
	b, ok := p.Allocate(models.AddressVariantA)
	if !ok || b != "addr-2" {
		t.Fatalf("expected addr-2, got %s ok=%v", b, ok)
	}
	if _, ok := p.Allocate(models.AddressVariantA); ok {
		t.Fatalf("expected pool exhaustion")
	}

	p.Release(a)
	c, ok := p.Allocate(models.AddressVariantA)
	if !ok || c != "addr-1" {
		t.Fatalf("expected released addr-1 to be reallocated, got %s ok=%v", c, ok)
	}
}

func TestStaticAddressPoolUnknownType(t *testing.T) {
	p := NewStaticAddressPool(nil)
	if _, ok := p.Allocate(models.AddressVariantB); ok {
		t.Fatalf("expected no addresses available for unconfigured type")
	}
}
