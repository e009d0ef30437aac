package pmm

import "testing"

func TestPageRefAccessors(t *testing.T) {
	var p Page

	if !p.IsFree() {
		t.Fatal("expected zero page to be free")
	}

	if got := p.IncRef(); got != 1 {
		t.Fatalf("expected IncRef to return 1; got %d", got)
	}

	if got := p.IncRef(); got != 2 {
		t.Fatalf("expected IncRef to return 2; got %d", got)
	}

	if got := p.DecRef(); got != 1 {
		t.Fatalf("expected DecRef to return 1; got %d", got)
	}

	if got := p.DecRef(); got != 0 || !p.IsFree() {
		t.Fatalf("expected DecRef to free the page; got ref %d", got)
	}

	if got := p.DecRef(); got != 0 {
		t.Fatalf("expected DecRef on a free page to keep ref at 0; got %d", got)
	}

	p.SetRef(7)
	if got := p.Ref(); got != 7 {
		t.Fatalf("expected ref to be 7; got %d", got)
	}
}

func TestReservedPageNeverDropsToZero(t *testing.T) {
	p := Page{ref: 1, reserved: true}

	if got := p.DecRef(); got != 1 {
		t.Fatalf("expected DecRef on a reserved page to keep ref at 1; got %d", got)
	}

	p.SetRef(0)
	if p.IsFree() {
		t.Fatal("expected SetRef(0) to be ignored for reserved pages")
	}

	p.IncRef()
	if got := p.DecRef(); got != 1 {
		t.Fatalf("expected DecRef to return 1; got %d", got)
	}
}

func TestPageAddressAndFrame(t *testing.T) {
	p := Page{addr: 0x107000, zone: ZoneDMA}

	if exp, got := uint32(0x107000), p.Address(); got != exp {
		t.Errorf("expected address 0x%x; got 0x%x", exp, got)
	}

	if exp, got := Frame(0x107), p.Frame(); got != exp {
		t.Errorf("expected frame %d; got %d", exp, got)
	}

	if p.Zone() != ZoneDMA {
		t.Errorf("expected zone DMA; got %s", p.Zone())
	}
}
