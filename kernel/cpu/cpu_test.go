package cpu

import "testing"

func TestContext(t *testing.T) {
	var c Context

	if got := c.ActivePDT(); got != 0 {
		t.Fatalf("expected a zero CPU context to have CR3 = 0; got 0x%x", got)
	}

	c.SwitchPDT(0x1000)
	c.SwitchPDT(0x2000)
	if exp, got := uintptr(0x2000), c.ActivePDT(); got != exp {
		t.Fatalf("expected ActivePDT to return 0x%x; got 0x%x", exp, got)
	}

	c.FlushTLBEntry(0xc0001000)
	c.FlushTLBEntry(0xc0002000)

	flushes, reloads, last := c.TLBStats()
	if flushes != 2 || reloads != 2 || last != 0xc0002000 {
		t.Fatalf("unexpected TLB stats: flushes=%d reloads=%d last=0x%x", flushes, reloads, last)
	}
}

func TestHalt(t *testing.T) {
	defer func() {
		if err := recover(); err != ErrHalted {
			t.Fatalf("expected Halt to panic with ErrHalted; got %v", err)
		}
	}()

	Halt()
	t.Fatal("expected Halt not to return")
}
