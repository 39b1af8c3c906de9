package firecracker

import "testing"

func TestCIDPool(t *testing.T) {
	p := newCIDPool(0, 2)

	a, err := p.allocate()
	if err != nil || a != MinCID {
		t.Fatalf("first allocate = %d, %v; want %d", a, err, MinCID)
	}
	b, err := p.allocate()
	if err != nil || b != MinCID+1 {
		t.Fatalf("second allocate = %d, %v", b, err)
	}
	if _, err := p.allocate(); err == nil {
		t.Fatal("allocate beyond limit succeeded")
	}

	p.release(a)
	if p.active() != 1 {
		t.Errorf("active = %d, want 1", p.active())
	}
	c, err := p.allocate()
	if err != nil {
		t.Fatalf("allocate after release: %v", err)
	}
	if c == b {
		t.Errorf("allocated %d twice", c)
	}
}
