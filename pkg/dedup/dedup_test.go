package dedup

import "testing"

func TestConsecutive(t *testing.T) {
	d := NewConsecutive[string]()

	steps := []struct {
		in   string
		want bool
	}{
		{"a", true},
		{"a", false},
		{"b", true},
		{"a", true},
		{"a", false},
	}
	for i, s := range steps {
		if got := d.ShouldProcess(s.in); got != s.want {
			t.Fatalf("step %d: ShouldProcess(%q) = %v, want %v", i, s.in, got, s.want)
		}
	}
}

func TestConsecutive_ZeroValueIsAcceptedFirst(t *testing.T) {
	d := NewConsecutive[int]()
	if !d.ShouldProcess(0) {
		t.Fatal("first value must be accepted even if it is the zero value")
	}
	if d.ShouldProcess(0) {
		t.Fatal("repeat must be suppressed")
	}
}

func TestConsecutive_Seed(t *testing.T) {
	d := NewConsecutive[int]()
	d.Seed(7)
	if d.ShouldProcess(7) {
		t.Fatal("seeded value must be treated as predecessor")
	}
	if !d.ShouldProcess(8) {
		t.Fatal("different value must pass")
	}
}

func TestConsecutive_OfferRejected(t *testing.T) {
	d := NewConsecutive[int]()
	calls := 0
	reject := func(int) bool { calls++; return false }
	take := func(int) bool { calls++; return true }

	if d.Offer(5, reject) {
		t.Fatal("rejected value reported as taken")
	}
	if !d.Offer(5, take) {
		t.Fatal("value turned away earlier must be offered again")
	}
	if d.Offer(5, take) {
		t.Fatal("repeat after a taken value must be suppressed")
	}
	if calls != 2 {
		t.Fatalf("accept called %d times, want 2", calls)
	}
}
