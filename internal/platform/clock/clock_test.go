package clock

import (
	"testing"
	"time"
)

func TestFake_Advance(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	f := NewFake(start)
	f.Advance(16 * time.Minute)
	if got := f.Now(); !got.Equal(start.Add(16 * time.Minute)) {
		t.Errorf("Now = %v, want %v", got, start.Add(16*time.Minute))
	}
	f.Set(start)
	if got := f.Now(); !got.Equal(start) {
		t.Errorf("Now after Set = %v, want %v", got, start)
	}
}
