package testutil

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestWaitFor(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		after int64 // condition holds from this check on; -1 never
		want  bool
	}{
		{"immediate", 0, true},
		{"eventual", 3, true},
		{"never", -1, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var checks atomic.Int64
			got := WaitFor(t, func() bool {
				n := checks.Add(1) - 1
				return tt.after >= 0 && n >= tt.after
			}, WithTimeout(200*time.Millisecond), WithInterval(5*time.Millisecond))

			if got != tt.want {
				t.Errorf("WaitFor() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWaitFor_SeesBackgroundWrite(t *testing.T) {
	t.Parallel()
	var done atomic.Bool
	go func() {
		time.Sleep(20 * time.Millisecond)
		done.Store(true)
	}()

	MustWaitFor(t, done.Load, WithTimeout(time.Second))
}
