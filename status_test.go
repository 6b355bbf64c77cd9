package boxkit

import "testing"

func TestStatusGuards(t *testing.T) {
	cases := []struct {
		status    Status
		canStart  bool
		canRun    bool
		canStop   bool
		canRemove bool
	}{
		{StatusUnknown, false, false, false, true},
		{StatusConfigured, true, true, false, true},
		{StatusRunning, false, true, true, false},
		{StatusStopping, false, false, false, false},
		{StatusStopped, true, true, false, true},
	}

	for _, tc := range cases {
		if got := tc.status.CanStart(); got != tc.canStart {
			t.Errorf("%s.CanStart() = %v, want %v", tc.status, got, tc.canStart)
		}
		if got := tc.status.CanRun(); got != tc.canRun {
			t.Errorf("%s.CanRun() = %v, want %v", tc.status, got, tc.canRun)
		}
		if got := tc.status.CanStop(); got != tc.canStop {
			t.Errorf("%s.CanStop() = %v, want %v", tc.status, got, tc.canStop)
		}
		if got := tc.status.CanRemove(); got != tc.canRemove {
			t.Errorf("%s.CanRemove() = %v, want %v", tc.status, got, tc.canRemove)
		}
	}
}
