package arch

import "testing"

func TestCAS32(t *testing.T) {
	var word uint32 = 5
	if CAS32(&word, 4, 9) {
		t.Fatalf("CAS32 succeeded against a stale expected value")
	}
	if !CAS32(&word, 5, 9) {
		t.Fatalf("CAS32 failed against the current value")
	}
	if Load32(&word) != 9 {
		t.Fatalf("Load32() = %d, want 9", word)
	}
}

func TestStoreLoad(t *testing.T) {
	var word uint32
	Store32(&word, 42)
	if got := Load32(&word); got != 42 {
		t.Fatalf("Load32() = %d, want 42", got)
	}
}

func TestLockOwner(t *testing.T) {
	if got := LockOwner(0); got != 1 {
		t.Fatalf("LockOwner(0) = %d, want 1", got)
	}
	if got := LockOwner(3); got != 4 {
		t.Fatalf("LockOwner(3) = %d, want 4", got)
	}
}

func TestSignalWaitForEvent(t *testing.T) {
	SignalEvent()
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		WaitForEvent(stop)
		close(done)
	}()
	<-done
}
