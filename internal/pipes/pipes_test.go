package pipes

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/ostask/substrate/internal/dlist"
	"github.com/ostask/substrate/internal/ostask"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func newSchedWithCurrent(t *testing.T, core uint32) *ostask.Scheduler {
	t.Helper()
	s := ostask.New(core+1, 16, 8, testLog())
	for c := uint32(0); c <= core; c++ {
		s.BootCore(c)
	}
	return s
}

func TestCreateRejectsOversizedBlock(t *testing.T) {
	s := newSchedWithCurrent(t, 0)
	m := New(s)
	caller := s.Current(0)

	if _, errb := m.Create(caller, 100, 10); errb == nil {
		t.Fatalf("Create with maxBlockSize > maxData did not error")
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	s := newSchedWithCurrent(t, 0)
	m := New(s)
	caller := s.Current(0)

	p, errb := m.Create(caller, 64, 0)
	if errb != nil {
		t.Fatalf("Create() error = %v", errb)
	}

	msg := []byte("hello pipe")
	p.WriteAt(msg)
	avail, errb := m.SpaceFilled(0, p, uint32(len(msg)))
	if errb != nil {
		t.Fatalf("SpaceFilled() error = %v", errb)
	}
	if avail != 64-uint32(len(msg)) {
		t.Fatalf("SpaceFilled() available = %d, want %d", avail, 64-len(msg))
	}

	got := p.ReadAt(uint32(len(msg)))
	if !bytes.Equal(got, msg) {
		t.Fatalf("ReadAt() = %q, want %q", got, msg)
	}

	avail2, errb := m.DataConsumed(0, p, uint32(len(msg)))
	if errb != nil {
		t.Fatalf("DataConsumed() error = %v", errb)
	}
	if avail2 != 0 {
		t.Fatalf("DataConsumed() available = %d, want 0", avail2)
	}
}

func TestWaitForDataBlocksUntilSpaceFilled(t *testing.T) {
	s := newSchedWithCurrent(t, 0)
	m := New(s)
	caller := s.Current(0)

	p, _ := m.Create(caller, 64, 0)

	var regs ostask.Regs
	avail, blocked, _, errb := m.WaitForData(0, &regs, p, 5)
	if errb != nil {
		t.Fatalf("WaitForData() error = %v", errb)
	}
	if !blocked || avail != 0 {
		t.Fatalf("WaitForData() on an empty pipe = (avail=%d, blocked=%v), want (0, true)", avail, blocked)
	}

	// The waiting receiver was detached from core 0; hand the sending end to
	// the task now current there and fill enough data to wake it.
	p.sender = s.Current(0)
	if _, errb := m.SpaceFilled(0, p, 5); errb != nil {
		t.Fatalf("SpaceFilled() error = %v", errb)
	}
	if got := dlist.DetachAtHead[ostask.Task, *ostask.Task](s.RunnableList()); got != caller {
		t.Fatalf("SpaceFilled() did not put the waiting receiver on the runnable list, got %v", got)
	}
}

func TestWaitForDataReturnsImmediatelyWhenSenderClosed(t *testing.T) {
	s := newSchedWithCurrent(t, 0)
	m := New(s)
	caller := s.Current(0)

	p, _ := m.Create(caller, 64, 0)
	m.NoMoreData(p)

	var regs ostask.Regs
	_, blocked, _, errb := m.WaitForData(0, &regs, p, 5)
	if errb != nil {
		t.Fatalf("WaitForData() error = %v", errb)
	}
	if blocked {
		t.Fatalf("WaitForData() blocked even though the sender already closed")
	}
}

func TestNotOwnerRejected(t *testing.T) {
	s := newSchedWithCurrent(t, 1)
	m := New(s)
	owner := s.Current(0)

	p, _ := m.Create(owner, 64, 0)

	_, errb := m.SpaceFilled(1, p, 1)
	if errb == nil {
		t.Fatalf("SpaceFilled from a non-owning core did not error")
	}
}

func TestNoMoreDataAndNotListeningFreePipe(t *testing.T) {
	s := newSchedWithCurrent(t, 0)
	m := New(s)
	caller := s.Current(0)

	p, _ := m.Create(caller, 64, 0)
	m.NoMoreData(p)
	m.NotListening(p)
	// No crash/deadlock on a doubly-closed pipe is the behaviour under test;
	// free() is idempotent-safe to call once both sides are closed.
}
