package locks

import (
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

func TestClaimFreeLockSucceeds(t *testing.T) {
	sched := ostask.New(1, 16, 8, testLog())
	sched.BootCore(0)
	m := New(sched)

	var word Word
	var regs ostask.Regs
	reclaimed, _, blocked := m.Claim(&word, 0, &regs, 0x1111)
	if reclaimed || blocked {
		t.Fatalf("Claim on a free lock = (reclaimed=%v, blocked=%v), want (false, false)", reclaimed, blocked)
	}
	if word&^wantedBit != 0x1111&^wantedBit {
		t.Fatalf("word = %#x, want owner 0x1110 (handle with the wanted bit cleared)", word)
	}
}

func TestClaimSameOwnerReclaims(t *testing.T) {
	sched := ostask.New(1, 16, 8, testLog())
	sched.BootCore(0)
	m := New(sched)

	var word Word
	var regs ostask.Regs
	m.Claim(&word, 0, &regs, 0x1111)
	reclaimed, _, blocked := m.Claim(&word, 0, &regs, 0x1111)
	if !reclaimed || blocked {
		t.Fatalf("second Claim by the same owner = (reclaimed=%v, blocked=%v), want (true, false)", reclaimed, blocked)
	}
}

func TestClaimContendedBlocksAndReleaseWakes(t *testing.T) {
	sched := ostask.New(1, 16, 8, testLog())
	sched.BootCore(0)
	m := New(sched)

	var word Word
	var ownerRegs ostask.Regs
	m.Claim(&word, 0, &ownerRegs, 0x1111)

	blocker := &ostask.Task{}
	dlist.New[ostask.Task, *ostask.Task](blocker)
	sched.AttachAsCurrent(0, blocker)

	var blockerRegs ostask.Regs
	reclaimed, _, blocked := m.Claim(&word, 0, &blockerRegs, 0x2222)
	if reclaimed || !blocked {
		t.Fatalf("contended Claim = (reclaimed=%v, blocked=%v), want (false, true)", reclaimed, blocked)
	}
	if word&wantedBit == 0 {
		t.Fatalf("word %#x does not have the wanted bit set after a contended Claim", word)
	}

	m.Release(&word)

	woken := dlist.DetachAtHead[ostask.Task, *ostask.Task](sched.RunnableList())
	if woken != blocker {
		t.Fatalf("Release did not wake the blocked task, got %v want %v", woken, blocker)
	}
	if word&wantedBit != 0 {
		t.Fatalf("word %#x still has the wanted bit set after waking the only waiter", word)
	}
}

func TestReleaseUncontendedFreesWord(t *testing.T) {
	sched := ostask.New(1, 16, 8, testLog())
	sched.BootCore(0)
	m := New(sched)

	var word Word
	var regs ostask.Regs
	m.Claim(&word, 0, &regs, 0x1111)
	m.Release(&word)

	if word != 0 {
		t.Fatalf("word = %#x after an uncontended Release, want 0", word)
	}
}
