// Command bootsim drives the boot sequence against the software arch
// seam: it primes the physical page pool, carves the privileged and
// shared heaps, builds the global MMU table (no per-core local table is
// built), boots every core's OSTask and idle task, loads the
// manifest's module list, then runs the cooperative scheduler loop for a
// bounded number of ticks, reporting progress the way the reference's own
// boot_with_stack/setup_pools sequence does but over this port's
// progressbar-based bootlog instead of send_number to a UART.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/ostask/substrate/internal/bootlog"
	"github.com/ostask/substrate/internal/config"
	"github.com/ostask/substrate/internal/errs"
	"github.com/ostask/substrate/internal/irq"
	"github.com/ostask/substrate/internal/locks"
	"github.com/ostask/substrate/internal/mmu"
	"github.com/ostask/substrate/internal/modtext"
	"github.com/ostask/substrate/internal/ostask"
	"github.com/ostask/substrate/internal/pipes"
	"github.com/ostask/substrate/internal/queues"
	"github.com/ostask/substrate/internal/rawmem"
	"github.com/ostask/substrate/internal/swi"
	"github.com/ostask/substrate/internal/util"
)

// defaultInterruptSources mirrors the QA7 controller's per-core source
// count RegisterInterruptSources assumes (timer, mailbox, GPU, and a
// handful of peripheral lines); the manifest has no field for it because
// every machine this port models shares one HAL.
const defaultInterruptSources = 8

// pageBytes is the 4 KiB page that rawmem allocates, written out here as a
// literal.
const pageBytes = 4096

func main() {
	manifestPath := flag.String("manifest", "boot.yaml", "boot manifest path")
	ticks := flag.Int("ticks", 100, "number of scheduler ticks to run before reporting and exiting")
	quiet := flag.Bool("quiet", false, "suppress progress bars and boot log lines")
	flag.Parse()

	base := logrus.New()
	base.SetLevel(logrus.InfoLevel)
	log := base.WithField("subsystem", "boot")

	manifest, err := config.Load(*manifestPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "bootsim:", err)
		os.Exit(1)
	}

	var out io.Writer = os.Stdout
	if *quiet {
		out = nil
	}

	if err := boot(manifest, log, out, *ticks); err != nil {
		fmt.Fprintln(os.Stderr, "bootsim:", err)
		os.Exit(1)
	}
}

// boot runs the full page-pool/heap/MMU/core/module boot sequence, then
// the scheduler's cooperative Yield loop for ticks rounds.
func boot(manifest *config.Manifest, log *logrus.Entry, out io.Writer, ticks int) (err error) {
	defer errs.Recover(0, &err)

	// Step 1: page pool + heaps, core 0 alone (there is no real SMP here,
	// so this is simply the first thing main does).
	pagePool := rawmem.New(manifest.PagePoolPages, log)

	privPages := pagesFor(manifest.PrivHeapBytes)
	sharedPages := pagesFor(manifest.SharedHeapBytes)

	heapStage := bootlog.NewStage(out, 2, "carving heaps")
	privBase := pagePool.Claim(privPages)
	if privBase == rawmem.Unavailable {
		return fmt.Errorf("bootsim: out of pages for privileged heap")
	}
	heapStage.Step()
	sharedBase := pagePool.Claim(sharedPages)
	if sharedBase == rawmem.Unavailable {
		return fmt.Errorf("bootsim: out of pages for shared heap")
	}
	heapStage.Step()
	heapStage.Done()
	bootlog.Logf(out, "privileged heap: %d pages at %#x, shared heap: %d pages at %#x",
		privPages, privBase, sharedPages, sharedBase)

	// The heap arenas themselves are ordinary Go memory standing in for
	// the claimed physical pages mapped at a fixed kernel VA; rawmem's
	// bookkeeping above is what a real boot would consult to find their
	// base, the bytes below are where that mapping would actually live.
	_ = newHeapArena(privPages)
	_ = newHeapArena(sharedPages)

	// Step 2: global MMU table.
	mmuMgr := mmu.NewManager(manifest.Cores)
	bootlog.Logf(out, "mmu: global table built for %d cores", manifest.Cores)

	// Step 3: scheduler, primordial OSTask per core, idle tasks, subsystem
	// managers, starting the Yield loop.
	sched := ostask.New(manifest.Cores, manifest.TaskPoolSize, manifest.SlotPoolSize, log)
	lockMgr := locks.New(sched)
	pipeMgr := pipes.New(sched)
	queueMgr := queues.New(sched)
	irqTable := irq.New(sched)
	irqTable.RegisterSources(defaultInterruptSources)

	dispatcher := swi.NewDispatcher(sched, lockMgr, pipeMgr, queueMgr, irqTable)
	dispatcher.MMU = mmuMgr
	dispatcher.Pool = pagePool

	coreStage := bootlog.NewStage(out, int(manifest.Cores), "booting cores")
	for core := uint32(0); core < manifest.Cores; core++ {
		sched.BootCore(core)
		mmuMgr.SwitchMap(core, core)
		coreStage.Step()
	}
	coreStage.Done()

	// Step 4: RMLoad the manifest's module list, in order.
	registry := swi.NewRegistry()
	moduleStage := bootlog.NewStage(out, len(manifest.Modules), "loading modules")
	for i, entry := range manifest.Modules {
		hdr := &swi.Header{Chunk: uint32(0x400 + i*64)}
		registry.Load(hdr, entry.Postfix)

		title, terr := modtext.Decode([]byte(entry.Name))
		if terr != nil {
			return fmt.Errorf("bootsim: decoding module title for %q: %w", entry.Name, terr)
		}
		bootlog.Logf(out, "loaded %s", modtext.Join(title, nil))
		moduleStage.Step()
	}
	moduleStage.Done()

	// Run the cooperative loop: every core's idle task Yields until a real
	// workload is scheduled onto it; ticks rounds stand in for however
	// long the caller wants the simulated machine to run.
	regsByCore := make([]ostask.Regs, manifest.Cores)
	for t := 0; t < ticks; t++ {
		sched.Tick()
		for core := uint32(0); core < manifest.Cores; core++ {
			sched.Yield(core, &regsByCore[core])
		}
	}

	bootlog.Logf(out, "ran %d ticks across %d cores, %d modules loaded",
		ticks, manifest.Cores, len(registry.Modules()))
	return nil
}

func pagesFor(bytesWanted uint32) uint32 {
	pages := util.Roundup(bytesWanted, uint32(pageBytes)) / pageBytes
	return util.Max(pages, 1)
}

func newHeapArena(pages uint32) []byte {
	return make([]byte, pages*pageBytes)
}
