package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"

	"kernos/kernel/kfmt"
	"kernos/kernel/mem/e820"
	"kernos/kernel/mem/physical"
	"kernos/kernel/mem/pmm"
	"kernos/kernel/mem/pmm/allocator"
)

type options struct {
	strategy    string
	kernelStart uint
	kernelEnd   uint
	dmaLimit    uint64
	normalLimit uint64
	selfTest    bool
	allocPages  uint
}

func exit(err error) {
	fmt.Fprintf(os.Stderr, "[e820dump] error: %s\n", err.Error())
	os.Exit(1)
}

// loadMap maps a raw e820 dump into memory and decodes it.
func loadMap(path string) (*e820.MemoryMap, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() < e820.MapSize {
		return nil, fmt.Errorf("%s: expected at least %d bytes; got %d", path, e820.MapSize, info.Size())
	}

	data, err := unix.Mmap(int(f.Fd()), 0, e820.MapSize, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("%s: mmap failed: %s", path, err)
	}
	defer unix.Munmap(data)

	var m e820.MemoryMap
	if kerr := e820.Decode(data, &m); kerr != nil {
		return nil, fmt.Errorf("%s: %s", path, kerr.Message)
	}
	return &m, nil
}

// genMap writes the memory map that qemu reports for a machine with 32M of
// RAM.
func genMap(path string) error {
	var m e820.MemoryMap
	for _, entry := range []struct {
		addr, length uint64
		typ          e820.EntryType
	}{
		{0x0, 0x9fc00, e820.Usable},
		{0x9fc00, 0x400, e820.Reserved},
		{0xf0000, 0x10000, e820.Reserved},
		{0x100000, 0x1ee0000, e820.Usable},
		{0x1fe0000, 0x20000, e820.Reserved},
		{0xfffc0000, 0x40000, e820.Reserved},
	} {
		if kerr := m.Add(entry.addr, entry.length, entry.typ); kerr != nil {
			return errors.New(kerr.Message)
		}
	}

	var buf [e820.MapSize]byte
	if kerr := m.Encode(buf[:]); kerr != nil {
		return errors.New(kerr.Message)
	}

	return os.WriteFile(path, buf[:], 0644)
}

func newStrategy(name string) (pmm.Strategy, error) {
	switch name {
	case "buddy":
		return &allocator.BuddyAllocator{}, nil
	case "first_fit":
		return &allocator.FirstFitAllocator{}, nil
	default:
		return nil, fmt.Errorf("unknown strategy %q", name)
	}
}

// run initializes a physical memory manager for m and prints its state to w.
func run(w io.Writer, m *e820.MemoryMap, opts options) error {
	strategy, err := newStrategy(opts.strategy)
	if err != nil {
		return err
	}

	kfmt.SetOutputSink(&kfmt.PrefixWriter{Sink: w, Prefix: []byte("  ")})
	defer kfmt.SetOutputSink(nil)

	var mgr physical.Manager
	cfg := physical.Config{
		KernelStart: uint32(opts.kernelStart),
		KernelEnd:   uint32(opts.kernelEnd),
		Zones:       pmm.ZoneLayout{DMALimit: opts.dmaLimit, NormalLimit: opts.normalLimit},
		Strategy:    strategy,
		DescriptorFn: func(_, count uint32) []pmm.Page {
			return make([]pmm.Page, count)
		},
		Hosted: true,
	}

	if kerr := mgr.Init(m, cfg); kerr != nil {
		return errors.New(kerr.Message)
	}

	if opts.selfTest {
		if kerr := mgr.TestMM(); kerr != nil {
			return errors.New(kerr.Message)
		}
	}

	if opts.allocPages != 0 {
		page, kerr := mgr.AllocPages(uint32(opts.allocPages))
		if kerr != nil {
			return errors.New(kerr.Message)
		}
		kfmt.Printf("[e820dump] allocated %d frames at 0x%x (zone %s)\n",
			uint32(opts.allocPages), page.Address(), page.Zone().String())
	}

	mgr.ShowMemoryInfo()
	mgr.ShowManagementInfo()
	return nil
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: e820dump [flags] gen|run map_file\n")
	flag.PrintDefaults()
}

func main() {
	var opts options
	flag.StringVar(&opts.strategy, "strategy", "buddy", "allocation strategy (buddy or first_fit)")
	flag.UintVar(&opts.kernelStart, "kernel-start", 0x100000, "physical address of the kernel image")
	flag.UintVar(&opts.kernelEnd, "kernel-end", 0x200000, "physical end address of the kernel image")
	flag.Uint64Var(&opts.dmaLimit, "dma-limit", pmm.DefaultZoneLayout.DMALimit, "end of the DMA zone")
	flag.Uint64Var(&opts.normalLimit, "normal-limit", pmm.DefaultZoneLayout.NormalLimit, "end of the NORMAL zone")
	flag.BoolVar(&opts.selfTest, "selftest", true, "run the allocator self-test")
	flag.UintVar(&opts.allocPages, "alloc", 0, "allocate this many contiguous frames before printing")
	flag.Usage = usage
	flag.Parse()

	if len(flag.Args()) != 2 {
		usage()
		os.Exit(1)
	}

	switch cmd, path := flag.Arg(0), flag.Arg(1); cmd {
	case "gen":
		if err := genMap(path); err != nil {
			exit(err)
		}
	case "run":
		m, err := loadMap(path)
		if err != nil {
			exit(err)
		}

		fmt.Fprintf(os.Stdout, "%s:\n", path)
		if err = run(os.Stdout, m, opts); err != nil {
			exit(err)
		}
	default:
		exit(fmt.Errorf("unknown command %q", cmd))
	}
}
