// Command memsim boots the memory management core on a simulated machine and
// drives the kernel heap with a seeded random workload.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/exp/slog"

	"kmemcore/kernel/kfmt"
	"kmemcore/kernel/kmain"
	"kmemcore/kernel/mm"
	"kmemcore/multiboot"
)

type options struct {
	memMb        uint
	ops          int
	seed         int64
	maxSize      uint
	alignedEvery int
	cmdLine      string
	dump         bool
	verbose      bool
}

// bootInfoAddr is where the simulated boot loader places its boot information.
const bootInfoAddr = 0x9000

func parseFlags(args []string) (options, error) {
	var opts options

	fs := flag.NewFlagSet("memsim", flag.ContinueOnError)
	fs.UintVar(&opts.memMb, "mem", 64, "installed memory in Mb")
	fs.IntVar(&opts.ops, "ops", 10000, "number of heap operations to run")
	fs.Int64Var(&opts.seed, "seed", 1, "random seed for the workload")
	fs.UintVar(&opts.maxSize, "max-size", 8192, "largest allocation request in bytes")
	fs.IntVar(&opts.alignedEvery, "aligned-every", 16, "issue a page-aligned allocation every N operations (0 disables)")
	fs.StringVar(&opts.cmdLine, "cmdline", "", "kernel command line passed by the simulated boot loader")
	fs.BoolVar(&opts.dump, "dump", false, "dump the heap layout after the workload")
	fs.BoolVar(&opts.verbose, "v", false, "forward kernel log output")

	if err := fs.Parse(args); err != nil {
		return opts, err
	}

	switch {
	case opts.memMb == 0:
		return opts, errors.New("-mem must be positive")
	case opts.ops < 0:
		return opts, errors.New("-ops must not be negative")
	case opts.maxSize == 0:
		return opts, errors.New("-max-size must be positive")
	case opts.alignedEvery < 0:
		return opts, errors.New("-aligned-every must not be negative")
	}

	return opts, nil
}

func run(opts options, logger *slog.Logger) (*report, error) {
	kfmt.SetOutputSink(newKernelLogWriter(logger, slog.LevelDebug))
	defer kfmt.SetOutputSink(nil)

	image := multiboot.PCBuilder(uint64(opts.memMb)*uint64(mm.Mb), opts.cmdLine).Build(bootInfoAddr)
	mb, err := multiboot.Parse(image, bootInfoAddr)
	if err != nil {
		return nil, errors.Wrap(err, "parse boot information")
	}

	info, err := kmain.BootInfoFromMultiboot(mb)
	if err != nil {
		return nil, errors.Wrap(err, "parse boot information")
	}

	core, err := kmain.Init(info)
	if err != nil {
		return nil, errors.Wrapf(err, "boot with %dMb", opts.memMb)
	}

	w := newWorkload(core, opts)
	if err := w.run(); err != nil {
		return nil, errors.Wrap(err, "workload")
	}

	r := w.report()
	if opts.dump {
		core.Heap.Dump(os.Stdout)
	}

	if err := w.drain(); err != nil {
		return nil, errors.Wrap(err, "drain")
	}
	r.mappedAfterDrain = core.Pages.MappedPages()

	return r, nil
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		if err == flag.ErrHelp {
			return
		}
		fmt.Fprintf(os.Stderr, "[memsim] error: %s\n", err.Error())
		os.Exit(2)
	}

	level := slog.LevelInfo
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	r, err := run(opts, logger)
	if err != nil {
		logger.Error("simulation failed", "err", err)
		os.Exit(1)
	}

	r.log(logger)
}
