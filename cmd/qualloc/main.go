package main

import (
	"flag"
	"fmt"
	"os"
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	hm "github.com/dustin/go-humanize"
	"github.com/quallocator/arsenal/bump"
	"github.com/quallocator/arsenal/memutils"
	"github.com/quallocator/arsenal/region"
	"golang.org/x/exp/slog"
)

var options struct {
	engine      string
	size        int
	count       int
	reservation int
	detailedMap bool
	verbose     bool
}

func argParse() {
	flag.StringVar(&options.engine, "engine", "both",
		"allocator to exercise: bump, region or both")
	flag.IntVar(&options.size, "size", 100,
		"bytes per allocation")
	flag.IntVar(&options.count, "count", 16,
		"number of allocations to make before freeing them")
	flag.IntVar(&options.reservation, "reservation", 0,
		"address space reserved for the bump arena, 0 for the default")
	flag.BoolVar(&options.detailedMap, "map", false,
		"print the detailed map of each allocator while its allocations are live")
	flag.BoolVar(&options.verbose, "v", false,
		"log arena and region movements")
	flag.Parse()
}

func main() {
	argParse()

	level := slog.LevelInfo
	if options.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.HandlerOptions{Level: level}.NewTextHandler(os.Stderr))

	err := run(logger, options.engine)
	if err != nil {
		fmt.Fprintf(os.Stderr, "qualloc: %+v\n", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, engine string) error {
	switch engine {
	case "bump":
		return runBump(logger)
	case "region":
		return runRegion(logger)
	case "both":
		err := runBump(logger)
		if err != nil {
			return err
		}
		return runRegion(logger)
	}

	return cerrors.Newf("unknown engine %q", engine)
}

func runBump(logger *slog.Logger) error {
	allocator, err := bump.New(logger, bump.CreateOptions{Reservation: options.reservation})
	if err != nil {
		return err
	}

	start := allocator.Break()
	fmt.Printf("bump: break at %p\n", start)

	word, err := bump.Make[rune](allocator, 13)
	if err != nil {
		return err
	}
	copy(word, []rune("Hello, World!"))
	fmt.Printf("bump: %q at %p, break at %p\n", string(word), unsafe.Pointer(&word[0]), allocator.Break())

	allocs := make([]bump.Allocation, 0, options.count)
	for i := 0; i < options.count; i++ {
		alloc, err := allocator.Allocate(options.size)
		if err != nil {
			return err
		}
		allocs = append(allocs, alloc)
	}
	fmt.Printf("bump: %d allocations of %s, break at %p (%s above start)\n",
		options.count, hm.Bytes(uint64(options.size)), allocator.Break(),
		hm.Bytes(uint64(uintptr(allocator.Break())-uintptr(start))))
	printStats("bump", allocator.AddStatistics)
	if options.detailedMap {
		fmt.Println(allocator.BuildStatsString(true))
	}

	for i := len(allocs) - 1; i >= 0; i-- {
		err = allocator.Deallocate(allocs[i])
		if err != nil {
			return err
		}
	}

	err = allocator.Free(unsafe.Pointer(&word[0]))
	if err != nil {
		return err
	}
	fmt.Printf("bump: everything freed, break at %p\n", allocator.Break())

	return allocator.Destroy()
}

func runRegion(logger *slog.Logger) error {
	allocator, err := region.New(logger, region.CreateOptions{})
	if err != nil {
		return err
	}

	allocs := make([]region.Allocation, 0, options.count)
	for i := 0; i < options.count; i++ {
		alloc, err := allocator.Allocate(options.size)
		if err != nil {
			return err
		}
		allocs = append(allocs, alloc)
	}
	fmt.Printf("region: %d allocations of %s in %d regions\n",
		options.count, hm.Bytes(uint64(options.size)), allocator.RegionCount())
	printStats("region", allocator.AddStatistics)
	if options.detailedMap {
		fmt.Println(allocator.BuildStatsString(true))
	}

	for _, alloc := range allocs {
		err = allocator.Deallocate(alloc)
		if err != nil {
			return err
		}
	}
	fmt.Printf("region: everything freed, %d regions mapped\n", allocator.RegionCount())

	return allocator.Destroy()
}

func printStats(name string, addStatistics func(*memutils.Statistics)) {
	var stats memutils.Statistics
	addStatistics(&stats)

	fmt.Printf("%s: %d blocks holding %s, %d allocations using %s, %s of headers\n",
		name,
		stats.BlockCount, hm.Bytes(uint64(stats.BlockBytes)),
		stats.AllocationCount, hm.Bytes(uint64(stats.AllocationBytes)),
		hm.Bytes(uint64(stats.HeaderBytes)))
}
