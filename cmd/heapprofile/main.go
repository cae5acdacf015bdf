// Command heapprofile turns an offline snapshot of the kernel heap's
// backing bytes into a pprof profile, so the allocator's live block
// list can be inspected with the standard `go tool pprof` viewers
// instead of reading a hex dump by hand.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/google/pprof/profile"

	"github.com/lesniakbj/bren-os-rewrite/addr"
	"github.com/lesniakbj/bren-os-rewrite/heap"
)

func main() {
	in := flag.String("in", "", "path to a raw heap memory snapshot")
	out := flag.String("out", "heap.pb.gz", "path to write the pprof profile to")
	start := flag.String("start", "0xD0000000", "virtual address the snapshot begins at")
	flag.Parse()

	if *in == "" {
		fmt.Fprintln(os.Stderr, "usage: heapprofile -in <snapshot> [-out heap.pb.gz] [-start 0xADDR]")
		os.Exit(1)
	}

	startAddr, err := strconv.ParseUint(*start, 0, 64)
	if err != nil {
		log.Fatalf("invalid -start address %q: %v", *start, err)
	}

	mem, err := os.ReadFile(*in)
	if err != nil {
		log.Fatalf("reading %s: %v", *in, err)
	}

	blocks, err := heap.DecodeBlocks(mem, addr.Virt(startAddr))
	if err != nil {
		log.Fatalf("decoding heap snapshot: %v", err)
	}

	prof := buildProfile(blocks)

	f, err := os.Create(*out)
	if err != nil {
		log.Fatalf("creating %s: %v", *out, err)
	}
	defer f.Close()
	if err := prof.Write(f); err != nil {
		log.Fatalf("writing profile: %v", err)
	}
	fmt.Printf("wrote %d blocks (%d used, %d free) to %s\n",
		len(blocks), countUsed(blocks), len(blocks)-countUsed(blocks), *out)
}

func countUsed(blocks []heap.BlockInfo) int {
	n := 0
	for _, b := range blocks {
		if !b.Free {
			n++
		}
	}
	return n
}

// buildProfile renders each block as one sample, located at a synthetic
// function named by its state (used/free) so `go tool pprof -top`
// groups allocated bytes separately from free ones.
func buildProfile(blocks []heap.BlockInfo) *profile.Profile {
	usedFn := &profile.Function{ID: 1, Name: "used block", SystemName: "used", Filename: "heap"}
	freeFn := &profile.Function{ID: 2, Name: "free block", SystemName: "free", Filename: "heap"}
	usedLoc := &profile.Location{ID: 1, Line: []profile.Line{{Function: usedFn}}}
	freeLoc := &profile.Location{ID: 2, Line: []profile.Line{{Function: freeFn}}}

	prof := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "bytes", Unit: "bytes"},
			{Type: "blocks", Unit: "count"},
		},
		PeriodType: &profile.ValueType{Type: "space", Unit: "bytes"},
		Period:     1,
		Function:   []*profile.Function{usedFn, freeFn},
		Location:   []*profile.Location{usedLoc, freeLoc},
	}

	for i, b := range blocks {
		loc := usedLoc
		if b.Free {
			loc = freeLoc
		}
		prof.Sample = append(prof.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{int64(b.Size), 1},
			Label: map[string][]string{
				"address": {fmt.Sprintf("%#x", uint32(b.Addr))},
				"index":   {strconv.Itoa(i)},
			},
		})
	}
	return prof
}
