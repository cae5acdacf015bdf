// Command chentry patches the entry address recorded in a linked i386
// kernel image's ELF header, and checks that address against this
// kernel's own memory layout before writing it, rather than accepting
// any 32-bit value a linker script happened to produce.
package main

import (
	"debug/elf"
	"encoding/binary"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/lesniakbj/bren-os-rewrite/addr"
	"github.com/lesniakbj/bren-os-rewrite/kernel"
	"github.com/lesniakbj/bren-os-rewrite/vmm"
)

// kernelVirtualBase is the lowest virtual address the higher-half
// kernel mapping covers: vmm.Manager.CreateUserDirectory copies every
// PDE at or above vmm.KernelDirStart verbatim into every address
// space, so a kernel image's entry point below this address would
// resolve inside user space instead, in every process, the moment
// paging is live.
var kernelVirtualBase = addr.MakeVirt(vmm.KernelDirStart, 0, 0)

// imageLayout describes the one checked-in link layout this tool
// accepts. upperBound exists because the entry point must sit in
// the kernel image's own text segment, strictly below the fixed
// address the kernel heap is mapped at (kernel.HeapVirtualStart):
// entries in or past the heap range mean the linker script and this
// tool's assumptions about the image have drifted apart.
type imageLayout struct {
	lowerBound addr.Virt
	upperBound addr.Virt
}

func defaultLayout() imageLayout {
	return imageLayout{lowerBound: kernelVirtualBase, upperBound: kernel.HeapVirtualStart}
}

func (l imageLayout) check(entry addr.Virt) error {
	if entry < l.lowerBound {
		return fmt.Errorf("entry %s is below the higher-half kernel base %s", entry, l.lowerBound)
	}
	if entry >= l.upperBound {
		return fmt.Errorf("entry %s is at or past the kernel heap base %s", entry, l.upperBound)
	}
	return nil
}

// checkELF validates that f is the kind of image this tool may safely
// patch: a 32-bit little-endian i386 executable whose requested entry
// point falls inside layout's bounds.
func checkELF(eh *elf.FileHeader, entry addr.Virt, layout imageLayout) error {
	if eh.Ident[0] != 0x7f || string(eh.Ident[1:4]) != "ELF" {
		return fmt.Errorf("not an elf")
	}
	if eh.Ident[elf.EI_DATA] != elf.ELFDATA2LSB {
		return fmt.Errorf("not little-endian")
	}
	if eh.Type != elf.ET_EXEC {
		return fmt.Errorf("not an executable elf")
	}
	if eh.Machine != elf.EM_386 {
		return fmt.Errorf("not a 32-bit i386 elf")
	}
	return layout.check(entry)
}

func usage(me string) {
	fmt.Printf("%s [-force] <filename> <addr>\n\nRewrite <filename>'s ELF entry point to <addr>, after checking it falls within this kernel's higher-half image range.\n", me)
	os.Exit(1)
}

func main() {
	force := flag.Bool("force", false, "skip the kernel-layout bounds check")
	flag.Parse()
	if flag.NArg() != 2 {
		usage(os.Args[0])
	}

	fn := flag.Arg(0)
	entry, err := parseAddr(flag.Arg(1))
	if err != nil {
		log.Fatal(err)
	}

	f, err := os.OpenFile(fn, os.O_RDWR, 0)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()

	ef, err := elf.NewFile(f)
	if err != nil {
		log.Fatal(err)
	}

	layout := defaultLayout()
	if *force {
		layout = imageLayout{} // 0 <= entry < 0 is never satisfied, so disable both bounds
		layout.upperBound = addr.Virt(^uintptr(0))
	}
	if err := checkELF(&ef.FileHeader, addr.Virt(entry), layout); err != nil {
		log.Fatal(err)
	}

	fmt.Printf("patching entry to %#x\n", entry)
	ef.FileHeader.Entry = entry

	if _, err := f.Seek(0, 0); err != nil {
		log.Fatal(err)
	}
	if err := binary.Write(f, binary.LittleEndian, &ef.FileHeader); err != nil {
		log.Fatal(err)
	}
}

// parseAddr converts s into a 32-bit address; the syntax matches C's
// strtoul with base 0, accepting decimal, 0x-hex, or 0-octal input.
// Addresses that do not fit in 32 bits are rejected outright, since
// this kernel's entry point is always an i386 virtual address.
func parseAddr(s string) (uint32, error) {
	a, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q: %w", s, err)
	}
	return uint32(a), nil
}
