package device

import (
	"bytes"
	"strings"
	"testing"

	"riscvkern/src/defs"
	"riscvkern/src/stats"
)

func TestOpenUnknownNameFails(t *testing.T) {
	tab := NewTable(nil, nil, nil)
	if _, err := tab.Open("nope", 0); err != defs.ENOTSUP {
		t.Fatalf("Open(unknown) = %v, want ENOTSUP", err)
	}
}

func TestOpenConsoleWritesThrough(t *testing.T) {
	var out bytes.Buffer
	tab := NewTable(nil, nil, &out)

	h, err := tab.Open("console", 0)
	if err != 0 {
		t.Fatalf("Open(console): %v", err)
	}
	n, werr := h.Write([]byte("booting\n"))
	if werr != 0 || n != len("booting\n") {
		t.Fatalf("Write = %d, %v", n, werr)
	}
	if out.String() != "booting\n" {
		t.Fatalf("console got %q", out.String())
	}
	if _, rerr := h.Read(make([]byte, 8)); rerr != defs.ENOTSUP {
		t.Fatalf("console Read = %v, want ENOTSUP", rerr)
	}
}

func TestOpenRawdiskWithoutDeviceIsENOENT(t *testing.T) {
	tab := NewTable(nil, nil, nil)
	if _, err := tab.Open("rawdisk", 0); err != defs.ENOENT {
		t.Fatalf("Open(rawdisk) = %v, want ENOENT", err)
	}
}

func TestOpenStatRendersRegisteredCounters(t *testing.T) {
	reg := stats.NewRegistry()
	var c stats.Counter_t
	c.Add(7)
	reg.Add("pagefaults", &c)

	tab := NewTable(nil, reg, nil)
	h, err := tab.Open("stat", 0)
	if err != 0 {
		t.Fatalf("Open(stat): %v", err)
	}
	buf := make([]byte, 256)
	n, rerr := h.Read(buf)
	if rerr != 0 {
		t.Fatalf("Read(stat): %v", rerr)
	}
	if !strings.Contains(string(buf[:n]), "pagefaults") {
		t.Fatalf("stat text = %q, missing counter name", buf[:n])
	}
}

func TestOpenStatWithoutRegistryIsENOENT(t *testing.T) {
	tab := NewTable(nil, nil, nil)
	if _, err := tab.Open("stat", 0); err != defs.ENOENT {
		t.Fatalf("Open(stat) = %v, want ENOENT", err)
	}
}
