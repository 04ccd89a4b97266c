package virtio

import (
	"os"
	"testing"
)

func tempDisk(t *testing.T, nblocks int, blksz uint32) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "vioblk-*.img")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := f.Truncate(int64(nblocks) * int64(blksz)); err != nil {
		t.Fatal(err)
	}
	return f.Name()
}

func offered() Featureset_t {
	var f Featureset_t
	f.Add(FeatureIndirectDesc)
	f.Add(FeatureRingReset)
	f.Add(FeatureBlkSize)
	f.Add(FeatureTopology)
	return f
}

func TestAttachNegotiatesFeatures(t *testing.T) {
	path := tempDisk(t, 16, 512)
	dev, err := Attach(path, false, 512, offered())
	if err != nil {
		t.Fatal(err)
	}
	defer dev.Shutdown()

	if !dev.features.Test(FeatureIndirectDesc) || !dev.features.Test(FeatureRingReset) {
		t.Fatalf("needed features not enabled: %#x", dev.features)
	}
}

func TestAttachMissingNeededFeatureFails(t *testing.T) {
	path := tempDisk(t, 16, 512)
	var sparse Featureset_t
	sparse.Add(FeatureBlkSize)
	if _, err := Attach(path, false, 512, sparse); err == nil {
		t.Fatal("expected negotiation failure without indirect descriptors")
	}
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	path := tempDisk(t, 16, 512)
	dev, err := Attach(path, false, 512, offered())
	if err != nil {
		t.Fatal(err)
	}
	defer dev.Shutdown()

	want := make([]byte, 512)
	for i := range want {
		want[i] = byte(i)
	}
	n, werr := dev.Write(want)
	if werr != 0 || n != len(want) {
		t.Fatalf("Write = %d, %v", n, werr)
	}

	if _, err := dev.Ctl(3 /* IOCTL_SETPOS */, 0, 0); err != 0 {
		t.Fatalf("Ctl(SETPOS) = %v", err)
	}

	got := make([]byte, 512)
	n, rerr := dev.Read(got)
	if rerr != 0 || n != len(got) {
		t.Fatalf("Read = %d, %v", n, rerr)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("byte %d: got %d want %d", i, got[i], want[i])
		}
	}
}

func TestReadPastEndReturnsZeroNotError(t *testing.T) {
	path := tempDisk(t, 1, 512)
	dev, err := Attach(path, false, 512, offered())
	if err != nil {
		t.Fatal(err)
	}
	defer dev.Shutdown()

	dev.Ctl(3, 512, 0) // seek to end
	buf := make([]byte, 16)
	n, rerr := dev.Read(buf)
	if rerr != 0 || n != 0 {
		t.Fatalf("Read at EOF = %d, %v, want 0, nil", n, rerr)
	}
}

func TestWriteReadOnlyRejected(t *testing.T) {
	path := tempDisk(t, 4, 512)
	dev, err := Attach(path, true, 512, offered())
	if err != nil {
		t.Fatal(err)
	}
	defer dev.Shutdown()

	if _, werr := dev.Write(make([]byte, 16)); werr == 0 {
		t.Fatal("expected write to a readonly device to fail")
	}
}

// TestWritePastEndDoesNotDeadlock exercises the fixed early-return path:
// the source driver this is modeled on leaks io_lock here, which would
// hang every subsequent call on the same device. A second call
// completing proves the lock was released.
func TestWritePastEndDoesNotDeadlock(t *testing.T) {
	path := tempDisk(t, 1, 512)
	dev, err := Attach(path, false, 512, offered())
	if err != nil {
		t.Fatal(err)
	}
	defer dev.Shutdown()

	dev.Ctl(3, 512, 0)
	if n, werr := dev.Write(make([]byte, 16)); werr != 0 || n != 0 {
		t.Fatalf("Write at EOF = %d, %v", n, werr)
	}

	dev.Ctl(3, 0, 0)
	if n, werr := dev.Write(make([]byte, 16)); werr != 0 || n != 16 {
		t.Fatalf("Write after EOF write = %d, %v, want 16, nil (lock must not be leaked)", n, werr)
	}
}

func TestGetblkszAndGetlen(t *testing.T) {
	path := tempDisk(t, 8, 512)
	dev, err := Attach(path, false, 512, offered())
	if err != nil {
		t.Fatal(err)
	}
	defer dev.Shutdown()

	if sz, _ := dev.Ctl(4 /* IOCTL_GETBLKSZ */, 0, 0); sz != 512 {
		t.Fatalf("GETBLKSZ = %d, want 512", sz)
	}
	if ln, _ := dev.Ctl(1 /* IOCTL_GETLEN */, 0, 0); ln != 8*512 {
		t.Fatalf("GETLEN = %d, want %d", ln, 8*512)
	}
}

// TestPartialWritePreservesSurroundingBytes exercises a write that starts
// mid-block: only the targeted byte range may change, and a read back of
// the whole block must reproduce the untouched prefix and suffix exactly.
func TestPartialWritePreservesSurroundingBytes(t *testing.T) {
	path := tempDisk(t, 1, 512)
	dev, err := Attach(path, false, 512, offered())
	if err != nil {
		t.Fatal(err)
	}
	defer dev.Shutdown()

	original := make([]byte, 512)
	for i := range original {
		original[i] = byte(i)
	}
	if n, werr := dev.Write(original); werr != 0 || n != 512 {
		t.Fatalf("seed Write = %d, %v", n, werr)
	}

	dev.Ctl(3, 200, 0) // SETPOS(200)
	patch := make([]byte, 100)
	for i := range patch {
		patch[i] = 0xAB
	}
	if n, werr := dev.Write(patch); werr != 0 || n != 100 {
		t.Fatalf("partial Write = %d, %v", n, werr)
	}

	dev.Ctl(3, 0, 0)
	got := make([]byte, 512)
	if n, rerr := dev.Read(got); rerr != 0 || n != 512 {
		t.Fatalf("readback = %d, %v", n, rerr)
	}
	for i := 0; i < 200; i++ {
		if got[i] != original[i] {
			t.Fatalf("prefix byte %d: got %d want %d", i, got[i], original[i])
		}
	}
	for i := 200; i < 300; i++ {
		if got[i] != 0xAB {
			t.Fatalf("patched byte %d: got %d want 0xAB", i, got[i])
		}
	}
	for i := 300; i < 512; i++ {
		if got[i] != original[i] {
			t.Fatalf("suffix byte %d: got %d want %d", i, got[i], original[i])
		}
	}
}
