package imaging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFitsRoundTrip(t *testing.T) {
	values := []float32{0, 1.5, -2, 1000, 65535, 3.25}
	m, err := NewMatFromValues(values, 3, 2)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	md := NewFitsMetadata()
	md.Set("object", "M 67")
	md.Set("EXPTIME", "30")
	md.Set("GAIN", "1.25")
	md.Set("BITPIX", "16")

	var buf bytes.Buffer
	if err := WriteFits(&buf, m, md); err != nil {
		t.Fatal(err)
	}

	got, err := readFitsFromReader(bytes.NewReader(buf.Bytes()), false)
	if err != nil {
		t.Fatal(err)
	}
	if got.Width != 3 || got.Height != 2 || got.BitDepth != -32 {
		t.Fatalf("geometry %dx%d bitpix %d", got.Width, got.Height, got.BitDepth)
	}
	for i, v := range values {
		if got.Pixels[i] != v {
			t.Fatalf("pixel %d = %v, want %v", i, got.Pixels[i], v)
		}
	}
	if got.Metadata.ObjectName() != "M 67" {
		t.Fatalf("OBJECT = %q", got.Metadata.ObjectName())
	}
	if exp, ok := got.Metadata.ExposureTime(); !ok || exp != 30 {
		t.Fatalf("EXPTIME = %v %v", exp, ok)
	}
	if g, ok := got.Metadata.Gain(); !ok || g != 1.25 {
		t.Fatalf("GAIN = %v %v", g, ok)
	}
}

func TestFitsMetadataAccessors(t *testing.T) {
	md := NewFitsMetadata()
	md.Set("EGAIN", "2.5")
	md.Set("EXPOSURE", " 12.0 ")
	md.Set("DATE-OBS", "2021-03-04T05:06:07.5")
	md.Set("RDNOISE", "x")

	if g, ok := md.Gain(); !ok || g != 2.5 {
		t.Fatalf("gain %v %v", g, ok)
	}
	if e, ok := md.ExposureTime(); !ok || e != 12 {
		t.Fatalf("exposure %v %v", e, ok)
	}
	want := time.Date(2021, 3, 4, 5, 6, 7, 5e8, time.UTC)
	if d, ok := md.DateObs(); !ok || !d.Equal(want) {
		t.Fatalf("date %v %v", d, ok)
	}
	if _, ok := md.ReadNoise(); ok {
		t.Fatal("non-numeric keyword parsed as a number")
	}
}

func TestImageSize(t *testing.T) {
	m, err := NewMatFromValues(make([]float32, 5*3), 5, 3)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()
	path := filepath.Join(t.TempDir(), "frame.fits")
	out, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := WriteFits(out, m, nil); err != nil {
		t.Fatal(err)
	}
	if err := out.Close(); err != nil {
		t.Fatal(err)
	}

	w, h, err := ImageSize(path)
	if err != nil || w != 5 || h != 3 {
		t.Fatalf("size %dx%d, %v", w, h, err)
	}
	if _, _, err := ImageSize(filepath.Join(t.TempDir(), "missing.fits")); err == nil {
		t.Fatal("missing file accepted")
	}
}
