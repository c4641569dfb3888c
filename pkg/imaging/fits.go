package imaging

import (
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/astrogo/fitsio"
	"golang.org/x/exp/maps"
)

// FitsMetadata holds the primary header keywords as text.
type FitsMetadata struct {
	Headers map[string]string
}

// NewFitsMetadata creates an empty FitsMetadata.
func NewFitsMetadata() *FitsMetadata {
	return &FitsMetadata{Headers: make(map[string]string)}
}

func (m *FitsMetadata) GetString(key string) string {
	return strings.TrimSpace(m.Headers[strings.ToUpper(key)])
}

func (m *FitsMetadata) GetDouble(key string) (float64, bool) {
	v, ok := m.Headers[strings.ToUpper(key)]
	if !ok {
		return 0, false
	}
	d, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, false
	}
	return d, true
}

func (m *FitsMetadata) GetDateTime(key string) (time.Time, bool) {
	v := m.GetString(key)
	for _, layout := range []string{"2006-01-02T15:04:05.999999999", time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Set stores a keyword value, replacing any previous one.
func (m *FitsMetadata) Set(key, value string) {
	m.Headers[strings.ToUpper(key)] = value
}

func (m *FitsMetadata) ObjectName() string { return m.GetString("OBJECT") }
func (m *FitsMetadata) Filter() string     { return m.GetString("FILTER") }

func (m *FitsMetadata) ExposureTime() (float64, bool) {
	if v, ok := m.GetDouble("EXPTIME"); ok {
		return v, true
	}
	return m.GetDouble("EXPOSURE")
}

// Gain returns the detector gain in e-/ADU if the header records one.
func (m *FitsMetadata) Gain() (float64, bool) {
	if v, ok := m.GetDouble("GAIN"); ok {
		return v, true
	}
	return m.GetDouble("EGAIN")
}

func (m *FitsMetadata) ReadNoise() (float64, bool) { return m.GetDouble("RDNOISE") }
func (m *FitsMetadata) DateObs() (time.Time, bool) { return m.GetDateTime("DATE-OBS") }

// FitsImageData holds the primary image of a FITS file with BSCALE/BZERO
// applied.
type FitsImageData struct {
	Pixels   []float32
	Width    int
	Height   int
	BitDepth int
	Metadata *FitsMetadata
}

// Mat copies the pixels into a new Mat.
func (d *FitsImageData) Mat() (Mat, error) {
	return NewMatFromValues(d.Pixels, d.Width, d.Height)
}

// ReadFits reads the primary HDU of a FITS file.
func ReadFits(filePath string) (*FitsImageData, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("opening FITS file: %w", err)
	}
	defer f.Close()
	return readFitsFromReader(f, false)
}

// ReadFitsMetadataOnly reads only the primary header.
func ReadFitsMetadataOnly(filePath string) (*FitsImageData, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("opening FITS file: %w", err)
	}
	defer f.Close()
	return readFitsFromReader(f, true)
}

func readFitsFromReader(r io.Reader, skipPixelData bool) (*FitsImageData, error) {
	f, err := fitsio.Open(r)
	if err != nil {
		return nil, fmt.Errorf("parsing FITS: %w", err)
	}
	defer f.Close()

	hdu := f.HDU(0)
	hdr := hdu.Header()
	axes := hdr.Axes()
	if len(axes) < 2 {
		return nil, fmt.Errorf("FITS primary HDU has %d axes, need 2", len(axes))
	}

	md := NewFitsMetadata()
	for _, key := range hdr.Keys() {
		if card := hdr.Get(key); card != nil && card.Value != nil {
			md.Set(key, fmt.Sprint(card.Value))
		}
	}

	out := &FitsImageData{
		Width:    axes[0],
		Height:   axes[1],
		BitDepth: hdr.Bitpix(),
		Metadata: md,
	}
	if skipPixelData {
		return out, nil
	}

	img, ok := hdu.(fitsio.Image)
	if !ok {
		return nil, fmt.Errorf("FITS primary HDU is not an image")
	}
	raw, err := readPlane(img, hdr.Bitpix(), out.Width*out.Height)
	if err != nil {
		return nil, err
	}

	bscale, ok := md.GetDouble("BSCALE")
	if !ok {
		bscale = 1
	}
	bzero, _ := md.GetDouble("BZERO")
	out.Pixels = make([]float32, len(raw))
	for i, v := range raw {
		out.Pixels[i] = float32(bzero + bscale*v)
	}
	return out, nil
}

// readPlane reads the first width*height samples of the image data. Extra
// planes of a cube are ignored.
func readPlane(img fitsio.Image, bitpix, n int) ([]float64, error) {
	total := 1
	for _, a := range img.Header().Axes() {
		total *= a
	}
	out := make([]float64, n)
	var err error
	switch bitpix {
	case 8:
		buf := make([]uint8, total)
		err = img.Read(&buf)
		for i := range out {
			out[i] = float64(buf[i])
		}
	case 16:
		buf := make([]int16, total)
		err = img.Read(&buf)
		for i := range out {
			out[i] = float64(buf[i])
		}
	case 32:
		buf := make([]int32, total)
		err = img.Read(&buf)
		for i := range out {
			out[i] = float64(buf[i])
		}
	case 64:
		buf := make([]int64, total)
		err = img.Read(&buf)
		for i := range out {
			out[i] = float64(buf[i])
		}
	case -32:
		buf := make([]float32, total)
		err = img.Read(&buf)
		for i := range out {
			out[i] = float64(buf[i])
		}
	case -64:
		buf := make([]float64, total)
		err = img.Read(&buf)
		copy(out, buf)
	default:
		return nil, fmt.Errorf("unsupported BITPIX %d", bitpix)
	}
	if err != nil {
		return nil, fmt.Errorf("reading FITS pixels: %w", err)
	}
	return out, nil
}

// WriteFits writes a single-plane float32 image with the given keywords to w.
// Values in md are written as numbers when they parse as such.
func WriteFits(w io.Writer, m Mat, md *FitsMetadata) error {
	f, err := fitsio.Create(w)
	if err != nil {
		return fmt.Errorf("creating FITS: %w", err)
	}
	defer f.Close()

	img := fitsio.NewImage(-32, []int{m.Cols(), m.Rows()})
	defer img.Close()
	if md != nil {
		var cards []fitsio.Card
		keys := maps.Keys(md.Headers)
		slices.Sort(keys)
		for _, k := range keys {
			if reservedKeyword(k) {
				continue
			}
			cards = append(cards, fitsio.Card{Name: k, Value: cardValue(md.Headers[k])})
		}
		if err := img.Header().Append(cards...); err != nil {
			return fmt.Errorf("writing FITS header: %w", err)
		}
	}
	data := m.DataFloat32()
	if err := img.Write(data); err != nil {
		return fmt.Errorf("writing FITS pixels: %w", err)
	}
	return f.Write(img)
}

func reservedKeyword(k string) bool {
	switch k {
	case "SIMPLE", "BITPIX", "NAXIS", "NAXIS1", "NAXIS2", "NAXIS3", "EXTEND", "BSCALE", "BZERO", "END":
		return true
	}
	return false
}

func cardValue(v string) interface{} {
	if i, err := strconv.Atoi(v); err == nil {
		return i
	}
	if d, err := strconv.ParseFloat(v, 64); err == nil {
		return d
	}
	if v == "true" || v == "false" {
		return v == "true"
	}
	return v
}
