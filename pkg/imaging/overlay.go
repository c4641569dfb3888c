package imaging

import (
	"fmt"
	"image"
	"image/color"
	"io"
	"math"
	"slices"

	"github.com/fogleman/gg"
	"github.com/lucasb-eyer/go-colorful"
	"golang.org/x/image/draw"
	"golang.org/x/image/font/basicfont"
	"gonum.org/v1/gonum/stat"
)

// OverlayMark is one aperture drawn on the overlay. Coordinates are spatial
// (sampler) coordinates. Zero sky radii skip the annulus.
type OverlayMark struct {
	X, Y     float64
	Radius   float64
	SkyInner float64
	SkyOuter float64
	SNR      float64
	Label    string
}

// RenderOverlay writes a PNG of the image, stretched between its 0.5 and 99.5
// percentiles and scaled to targetWidth pixels (0 keeps the native size),
// with the marks drawn on top.
func RenderOverlay(w io.Writer, s *Sampler, marks []OverlayMark, targetWidth int) error {
	img, err := renderOverlayImage(s, marks, targetWidth)
	if err != nil {
		return err
	}
	return gg.NewContextForRGBA(img).EncodePNG(w)
}

func renderOverlayImage(s *Sampler, marks []OverlayMark, targetWidth int) (*image.RGBA, error) {
	if s == nil || s.width == 0 || s.height == 0 {
		return nil, fmt.Errorf("overlay: no image")
	}
	if targetWidth <= 0 {
		targetWidth = s.width
	}
	scale := float64(targetWidth) / float64(s.width)
	imgW := targetWidth
	imgH := max(int(math.Round(float64(s.height)*scale)), 1)

	gray := stretchGray(s)
	img := image.NewRGBA(image.Rect(0, 0, imgW, imgH))
	draw.ApproxBiLinear.Scale(img, img.Bounds(), gray, gray.Bounds(), draw.Src, nil)

	dc := gg.NewContextForRGBA(img)
	dc.SetFontFace(basicfont.Face7x13)
	dc.SetLineWidth(1)
	for _, m := range marks {
		cx := (m.X - s.PixelCenter + 0.5) * scale
		cy := (m.Y - s.PixelCenter + 0.5) * scale

		dc.SetColor(snrColor(m.SNR))
		dc.DrawCircle(cx, cy, m.Radius*scale)
		dc.Stroke()

		if m.SkyOuter > m.SkyInner && m.SkyInner > 0 {
			dc.SetRGBA(0.6, 0.6, 1, 0.8)
			dc.DrawCircle(cx, cy, m.SkyInner*scale)
			dc.Stroke()
			dc.DrawCircle(cx, cy, m.SkyOuter*scale)
			dc.Stroke()
		}
		if m.Label != "" {
			dc.SetRGB(1, 1, 1)
			dc.DrawStringAnchored(m.Label, cx, cy-max(m.Radius, m.SkyOuter)*scale-4, 0.5, 0)
		}
	}
	return img, nil
}

// stretchGray maps the sampler onto an 8-bit grayscale image.
func stretchGray(s *Sampler) *image.Gray {
	sorted := make([]float64, 0, len(s.data))
	for _, v := range s.data {
		if !math.IsNaN(float64(v)) {
			sorted = append(sorted, float64(v))
		}
	}
	out := image.NewGray(image.Rect(0, 0, s.width, s.height))
	if len(sorted) == 0 {
		return out
	}
	slices.Sort(sorted)
	lo := stat.Quantile(0.005, stat.Empirical, sorted, nil)
	hi := stat.Quantile(0.995, stat.Empirical, sorted, nil)
	if hi <= lo {
		hi = lo + 1
	}
	for i, v := range s.data {
		t := (float64(v) - lo) / (hi - lo)
		if math.IsNaN(t) {
			t = 0
		}
		t = min(max(t, 0), 1)
		out.Pix[(i/s.width)*out.Stride+i%s.width] = uint8(math.Sqrt(t)*255 + 0.5)
	}
	return out
}

// snrColor runs from red at SNR <= 3 through yellow to green at SNR >= 100.
func snrColor(snr float64) color.Color {
	if math.IsNaN(snr) || snr <= 3 {
		return colorful.Hsv(0, 0.9, 1)
	}
	t := min(math.Log10(snr/3)/math.Log10(100.0/3), 1)
	return colorful.Hsv(120*t, 0.9, 1)
}
