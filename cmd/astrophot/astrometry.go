package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"

	sexa "github.com/soniakeys/sexagesimal"
	"github.com/soniakeys/unit"
	"golang.org/x/exp/maps"

	"astrophot/pkg/imaging"
	"astrophot/pkg/wcs"
)

func fmtRADec(ra, dec float64) string {
	return fmt.Sprintf("%.2s %.1s", sexa.FmtRA(unit.RAFromDeg(ra)), sexa.FmtAngle(unit.AngleFromDeg(dec)))
}

// parseRA reads decimal degrees or hours as "h:m:s".
func parseRA(s string) (float64, error) {
	if !strings.Contains(s, ":") {
		return strconv.ParseFloat(s, 64)
	}
	_, h, m, sec, err := splitSexagesimal(s)
	if err != nil {
		return 0, fmt.Errorf("RA %q: %w", s, err)
	}
	return unit.NewRA(h, m, sec).Hour() * 15, nil
}

// parseDec reads decimal degrees or "[+-]d:m:s".
func parseDec(s string) (float64, error) {
	if !strings.Contains(s, ":") {
		return strconv.ParseFloat(s, 64)
	}
	neg, d, m, sec, err := splitSexagesimal(s)
	if err != nil {
		return 0, fmt.Errorf("Dec %q: %w", s, err)
	}
	return unit.NewAngle(neg, d, m, sec).Deg(), nil
}

func splitSexagesimal(s string) (neg byte, a, b int, c float64, err error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "-") {
		neg = '-'
	}
	s = strings.TrimLeft(s, "+-")
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0, 0, 0, 0, fmt.Errorf("want three fields")
	}
	if a, err = strconv.Atoi(parts[0]); err != nil {
		return
	}
	if b, err = strconv.Atoi(parts[1]); err != nil {
		return
	}
	c, err = strconv.ParseFloat(parts[2], 64)
	return
}

// readMatches parses lines of "x y ra dec". Blank lines and lines starting
// with # are skipped.
func readMatches(r io.Reader) ([]wcs.Match, error) {
	var out []wcs.Match
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		ls := strings.TrimSpace(sc.Text())
		if ls == "" || strings.HasPrefix(ls, "#") {
			continue
		}
		f := strings.Fields(ls)
		if len(f) < 4 {
			return nil, fmt.Errorf("line %d: want x y ra dec", line)
		}
		var m wcs.Match
		var err error
		if m.Pixel[0], err = strconv.ParseFloat(f[0], 64); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if m.Pixel[1], err = strconv.ParseFloat(f[1], 64); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if m.Sky[0], err = parseRA(f[2]); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if m.Sky[1], err = parseDec(f[3]); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, m)
	}
	return out, sc.Err()
}

func readMatchesFile(path string) ([]wcs.Match, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readMatches(f)
}

func meanPixel(matches []wcs.Match) [2]float64 {
	var c [2]float64
	for _, m := range matches {
		c[0] += m.Pixel[0]
		c[1] += m.Pixel[1]
	}
	n := float64(len(matches))
	return [2]float64{c[0] / n, c[1] / n}
}

func runFitWCS(ctx context.Context, args []string) error {
	cfg := defaultRunConfig()
	fs, configPath, dump := newFlagSet("fitwcs", &cfg)
	fs.BoolVar(&cfg.Refine.FitScale, "fitscale", cfg.Refine.FitScale, "let the refinement change the pixel scale")
	fs.BoolVar(&cfg.Refine.FitRefPixel, "fitrefpix", cfg.Refine.FitRefPixel, "let the refinement move the reference pixel")
	fs.IntVar(&cfg.Refine.Starts, "starts", cfg.Refine.Starts, "random starting simplexes for the refinement")
	fs.Uint64Var(&cfg.Refine.Seed, "seed", cfg.Refine.Seed, "random seed of the refinement")
	fs.IntVar(&cfg.Refine.Workers, "workers", cfg.Refine.Workers, "parallel refinement starts, 0 for one per CPU")
	crpixFlag := fs.String("crpix", "", "reference pixel x,y (default the image centre, or the mean matched position)")
	refine := fs.Bool("refine", true, "refine the linear fit with the simplex method when there are enough matches")
	imagePath := fs.String("image", "", "image whose header gives the size and, for fewer than three matches, the starting solution")
	outPath := fs.String("out", "", "write the image with the fitted solution in its header (FITS, needs -image)")
	if err := parseFlags(fs, args, &cfg, configPath); err != nil {
		return err
	}
	if *dump {
		dumpConfig(cfg)
		return nil
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("fitwcs: want one matches file")
	}
	if *outPath != "" && *imagePath == "" {
		return fmt.Errorf("fitwcs: -out needs -image")
	}
	matches, err := readMatchesFile(fs.Arg(0))
	if err != nil {
		return err
	}
	verbosef(cfg, 1, "%d matches read", len(matches))

	var img *frame
	if *imagePath != "" {
		if img, err = openFrame(*imagePath, cfg); err != nil {
			return err
		}
		defer img.Close()
	}

	var crpix [2]float64
	switch {
	case *crpixFlag != "":
		if crpix, err = parsePoint(*crpixFlag); err != nil {
			return err
		}
	case img != nil:
		crpix = [2]float64{float64(img.sampler.Width()-1) / 2, float64(img.sampler.Height()-1) / 2}
	case len(matches) > 0:
		crpix = meanPixel(matches)
	}

	var t wcs.Transform
	if len(matches) >= 3 || img == nil {
		if t, err = wcs.FitAffine(matches, crpix); err != nil {
			return err
		}
	} else {
		start, err := wcs.FromHeader(img.md)
		if err != nil {
			return fmt.Errorf("fewer than three matches and no usable WCS in %s: %w", img.path, err)
		}
		if t, err = wcs.FitShift(start, matches); err != nil {
			return err
		}
	}
	rms, err := t.RMS(matches)
	if err != nil {
		return err
	}
	fmt.Println()
	fmt.Printf("=== Linear fit (%d matches) ===\n", len(matches))
	fmt.Printf("  %s\n", t)
	fmt.Printf("  RMS:             %.4f px\n", rms)

	if *refine && len(matches) >= 6 {
		res, err := wcs.Refine(ctx, t, matches, cfg.Refine)
		if err != nil {
			return err
		}
		t = res.Transform
		fmt.Println()
		fmt.Printf("=== Refined ===\n")
		fmt.Printf("  %s\n", t)
		fmt.Printf("  %s\n", res)
	}

	if err := printSolution(t, matches); err != nil {
		return err
	}
	if *outPath != "" {
		t.ApplyHeader(img.md)
		if err := writeFitsFile(*outPath, img.mat, img.md); err != nil {
			return err
		}
		verbosef(cfg, 1, "Solution written to %s", *outPath)
	}
	return nil
}

func printSolution(t wcs.Transform, matches []wcs.Match) error {
	fmt.Println()
	fmt.Printf("  Centre:          %s\n", fmtRADec(t.CRVal[0], t.CRVal[1]))
	fmt.Printf("  Scale:           %.4f \"/px\n", t.Scale()*3600)

	res, err := t.Residuals(matches)
	if err != nil {
		return err
	}
	fmt.Println()
	fmt.Printf("  %3s %9s %9s  %-30s %8s %8s\n", "#", "X", "Y", "Sky", "dX", "dY")
	for i, m := range matches {
		fmt.Printf("  %3d %9.3f %9.3f  %-30s %8.3f %8.3f\n",
			i, m.Pixel[0], m.Pixel[1], fmtRADec(m.Sky[0], m.Sky[1]), res[i][0], res[i][1])
	}

	fmt.Println()
	h := t.Header()
	keys := maps.Keys(h)
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Printf("  %-8s= %s\n", k, h[k])
	}
	return nil
}

func runTwoStar(args []string) error {
	cfg := defaultRunConfig()
	fs, configPath, dump := newFlagSet("twostar", &cfg)
	size := fs.String("size", "", "image size w,h")
	imagePath := fs.String("image", "", "take the image size from this file")
	if err := parseFlags(fs, args, &cfg, configPath); err != nil {
		return err
	}
	if *dump {
		dumpConfig(cfg)
		return nil
	}
	if fs.NArg() != 8 {
		return fmt.Errorf("twostar: want x1 y1 ra1 dec1 x2 y2 ra2 dec2")
	}
	var w, h int
	switch {
	case *size != "":
		p, err := parsePoint(*size)
		if err != nil {
			return err
		}
		w, h = int(p[0]), int(p[1])
	case *imagePath != "":
		var err error
		if w, h, err = imaging.ImageSize(*imagePath); err != nil {
			return err
		}
	default:
		return fmt.Errorf("twostar: give -size or -image")
	}

	matches, err := readMatches(strings.NewReader(strings.Join(fs.Args()[:4], " ") + "\n" + strings.Join(fs.Args()[4:], " ")))
	if err != nil {
		return err
	}
	r, err := wcs.TwoStar(matches[0], matches[1], w, h)
	if err != nil {
		return err
	}
	fmt.Println()
	fmt.Printf("=== Two-star solution ===\n")
	fmt.Printf("  Separation:      %.2f\" (%.3f px)\n", r.Separation.Deg()*3600, r.PixelSeparation)
	fmt.Printf("  Position angle:  %.3f deg\n", r.PositionAngle.Deg())
	fmt.Printf("  Scale:           %.4f \"/px\n", r.Scale)
	fmt.Printf("  Rotation:        %.3f deg\n", r.Rotation)
	return printSolution(r.Transform, matches)
}
