package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"astrophot/pkg/imaging"
	"astrophot/pkg/photometry"
	"astrophot/pkg/wcs"
)

// frame is an opened image. Close releases the pixel buffer the sampler
// reads from.
type frame struct {
	path    string
	mat     imaging.Mat
	md      *imaging.FitsMetadata
	sampler *imaging.Sampler
}

// openFrame loads path. cfg.Debayer names a colour filter pattern to
// convert raw colour frames to luminance; "auto" takes it from the BAYERPAT
// keyword when present.
func openFrame(path string, cfg runConfig) (*frame, error) {
	m, md, err := imaging.LoadImage(path)
	if err != nil {
		return nil, err
	}
	pattern := cfg.Debayer
	if strings.EqualFold(pattern, "auto") {
		pattern = md.GetString("BAYERPAT")
	}
	if pattern != "" {
		lum, err := imaging.Debayer(m, pattern)
		m.Close()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		m = lum
	}
	s, err := imaging.NewSampler(m)
	if err != nil {
		m.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	s.PixelCenter = cfg.PixelCenter
	return &frame{path: path, mat: m, md: md, sampler: s}, nil
}

func (f *frame) Close() { f.mat.Close() }

// headerCCD fills gain and read noise from the frame header unless they were
// given on the command line.
func headerCCD(ccd photometry.CCD, md *imaging.FitsMetadata, set map[string]bool) photometry.CCD {
	if g, ok := md.Gain(); ok && g > 0 && !set["gain"] {
		ccd.Gain = g
	}
	if rn, ok := md.ReadNoise(); ok && !set["rn"] {
		ccd.ReadNoise = rn
	}
	return ccd
}

// frameFlags binds the image loading options to fs.
func frameFlags(fs *flag.FlagSet, cfg *runConfig) {
	fs.Float64Var(&cfg.PixelCenter, "pixelcenter", cfg.PixelCenter, "spatial coordinate of a pixel centre within the pixel")
	fs.StringVar(&cfg.Debayer, "debayer", cfg.Debayer, `convert raw colour frames to luminance: RGGB, BGGR, GRBG, GBRG or "auto" for the BAYERPAT keyword`)
}

// photometryFlags binds the measurement options to fs.
func photometryFlags(fs *flag.FlagSet, p *photometry.Config) {
	fs.Float64Var(&p.Radius, "r", p.Radius, "aperture radius, pixels")
	fs.Float64Var(&p.SkyInner, "r1", p.SkyInner, "sky annulus inner radius (with -r2; 0,0 derives the annulus from -r)")
	fs.Float64Var(&p.SkyOuter, "r2", p.SkyOuter, "sky annulus outer radius")
	fs.Var(&p.Background, "background", "sky model: flat or planar")
	fs.BoolVar(&p.RejectOutliers, "reject", p.RejectOutliers, "sigma-clip the sky annulus")
	fs.Float64Var(&p.RejectSigma, "sigma", p.RejectSigma, "clipping threshold for -reject")
	fs.Float64Var(&p.CCD.Gain, "gain", p.CCD.Gain, "CCD gain, e-/ADU (default from the GAIN header)")
	fs.Float64Var(&p.CCD.ReadNoise, "rn", p.CCD.ReadNoise, "read noise, e- (default from the RDNOISE header)")
	fs.Float64Var(&p.CCD.Dark, "dark", p.CCD.Dark, "dark current over the exposure, e-/pixel")
	fs.BoolVar(&p.Reposition, "reposition", p.Reposition, "refine the centroid before measuring")
	fs.BoolVar(&p.Forgiving, "forgiving", p.Forgiving, "report centroid failures instead of stopping")
	fs.BoolVar(&p.RetryOnFailure, "retry", p.RetryOnFailure, "retry failed sources with larger radii")
	fs.IntVar(&p.Workers, "workers", p.Workers, "parallel measurements, 0 for one per CPU")
}

func runMeasure(ctx context.Context, args []string) error {
	cfg := defaultRunConfig()
	fs, configPath, dump := newFlagSet("measure", &cfg)
	photometryFlags(fs, &cfg.Photometry)
	frameFlags(fs, &cfg)
	fs.BoolVar(&cfg.Photometry.Follow, "follow", cfg.Photometry.Follow, "move each aperture to its centroid for the next frame")
	fs.BoolVar(&cfg.Photometry.TrackMean, "trackmean", cfg.Photometry.TrackMean, "move all apertures by their mean shift for the next frame")
	at := fs.String("at", "", `aperture centres "x,y x,y ..."; the first is the target of the differential photometry`)
	variable := fs.Bool("variable", false, "size the apertures from the mean FWHM of the first frame")
	overlay := fs.String("overlay", "", "write a PNG of the first frame with the apertures drawn")
	aligned := fs.String("aligned", "", "write every frame shifted onto the first to this directory")
	if err := parseFlags(fs, args, &cfg, configPath); err != nil {
		return err
	}
	if *dump {
		dumpConfig(cfg)
		return nil
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("measure: no images given")
	}
	points, err := parsePoints(*at)
	if err != nil {
		return err
	}
	if len(points) == 0 {
		return fmt.Errorf("measure: no positions given, use -at")
	}

	var frames []*frame
	defer func() {
		for _, f := range frames {
			f.Close()
		}
	}()
	for _, path := range fs.Args() {
		verbosef(cfg, 1, "Loading: %s", path)
		f, err := openFrame(path, cfg)
		if err != nil {
			return err
		}
		frames = append(frames, f)
	}
	cfg.Photometry.CCD = headerCCD(cfg.Photometry.CCD, frames[0].md, setFlags(fs))
	verbosef(cfg, 2, "Final configuration:-\n\n%s\n", cfg.AsYaml())

	aps := make([]photometry.Aperture, len(points))
	for i, p := range points {
		aps[i] = cfg.Photometry.Aperture(p[0], p[1])
	}
	if *variable {
		aps, err = variableApertures(ctx, frames[0].sampler, aps, cfg.Photometry)
		if err != nil {
			return err
		}
	}

	var results [][]photometry.Measurement
	if len(frames) == 1 {
		items := make([]photometry.BatchItem, len(aps))
		for i, ap := range aps {
			items[i] = photometry.BatchItem{Frame: frames[0].sampler, Aperture: ap}
		}
		res, err := photometry.MeasureBatch(ctx, items, cfg.Photometry)
		if err != nil {
			return err
		}
		results = [][]photometry.Measurement{res}
	} else {
		samplers := make([]*imaging.Sampler, len(frames))
		for i, f := range frames {
			samplers[i] = f.sampler
		}
		results, err = photometry.MeasureFrames(ctx, samplers, aps, cfg.Photometry)
		if err != nil {
			return err
		}
	}

	for i, res := range results {
		printMeasurements(frames[i], res)
		printDifferential(res)
	}
	if *overlay != "" {
		if err := writeOverlay(*overlay, frames[0].sampler, results[0], cfg.OverlayWidth); err != nil {
			return err
		}
		verbosef(cfg, 1, "Overlay written to %s", *overlay)
	}
	if *aligned != "" {
		return writeAligned(*aligned, frames, results, cfg)
	}
	return nil
}

// variableApertures measures the apertures once and resizes them to the
// configured multiple of the mean FWHM.
func variableApertures(ctx context.Context, s *imaging.Sampler, aps []photometry.Aperture, cfg photometry.Config) ([]photometry.Aperture, error) {
	items := make([]photometry.BatchItem, len(aps))
	for i, ap := range aps {
		items[i] = photometry.BatchItem{Frame: s, Aperture: ap}
	}
	probe := cfg
	probe.Forgiving = true
	res, err := photometry.MeasureBatch(ctx, items, probe)
	if err != nil {
		return nil, err
	}
	centroids := make([]photometry.CentroidResult, len(res))
	for i, m := range res {
		centroids[i] = m.Centroid
	}
	out, fwhm, err := photometry.VariableApertures(aps, centroids, cfg.ApertureFWHMFactor)
	if err != nil {
		return nil, err
	}
	fmt.Printf("Mean FWHM %.3f px, aperture radius %.3f px\n", fwhm, out[0].Radius)
	return out, nil
}

func printMeasurements(f *frame, res []photometry.Measurement) {
	t, wcsErr := wcs.FromHeader(f.md)
	fmt.Println()
	fmt.Printf("=== %s ===\n", filepath.Base(f.path))
	for _, line := range frameInfo(f.md) {
		fmt.Printf("  %s\n", line)
	}
	fmt.Printf("  %3s %9s %9s %6s %6s %12s %10s %8s %10s", "#", "X", "Y", "FWHM", "Round", "Source", "Error", "SNR", "Sky")
	if wcsErr == nil {
		fmt.Printf("  %-14s %-13s", "RA", "Dec")
	}
	fmt.Println()
	for i, m := range res {
		if m.Err != nil {
			fmt.Printf("  %3d %9.3f %9.3f  %v\n", i, m.Aperture.X, m.Aperture.Y, m.Err)
			continue
		}
		c, p := m.Centroid, m.Photometry
		fmt.Printf("  %3d %9.3f %9.3f %6.2f %6.3f %12.1f %10.1f %8.1f %10.2f",
			i, m.Aperture.X, m.Aperture.Y, c.FWHM(), c.Roundness, p.Source, p.Error, p.SNR, p.Background)
		if wcsErr == nil {
			ra, dec := t.PixelToSky(m.Aperture.X, m.Aperture.Y)
			fmt.Printf("  %s", fmtRADec(ra, dec))
		}
		var flags []string
		if c.State == photometry.Failed {
			flags = append(flags, "centroid failed")
		}
		if p.Saturated {
			flags = append(flags, "saturated")
		}
		if len(flags) > 0 {
			fmt.Printf("  [%s]", strings.Join(flags, ", "))
		}
		fmt.Println()
	}
}

// frameInfo describes the exposure from its header keywords.
func frameInfo(md *imaging.FitsMetadata) []string {
	var out []string
	if v := md.ObjectName(); v != "" {
		out = append(out, fmt.Sprintf("Object:          %s", v))
	}
	if v := md.Filter(); v != "" {
		out = append(out, fmt.Sprintf("Filter:          %s", v))
	}
	if v, ok := md.ExposureTime(); ok {
		out = append(out, fmt.Sprintf("Exposure:        %g s", v))
	}
	if v, ok := md.DateObs(); ok {
		out = append(out, fmt.Sprintf("Date:            %s", v.Format("2006-01-02 15:04:05")))
	}
	return out
}

func printDifferential(res []photometry.Measurement) {
	if len(res) < 2 || res[0].Err != nil {
		return
	}
	var comps []photometry.PhotometryResult
	for _, m := range res[1:] {
		if m.Err == nil {
			comps = append(comps, m.Photometry)
		}
	}
	d, err := photometry.Differential(res[0].Photometry, comps)
	if err != nil {
		fmt.Printf("  Differential: %v\n", err)
		return
	}
	fmt.Printf("  Differential: ratio %.5f +/- %.5f (SNR %.1f) against %d comparisons\n",
		d.Ratio, d.Error, d.SNR, len(comps))
}

func writeOverlay(path string, s *imaging.Sampler, res []photometry.Measurement, width int) error {
	marks := make([]imaging.OverlayMark, 0, len(res))
	for i, m := range res {
		marks = append(marks, imaging.OverlayMark{
			X:        m.Aperture.X,
			Y:        m.Aperture.Y,
			Radius:   m.Aperture.Radius,
			SkyInner: m.Aperture.SkyInner,
			SkyOuter: m.Aperture.SkyOuter,
			SNR:      m.Photometry.SNR,
			Label:    fmt.Sprint(i),
		})
	}
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := imaging.RenderOverlay(out, s, marks, width); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// writeAligned shifts every frame so its centroids land on those of the
// first frame and writes the result as FITS.
func writeAligned(dir string, frames []*frame, results [][]photometry.Measurement, cfg runConfig) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	centroids := func(res []photometry.Measurement) []photometry.CentroidResult {
		out := make([]photometry.CentroidResult, len(res))
		for i, m := range res {
			if m.Err == nil {
				out[i] = m.Centroid
			}
		}
		return out
	}
	ref := centroids(results[0])
	for i, f := range frames {
		if i >= len(results) {
			break
		}
		shifted, dx, dy, err := photometry.AlignFrame(f.sampler, ref, centroids(results[i]))
		if err != nil {
			return fmt.Errorf("aligning %s: %w", f.path, err)
		}
		name := strings.TrimSuffix(filepath.Base(f.path), filepath.Ext(f.path)) + "_aligned.fits"
		err = writeFitsFile(filepath.Join(dir, name), shifted, f.md)
		shifted.Close()
		if err != nil {
			return err
		}
		verbosef(cfg, 1, "%s shifted by (%.3f, %.3f)", name, dx, dy)
	}
	return nil
}

func writeFitsFile(path string, m imaging.Mat, md *imaging.FitsMetadata) error {
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := imaging.WriteFits(out, m, md); err != nil {
		out.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return out.Close()
}

func runDetect(ctx context.Context, args []string) error {
	cfg := defaultRunConfig()
	cfg.Photometry.Forgiving = true
	fs, configPath, dump := newFlagSet("detect", &cfg)
	photometryFlags(fs, &cfg.Photometry)
	frameFlags(fs, &cfg)
	fs.IntVar(&cfg.Detect.MaxSeeds, "max", cfg.Detect.MaxSeeds, "keep only the brightest stars, 0 keeps all")
	fs.Float64Var(&cfg.Detect.Sensitivity, "sensitivity", cfg.Detect.Sensitivity, "minimum peak over background, in noise sigma")
	fs.Float64Var(&cfg.Detect.SaturationLevel, "saturation", cfg.Detect.SaturationLevel, "flag stars peaking above this value, 0 disables")
	fs.StringVar(&cfg.Detect.SaveIntermediateFilesPath, "debug-dir", cfg.Detect.SaveIntermediateFilesPath, "write intermediate detection images here")
	measure := fs.Bool("measure", true, "measure aperture photometry of every star found")
	overlay := fs.String("overlay", "", "write a PNG with the measured apertures drawn")
	if err := parseFlags(fs, args, &cfg, configPath); err != nil {
		return err
	}
	cfg.Detect.PixelCenter = cfg.PixelCenter
	if *dump {
		dumpConfig(cfg)
		return nil
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("detect: want one image")
	}

	f, err := openFrame(fs.Arg(0), cfg)
	if err != nil {
		return err
	}
	defer f.Close()
	cfg.Photometry.CCD = headerCCD(cfg.Photometry.CCD, f.md, setFlags(fs))

	det, err := imaging.DetectSeeds(ctx, f.mat, cfg.Detect)
	if err != nil {
		return fmt.Errorf("detecting stars: %w", err)
	}
	mt := det.Metrics
	fmt.Println()
	fmt.Printf("=== Detection %s ===\n", filepath.Base(f.path))
	fmt.Printf("  Image size:      %d x %d\n", f.sampler.Width(), f.sampler.Height())
	fmt.Printf("  Noise:           %.3f (background %.3f)\n", mt.Noise.Sigma, mt.Noise.BackgroundMean)
	fmt.Printf("  Candidates:      %d\n", mt.Candidates)
	fmt.Printf("  Rejected:        %d small, %d large, %d border, %d distorted, %d faint\n",
		mt.TooSmall, mt.TooLarge, mt.OnBorder, mt.TooDistorted, mt.LowSensitivity)
	fmt.Printf("  Stars detected:  %d\n", len(det.Seeds))
	if !*measure {
		for i, s := range det.Seeds {
			fmt.Printf("  %3d %s\n", i, s)
		}
		return nil
	}

	items := make([]photometry.BatchItem, len(det.Seeds))
	for i, s := range det.Seeds {
		items[i] = photometry.BatchItem{Frame: f.sampler, Aperture: cfg.Photometry.Aperture(s.X, s.Y)}
	}
	res, err := photometry.MeasureBatch(ctx, items, cfg.Photometry)
	if err != nil {
		return err
	}
	printMeasurements(f, res)
	if field, err := photometry.AnalyzeField(res, f.sampler.Width(), f.sampler.Height()); err == nil {
		printField(field)
	}
	if *overlay != "" {
		return writeOverlay(*overlay, f.sampler, res, cfg.OverlayWidth)
	}
	return nil
}

func printField(field photometry.FieldSeeing) {
	fmt.Println()
	fmt.Println("=== Field Analysis (3x3) ===")
	for i, z := range field.Zones {
		fmt.Printf("  %-8s FWHM=%.3f  Round=%.3f  n=%d\n", photometry.Zone(i), z.MedianFWHM, z.MedianRoundness, z.Count)
		if (i+1)%3 == 0 && i < 8 {
			fmt.Println("  ---")
		}
	}
	fmt.Printf("\n  Tilt:     %.1f%% (best: %s, worst: %s)\n", field.TiltPct, field.BestCorner, field.WorstCorner)
	fmt.Printf("  Off-axis: %.1f%%\n", field.OffAxisPct)
	if !field.Reliable {
		fmt.Println("  [LOW STAR COUNT - UNRELIABLE]")
	}
}

func runSeeing(args []string) error {
	cfg := defaultRunConfig()
	fs, configPath, dump := newFlagSet("seeing", &cfg)
	photometryFlags(fs, &cfg.Photometry)
	frameFlags(fs, &cfg)
	at := fs.String("at", "", "star position x,y")
	if err := parseFlags(fs, args, &cfg, configPath); err != nil {
		return err
	}
	if *dump {
		dumpConfig(cfg)
		return nil
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("seeing: want one image")
	}
	p, err := parsePoint(*at)
	if err != nil {
		return err
	}

	f, err := openFrame(fs.Arg(0), cfg)
	if err != nil {
		return err
	}
	defer f.Close()

	ap := cfg.Photometry.Aperture(p[0], p[1])
	c, err := photometry.MeasureCentroid(f.sampler, ap.X, ap.Y, ap.Radius, cfg.Photometry)
	if err != nil {
		return err
	}
	ap.X, ap.Y = c.X, c.Y
	prof, err := photometry.RadialProfile(f.sampler, ap, cfg.Photometry)
	if err != nil {
		return err
	}

	fmt.Println()
	fmt.Printf("=== Seeing at (%.2f, %.2f) ===\n", c.X, c.Y)
	for _, line := range frameInfo(f.md) {
		fmt.Printf("  %s\n", line)
	}
	fmt.Printf("  Centroid:        %s\n", c)
	fmt.Printf("  Moment FWHM:     %.3f px\n", c.FWHM())
	fmt.Printf("  Profile FWHM:    %.3f px (peak %.1f over %.1f)\n", prof.FWHM, prof.Peak, prof.Background)
	fmt.Printf("  Suggested:       r=%.1f sky=[%.1f, %.1f]\n", prof.SuggestedRadius, prof.SuggestedSkyInner, prof.SuggestedSkyOuter)
	if psf, err := photometry.FitPSF(f.sampler, c.X, c.Y, ap.Radius); err != nil {
		fmt.Printf("  PSF:             %v\n", err)
	} else {
		fmt.Printf("  PSF FWHM:        %.3f px (%.3f x %.3f, angle %.1f, R2 %.4f)\n",
			psf.FWHM, psf.FWHMx, psf.FWHMy, psf.Angle, psf.RSquared)
	}
	fmt.Println()
	fmt.Printf("  %8s %10s %6s\n", "r", "I/Ipeak", "n")
	for i := range prof.Radius {
		fmt.Printf("  %8.2f %10.4f %6d\n", prof.Radius[i], prof.Value[i], prof.Count[i])
	}
	return nil
}
