package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"astrophot/pkg/imaging"
	"astrophot/pkg/photometry"
	"astrophot/pkg/wcs"
)

// runConfig is the effective configuration of one invocation. It can be
// loaded from a YAML run file with -config; flags given on the command line
// take precedence over the file.
type runConfig struct {
	Verbosity    int                  `yaml:"verbosity"`
	OverlayWidth int                  `yaml:"overlay_width"`
	PixelCenter  float64              `yaml:"pixel_center"`
	Debayer      string               `yaml:"debayer"`
	Photometry   photometry.Config    `yaml:"photometry"`
	Detect       imaging.DetectParams `yaml:"detect"`
	Refine       wcs.RefineOptions    `yaml:"refine"`
}

func defaultRunConfig() runConfig {
	return runConfig{
		OverlayWidth: 1024,
		Photometry:   photometry.DefaultConfig(),
		Detect:       imaging.NewDetectParams(),
		Refine:       wcs.RefineOptions{Starts: 4, Seed: 1},
	}
}

func newConfigFromYaml(b []byte) (runConfig, error) {
	c := defaultRunConfig()
	if err := yaml.UnmarshalStrict(b, &c); err != nil {
		return c, fmt.Errorf("parsing run file: %w", err)
	}
	return c, nil
}

func loadRunConfig(path string) (runConfig, error) {
	if path == "" {
		return defaultRunConfig(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return runConfig{}, err
	}
	return newConfigFromYaml(b)
}

func (c runConfig) AsYaml() string {
	b, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Sprintf("# %v\n", err)
	}
	return string(b)
}
