// Command astrophot measures stars on astronomical images and fits plate
// solutions to identified stars.
//
// Usage:
//
//	astrophot measure [flags] image...
//	astrophot detect  [flags] image
//	astrophot seeing  [flags] image
//	astrophot fitwcs  [flags] matches.txt
//	astrophot twostar [flags] x1 y1 ra1 dec1 x2 y2 ra2 dec2
//
// Each command accepts -config to read a YAML run file, -dump-config to
// print the effective configuration and -v for progress messages.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/soniakeys/exit"
)

const usage = `usage: astrophot <command> [flags] [arguments]

commands:
  measure   aperture photometry at given positions, on one or more frames
  detect    find stars and measure all of them
  seeing    radial profile and PSF fit of one star
  fitwcs    fit a TAN plate solution to pixel/sky matches
  twostar   plate scale and rotation from two identified stars
`

func main() {
	defer exit.Handler()
	log.SetFlags(0)
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		exit.Log(err)
	}
}

func run(args []string) error {
	if len(args) < 1 {
		return errors.New(usage)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "measure":
		return runMeasure(ctx, rest)
	case "detect":
		return runDetect(ctx, rest)
	case "seeing":
		return runSeeing(rest)
	case "fitwcs":
		return runFitWCS(ctx, rest)
	case "twostar":
		return runTwoStar(rest)
	case "help", "-h", "-help", "--help":
		fmt.Print(usage)
		return nil
	}
	return fmt.Errorf("unknown command %q\n%s", cmd, usage)
}

// newFlagSet returns a flag set with the flags shared by every command bound
// to cfg.
func newFlagSet(name string, cfg *runConfig) (*flag.FlagSet, *string, *bool) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	configPath := fs.String("config", "", "YAML run file; flags override its values")
	dump := fs.Bool("dump-config", false, "print the effective configuration and exit")
	fs.IntVar(&cfg.Verbosity, "v", cfg.Verbosity, "how verbose to get")
	return fs, configPath, dump
}

// parseFlags parses args into fs. When -config names a run file, cfg is
// replaced by the file contents and args are parsed again so the command
// line wins.
func parseFlags(fs *flag.FlagSet, args []string, cfg *runConfig, configPath *string) error {
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *configPath == "" {
		return nil
	}
	loaded, err := loadRunConfig(*configPath)
	if err != nil {
		return err
	}
	*cfg = loaded
	return fs.Parse(args)
}

// setFlags reports which flags were given on the command line.
func setFlags(fs *flag.FlagSet) map[string]bool {
	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return set
}

func dumpConfig(cfg runConfig) {
	fmt.Print(cfg.AsYaml())
}

func verbosef(cfg runConfig, level int, format string, args ...interface{}) {
	if cfg.Verbosity >= level {
		log.Printf(format, args...)
	}
}

// parsePoint reads "x,y".
func parsePoint(s string) ([2]float64, error) {
	var p [2]float64
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return p, fmt.Errorf("point %q: want x,y", s)
	}
	for i, part := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return p, fmt.Errorf("point %q: %w", s, err)
		}
		p[i] = v
	}
	return p, nil
}

// parsePoints reads whitespace or semicolon separated "x,y" pairs.
func parsePoints(s string) ([][2]float64, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ';' || r == ' ' || r == '\t' })
	out := make([][2]float64, 0, len(fields))
	for _, f := range fields {
		p, err := parsePoint(f)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}
