// Command cachever stamps a build-unique cache version into the worker manifest.
//
// Usage:
//
//	cachever -template worker.template.yaml -out worker.yaml [-version 1739452800123]
//
// The version is printed on stdout so build scripts can capture it.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/Sternrassler/cache-worker/pkg/logging"
	"github.com/Sternrassler/cache-worker/pkg/version"
	"github.com/rs/zerolog/log"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	logging.Setup(logging.Config{
		Level:  logging.LevelInfo,
		Pretty: true,
		Output: stderr,
	})

	fs := flag.NewFlagSet("cachever", flag.ContinueOnError)
	fs.SetOutput(stderr)
	templatePath := fs.String("template", "", "path of the manifest template containing "+version.Placeholder)
	outputPath := fs.String("out", "", "path of the stamped manifest to write")
	fixed := fs.String("version", "", "use this version instead of the build time")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if *templatePath == "" || *outputPath == "" {
		log.Error().Msg("Both -template and -out are required")
		fs.Usage()
		return 1
	}

	v := *fixed
	if v == "" {
		v = version.New(time.Now())
	}

	if _, err := version.Provision(*templatePath, *outputPath, v); err != nil {
		log.Error().Err(err).
			Str("template", *templatePath).
			Str("output", *outputPath).
			Msg("Version provisioning failed")
		return 1
	}

	fmt.Fprintln(stdout, v)
	return 0
}
