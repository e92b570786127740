// Package version stamps a build-unique cache version into the worker manifest.
//
// A build runs Provision once: it reads a template containing the placeholder
// __CACHE_VERSION__, replaces every occurrence with a fresh version and writes
// the result to a separate output file. The template is never modified, so the
// step can run again on the next build.
package version

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Placeholder is the literal token replaced in the template.
const Placeholder = "__CACHE_VERSION__"

var (
	// ErrTemplateUnreadable is returned when the template cannot be read.
	ErrTemplateUnreadable = errors.New("template unreadable")

	// ErrOutputUnwritable is returned when the stamped output cannot be written.
	ErrOutputUnwritable = errors.New("output unwritable")

	// ErrSameFile is returned when the output path would overwrite the template.
	ErrSameFile = errors.New("output path must differ from template path")
)

// Result describes one provisioning run.
type Result struct {
	Version      string
	OutputPath   string
	Replacements int
}

// New returns the cache version for a build at t: Unix milliseconds in base 10.
// Two builds in the same millisecond get the same version.
func New(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

// Valid reports whether v can be used as a cache version. A version that
// still contains the placeholder was never stamped.
func Valid(v string) bool {
	return v != "" && !strings.Contains(v, Placeholder)
}

// Stamp returns a copy of src with every placeholder replaced by v.
func Stamp(src []byte, v string) []byte {
	return bytes.ReplaceAll(src, []byte(Placeholder), []byte(v))
}

// Provision stamps templatePath with v and writes outputPath atomically.
func Provision(templatePath, outputPath, v string) (Result, error) {
	if !Valid(v) {
		return Result{}, fmt.Errorf("invalid version %q", v)
	}

	same, err := samePath(templatePath, outputPath)
	if err != nil {
		return Result{}, err
	}
	if same {
		return Result{}, fmt.Errorf("%w: %s", ErrSameFile, outputPath)
	}

	src, err := os.ReadFile(templatePath)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrTemplateUnreadable, err)
	}

	replacements := bytes.Count(src, []byte(Placeholder))
	if replacements == 0 {
		log.Warn().
			Str("template", templatePath).
			Msg("Template contains no version placeholder")
	}

	if err := writeAtomic(outputPath, Stamp(src, v)); err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrOutputUnwritable, err)
	}

	log.Info().
		Str("version", v).
		Str("output", outputPath).
		Int("replacements", replacements).
		Msg("Cache version provisioned")

	return Result{Version: v, OutputPath: outputPath, Replacements: replacements}, nil
}

// writeAtomic writes data next to path and renames it into place, so readers
// see either the old file or the complete new one.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

func samePath(a, b string) (bool, error) {
	absA, err := filepath.Abs(a)
	if err != nil {
		return false, fmt.Errorf("resolve %s: %w", a, err)
	}
	absB, err := filepath.Abs(b)
	if err != nil {
		return false, fmt.Errorf("resolve %s: %w", b, err)
	}
	if absA == absB {
		return true, nil
	}

	// Different spellings of one file (symlinks, hard links).
	infoA, errA := os.Stat(absA)
	infoB, errB := os.Stat(absB)
	if errA == nil && errB == nil && os.SameFile(infoA, infoB) {
		return true, nil
	}
	return false, nil
}
