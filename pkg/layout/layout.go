// Package layout describes what goes where in a board's SPI flash.
//
// A layout is written as a comma separated list of file@offset regions:
//
//	spl.bin@0x0, u-boot.itb@0x20000, env.bin@0xF0000
//
// Offsets are decimal or 0x-prefixed hex and must be sector aligned.
package layout

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
)

// Alignment is the flash erase sector size every region starts on.
const Alignment = 4096

var (
	ErrUnaligned = errors.New("region not sector aligned")
	ErrOverlap   = errors.New("regions overlap")
	ErrTooLarge  = errors.New("region beyond end of flash")
	ErrNotLoaded = errors.New("region data not loaded")
)

var layoutLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Whitespace", Pattern: `\s+`},
	{Name: "At", Pattern: `@`},
	{Name: "Comma", Pattern: `,`},
	{Name: "Word", Pattern: `[^,@\s]+`},
})

type layoutFile struct {
	Entries []*entry `parser:"@@ ( Comma @@ )*"`
}

type entry struct {
	Pos    lexer.Position
	Path   string `parser:"@Word"`
	Offset offset `parser:"At @Word"`
}

type offset uint32

func (o *offset) Capture(values []string) error {
	v, err := strconv.ParseUint(values[0], 0, 32)
	if err != nil {
		return fmt.Errorf("offset %q: %w", values[0], err)
	}
	*o = offset(v)
	return nil
}

var parser = participle.MustBuild[layoutFile](
	participle.Lexer(layoutLexer),
	participle.Elide("Whitespace"),
)

// Region is one image placed at a flash offset.
type Region struct {
	Path   string
	Offset uint32
	Data   []byte
}

// End returns the first offset after the region.
func (r Region) End() uint32 { return r.Offset + uint32(len(r.Data)) }

// Layout is an ordered set of regions.
type Layout struct {
	Regions []Region
}

// Parse reads a layout string.
func Parse(s string) (*Layout, error) {
	f, err := parser.ParseString("", s)
	if err != nil {
		return nil, fmt.Errorf("parse layout: %w", err)
	}
	l := &Layout{}
	for _, e := range f.Entries {
		l.Regions = append(l.Regions, Region{Path: e.Path, Offset: uint32(e.Offset)})
	}
	return l, nil
}

// Load reads every region's file. Relative paths are resolved against
// baseDir.
func (l *Layout) Load(baseDir string) error {
	for i := range l.Regions {
		r := &l.Regions[i]
		p := r.Path
		if !filepath.IsAbs(p) {
			p = filepath.Join(baseDir, p)
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("load region %s: %w", r.Path, err)
		}
		r.Data = data
	}
	return nil
}

// Validate checks alignment, overlaps and, if flashSize is positive, that
// every region fits. Regions must be loaded.
func (l *Layout) Validate(flashSize int) error {
	sorted := slices.Clone(l.Regions)
	slices.SortFunc(sorted, func(a, b Region) int { return int(a.Offset) - int(b.Offset) })
	for i, r := range sorted {
		if r.Data == nil {
			return fmt.Errorf("%s: %w", r.Path, ErrNotLoaded)
		}
		if r.Offset%Alignment != 0 {
			return fmt.Errorf("%s at 0x%06X: %w", r.Path, r.Offset, ErrUnaligned)
		}
		if flashSize > 0 && int(r.End()) > flashSize {
			return fmt.Errorf("%s ends at 0x%06X, flash is 0x%06X: %w", r.Path, r.End(), flashSize, ErrTooLarge)
		}
		if i > 0 && sorted[i-1].End() > r.Offset {
			return fmt.Errorf("%s and %s: %w", sorted[i-1].Path, r.Path, ErrOverlap)
		}
	}
	return nil
}

// Size returns the number of bytes the regions cover.
func (l *Layout) Size() int {
	n := 0
	for _, r := range l.Regions {
		n += len(r.Data)
	}
	return n
}

func (l *Layout) String() string {
	parts := make([]string, len(l.Regions))
	for i, r := range l.Regions {
		parts[i] = fmt.Sprintf("%s@0x%X", r.Path, r.Offset)
	}
	return strings.Join(parts, ", ")
}
