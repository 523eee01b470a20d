package layout

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    []Region
		wantErr bool
	}{
		{
			in:   "spl.bin@0x0",
			want: []Region{{Path: "spl.bin", Offset: 0}},
		},
		{
			in: "spl.bin@0, images/u-boot.itb@0x20000 ,env.bin@983040",
			want: []Region{
				{Path: "spl.bin", Offset: 0},
				{Path: "images/u-boot.itb", Offset: 0x20000},
				{Path: "env.bin", Offset: 0xF0000},
			},
		},
		{in: "", wantErr: true},
		{in: "spl.bin", wantErr: true},
		{in: "spl.bin@", wantErr: true},
		{in: "spl.bin@0x10000,", wantErr: true},
		{in: "spl.bin@zero", wantErr: true},
	}
	for _, tt := range tests {
		got, err := Parse(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("Parse(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if err != nil {
			continue
		}
		if diff := cmp.Diff(tt.want, got.Regions); diff != "" {
			t.Errorf("Parse(%q) (-want +got):\n%s", tt.in, diff)
		}
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.bin"), []byte{1, 2, 3}, 0o644); err != nil {
		t.Fatal(err)
	}
	l, err := Parse("a.bin@0x1000")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if err := l.Load(dir); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if diff := cmp.Diff([]byte{1, 2, 3}, l.Regions[0].Data); diff != "" {
		t.Errorf("data (-want +got):\n%s", diff)
	}
	if l.Size() != 3 || l.Regions[0].End() != 0x1003 {
		t.Errorf("Size() = %d, End() = %#x", l.Size(), l.Regions[0].End())
	}

	missing, _ := Parse("missing.bin@0")
	if err := missing.Load(dir); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Load(missing) error = %v, want ErrNotExist", err)
	}
}

func TestValidate(t *testing.T) {
	data := func(n int) []byte { return make([]byte, n) }
	tests := []struct {
		name    string
		regions []Region
		size    int
		want    error
	}{
		{
			name:    "ok",
			regions: []Region{{Path: "b", Offset: 0x2000, Data: data(10)}, {Path: "a", Offset: 0, Data: data(0x2000)}},
			size:    0x10000,
		},
		{name: "unaligned", regions: []Region{{Path: "a", Offset: 0x100, Data: data(1)}}, want: ErrUnaligned},
		{
			name:    "overlap",
			regions: []Region{{Path: "a", Offset: 0, Data: data(0x1001)}, {Path: "b", Offset: 0x1000, Data: data(1)}},
			want:    ErrOverlap,
		},
		{name: "too large", regions: []Region{{Path: "a", Offset: 0xF000, Data: data(0x1001)}}, size: 0x10000, want: ErrTooLarge},
		{name: "not loaded", regions: []Region{{Path: "a"}}, want: ErrNotLoaded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := (&Layout{Regions: tt.regions}).Validate(tt.size)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Validate() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestString(t *testing.T) {
	l, err := Parse("spl.bin@0, u-boot.itb@131072")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if got, want := l.String(), "spl.bin@0x0, u-boot.itb@0x20000"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
