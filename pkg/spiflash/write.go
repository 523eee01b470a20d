package spiflash

import (
	"bytes"
	"context"
	"fmt"
)

// Progress receives the completed fraction of an operation, in [0, 1] and
// never decreasing. It is called on the caller's goroutine.
type Progress func(fraction float64)

// Write programs data at addr, which must be sector aligned.
//
// Each sector is read first. A sector whose content already matches is left
// alone and costs no erase cycle. Any other sector is erased, then only the
// pages that are not blank in the target are programmed. Bytes of a
// partially covered last sector that lie outside data keep their old value.
func (f *Flash) Write(ctx context.Context, addr uint32, data []byte, progress Progress) error {
	if addr%SectorSize != 0 {
		return fmt.Errorf("spiflash: write at 0x%06X: %w", addr, ErrUnaligned)
	}
	if progress == nil {
		progress = func(float64) {}
	}
	progress(0)

	var erased, programmed int
	for off := 0; off < len(data); off += SectorSize {
		chunk := data[off:min(off+SectorSize, len(data))]
		sector := addr + uint32(off)

		e, p, err := f.writeSector(ctx, sector, chunk)
		if err != nil {
			return err
		}
		erased += e
		programmed += p
		progress(float64(off+len(chunk)) / float64(len(data)))
	}
	if len(data) == 0 {
		progress(1)
	}
	f.logger.Info("flash write done", "addr", fmt.Sprintf("0x%06X", addr), "bytes", len(data),
		"sectors_erased", erased, "pages_programmed", programmed)
	return nil
}

func (f *Flash) writeSector(ctx context.Context, sector uint32, chunk []byte) (erased, programmed int, err error) {
	current, err := f.Read(ctx, sector, SectorSize)
	if err != nil {
		return 0, 0, err
	}
	target := append([]byte(nil), current...)
	copy(target, chunk)
	if bytes.Equal(current, target) {
		f.logger.Debug("sector unchanged", "addr", fmt.Sprintf("0x%06X", sector))
		return 0, 0, nil
	}

	if !needsErase(current, target) {
		return 0, 0, nil
	}
	if err := f.SectorErase(ctx, sector); err != nil {
		return 0, 0, err
	}
	erased = 1

	blank := bytes.Repeat([]byte{0xFF}, PageSize)
	for p := 0; p < SectorSize; p += PageSize {
		page := target[p : p+PageSize]
		if bytes.Equal(page, blank) {
			continue
		}
		if err := f.PageProgram(ctx, sector+uint32(p), page); err != nil {
			return erased, programmed, err
		}
		programmed++
	}
	return erased, programmed, nil
}

// needsErase reports whether any bit of the sector has to change. Clearing a
// bit (1 to 0) is the case an erase-then-program cycle exists for; setting one
// (0 to 1) cannot be done by programming at all.
func needsErase(current, target []byte) bool {
	for i := range target {
		if current[i]&^target[i] != 0 || target[i]&^current[i] != 0 {
			return true
		}
	}
	return false
}

// Verify reads back the range and reports whether it equals data. Flash is
// not modified.
func (f *Flash) Verify(ctx context.Context, addr uint32, data []byte) (bool, error) {
	got, err := f.Read(ctx, addr, len(data))
	if err != nil {
		return false, err
	}
	return bytes.Equal(got, data), nil
}

// Erase erases every sector overlapping [addr, addr+length).
func (f *Flash) Erase(ctx context.Context, addr uint32, length int, progress Progress) error {
	if addr%SectorSize != 0 {
		return fmt.Errorf("spiflash: erase at 0x%06X: %w", addr, ErrUnaligned)
	}
	if progress == nil {
		progress = func(float64) {}
	}
	progress(0)
	sectors := (length + SectorSize - 1) / SectorSize
	for i := range sectors {
		if err := f.SectorErase(ctx, addr+uint32(i*SectorSize)); err != nil {
			return err
		}
		progress(float64(i+1) / float64(sectors))
	}
	if sectors == 0 {
		progress(1)
	}
	return nil
}
