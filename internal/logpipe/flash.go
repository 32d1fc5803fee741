package logpipe

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/andybalholm/brotli"
)

// FlashDevice is the narrow hardware interface the flash sink writes
// through; the real flash controller is an out-of-scope collaborator
// per spec §1 — only this interface boundary is owned here.
type FlashDevice interface {
	SectorSize() int64
	WriteAt(offset int64, data []byte) error
	EraseSector(sectorIndex int64) error
}

// FlashSink implements Destination over a FlashDevice, persisting a
// contiguous byte stream of formatted log lines (spec §6 "Persisted
// state"), with sector-aligned wraparound (spec §4.5).
//
// SPEC_FULL §4.5 (added, from original_source): each record is
// brotli-compressed before the aligned write; the 4-byte length field
// still describes the compressed length, and recovery remains a linear
// scan that decompresses each frame.
type FlashSink struct {
	dev    FlashDevice
	offset int64 // region start
	size   int64 // region size

	mu      sync.Mutex
	writePtr int64 // offset from region start, next write position
	staging  []byte
}

// NewFlashSink constructs a flash-backed Destination over [offset, offset+size).
func NewFlashSink(dev FlashDevice, offset, size int64) *FlashSink {
	return &FlashSink{dev: dev, offset: offset, size: size, staging: make([]byte, 0, 512)}
}

func (f *FlashSink) Name() string { return "flash" }

// WriteRecord compresses line, 4-byte-aligns it, and writes it at the
// current write pointer, erasing sectors and wrapping as needed.
func (f *FlashSink) WriteRecord(line string) error {
	var compressed bytes.Buffer
	w := brotli.NewWriterLevel(&compressed, brotli.DefaultCompression)
	if _, err := w.Write([]byte(line)); err != nil {
		return fmt.Errorf("flash: compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("flash: compress close: %w", err)
	}

	var hdr [frameHeaderSize]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(compressed.Len()))
	payload := append(hdr[:], compressed.Bytes()...)
	if pad := len(payload) % 4; pad != 0 {
		payload = append(payload, make([]byte, 4-pad)...)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writeAligned(payload)
}

func (f *FlashSink) writeAligned(payload []byte) error {
	sectorSize := f.dev.SectorSize()

	if f.writePtr+int64(len(payload)) > f.size {
		// Past region end: wrap and erase the starting sector.
		f.writePtr = 0
		if err := f.dev.EraseSector(f.offset / sectorSize); err != nil {
			return fmt.Errorf("flash: erase wrap sector: %w", err)
		}
	}

	startSector := (f.offset + f.writePtr) / sectorSize
	endSector := (f.offset + f.writePtr + int64(len(payload)) - 1) / sectorSize
	if endSector != startSector {
		if err := f.dev.EraseSector(endSector); err != nil {
			return fmt.Errorf("flash: erase crossed sector: %w", err)
		}
	}

	if err := f.dev.WriteAt(f.offset+f.writePtr, payload); err != nil {
		return fmt.Errorf("flash: write: %w", err)
	}
	f.writePtr += int64(len(payload))
	return nil
}
