package testsupport

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// EXIFOptions carries the IFD0 fields the hand-built test segment encodes.
// String values must fit inline in a TIFF entry (three bytes plus NUL).
type EXIFOptions struct {
	Orientation int
	Make        string
	Model       string
}

// JPEGWithEXIF renders a fixture JPEG and splices a minimal APP1 Exif segment
// in after the SOI marker. Decoders skip unknown segments, so the image still
// decodes everywhere while EXIF readers see the requested tags.
func JPEGWithEXIF(t testing.TB, width, height, seed int, opts EXIFOptions) []byte {
	t.Helper()

	return SpliceEXIF(t, JPEGBytes(t, width, height, seed), opts)
}

// SpliceEXIF inserts a minimal APP1 Exif segment after the SOI marker of an
// existing JPEG.
func SpliceEXIF(t testing.TB, jpegData []byte, opts EXIFOptions) []byte {
	t.Helper()

	if len(jpegData) < 2 || jpegData[0] != 0xFF || jpegData[1] != 0xD8 {
		t.Fatalf("fixture is not a JPEG: missing SOI marker")
	}
	out := make([]byte, 0, len(jpegData)+64)
	out = append(out, 0xFF, 0xD8)
	out = append(out, exifSegment(t, opts)...)
	out = append(out, jpegData[2:]...)
	return out
}

// WriteJPEGWithEXIF writes an EXIF-bearing fixture JPEG to the target path.
func WriteJPEGWithEXIF(t testing.TB, path string, width, height, seed int, opts EXIFOptions) {
	t.Helper()

	writeBytes(t, path, JPEGWithEXIF(t, width, height, seed, opts))
}

type ifdEntry struct {
	tag   uint16
	typ   uint16
	count uint32
	value [4]byte
}

func exifSegment(t testing.TB, opts EXIFOptions) []byte {
	t.Helper()

	var entries []ifdEntry
	ascii := func(tag uint16, s string) {
		if len(s)+1 > 4 {
			t.Fatalf("inline ascii tag value too long: %q", s)
		}
		var v [4]byte
		copy(v[:], s)
		entries = append(entries, ifdEntry{tag: tag, typ: 2, count: uint32(len(s) + 1), value: v})
	}
	// Entries stay sorted by tag id: Make 0x010F, Model 0x0110,
	// Orientation 0x0112.
	if opts.Make != "" {
		ascii(0x010F, opts.Make)
	}
	if opts.Model != "" {
		ascii(0x0110, opts.Model)
	}
	if opts.Orientation > 0 {
		var v [4]byte
		binary.LittleEndian.PutUint16(v[:2], uint16(opts.Orientation))
		entries = append(entries, ifdEntry{tag: 0x0112, typ: 3, count: 1, value: v})
	}

	tiff := new(bytes.Buffer)
	tiff.WriteString("II")
	mustWrite(t, tiff, uint16(0x2A))
	mustWrite(t, tiff, uint32(8)) // IFD0 offset from TIFF header start
	mustWrite(t, tiff, uint16(len(entries)))
	for _, e := range entries {
		mustWrite(t, tiff, e.tag)
		mustWrite(t, tiff, e.typ)
		mustWrite(t, tiff, e.count)
		tiff.Write(e.value[:])
	}
	mustWrite(t, tiff, uint32(0)) // no next IFD

	payload := append([]byte("Exif\x00\x00"), tiff.Bytes()...)
	length := len(payload) + 2
	segment := []byte{0xFF, 0xE1, byte(length >> 8), byte(length & 0xFF)}
	return append(segment, payload...)
}

func mustWrite(t testing.TB, buf *bytes.Buffer, v any) {
	t.Helper()
	if err := binary.Write(buf, binary.LittleEndian, v); err != nil {
		t.Fatalf("encode exif field: %v", err)
	}
}
