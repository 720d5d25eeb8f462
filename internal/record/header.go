package record

import (
	"bytes"
	"fmt"
	"io"

	"github.com/ehrlich-b/tracemem/internal/model"
	"github.com/ehrlich-b/tracemem/internal/wire"
)

// encodeHeader serializes h per spec 3/6: magic, version, flags,
// file_format, pid, main_tid, skipped_frames, length-prefixed command
// line, python_version, and the two trace-capability booleans.
func encodeHeader(h model.Header) []byte {
	var buf bytes.Buffer
	buf.Write(model.Magic[:])
	var u16 [2]byte
	putUint16(u16[:], h.Version)
	buf.Write(u16[:])
	putUint16(u16[:], uint16(h.Flags))
	buf.Write(u16[:])
	buf.WriteByte(byte(h.FileFormat))
	buf.Write(wire.PutUvarint(nil, h.Pid))
	buf.Write(wire.PutUvarint(nil, h.MainTid))
	buf.Write(wire.PutUvarint(nil, uint64(h.SkippedFramesOnMain)))
	buf.Write(wire.PutString(nil, h.CommandLine))
	buf.Write(wire.PutUvarint(nil, uint64(h.PythonVersion)))
	buf.WriteByte(boolByte(h.NativeTracesEnabled))
	buf.WriteByte(boolByte(h.TracePythonAllocators))
	return buf.Bytes()
}

// decodeHeader parses the prologue encodeHeader writes.
func decodeHeader(r wire.ByteReader) (model.Header, error) {
	var h model.Header

	var magic [7]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return h, fmt.Errorf("record: read magic: %w", err)
	}
	if magic != model.Magic {
		return h, fmt.Errorf("record: %w: bad magic %q", ErrFormatVersion, magic)
	}

	var u16 [2]byte
	if _, err := io.ReadFull(r, u16[:]); err != nil {
		return h, fmt.Errorf("record: read version: %w", err)
	}
	h.Version = getUint16(u16[:])
	if h.Version > model.CurrentVersion {
		return h, fmt.Errorf("record: %w: version %d newer than supported %d", ErrFormatVersion, h.Version, model.CurrentVersion)
	}

	if _, err := io.ReadFull(r, u16[:]); err != nil {
		return h, fmt.Errorf("record: read flags: %w", err)
	}
	h.Flags = model.HeaderFlags(getUint16(u16[:]))

	ff, err := r.ReadByte()
	if err != nil {
		return h, fmt.Errorf("record: read file_format: %w", err)
	}
	h.FileFormat = model.FileFormat(ff)

	pid, err := wire.ReadUvarint(r)
	if err != nil {
		return h, fmt.Errorf("record: read pid: %w", err)
	}
	h.Pid = pid

	mainTid, err := wire.ReadUvarint(r)
	if err != nil {
		return h, fmt.Errorf("record: read main_tid: %w", err)
	}
	h.MainTid = mainTid

	skipped, err := wire.ReadUvarint(r)
	if err != nil {
		return h, fmt.Errorf("record: read skipped_frames: %w", err)
	}
	h.SkippedFramesOnMain = uint32(skipped)

	cmdline, err := wire.ReadString(r)
	if err != nil {
		return h, fmt.Errorf("record: read command_line: %w", err)
	}
	h.CommandLine = cmdline

	pyver, err := wire.ReadUvarint(r)
	if err != nil {
		return h, fmt.Errorf("record: read python_version: %w", err)
	}
	h.PythonVersion = uint32(pyver)

	nativeB, err := r.ReadByte()
	if err != nil {
		return h, fmt.Errorf("record: read native_traces_enabled: %w", err)
	}
	h.NativeTracesEnabled = nativeB != 0

	pyAllocB, err := r.ReadByte()
	if err != nil {
		return h, fmt.Errorf("record: read trace_python_allocators: %w", err)
	}
	h.TracePythonAllocators = pyAllocB != 0

	return h, nil
}

func putUint16(b []byte, v uint16) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
}

func getUint16(b []byte) uint16 {
	return uint16(b[0]) | uint16(b[1])<<8
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
