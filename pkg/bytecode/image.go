package bytecode

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/fxamacker/cbor/v2"
)

// ImageVersion is the current image format version.
// Increment when making incompatible changes to the format.
const ImageVersion uint16 = 1

// ImageMagic identifies a Vesper program image.
var ImageMagic = [4]byte{'V', 'S', 'P', 'I'}

// CaptureSource says where a closure's upvalue slot is captured from.
type CaptureSource uint8

const (
	// CaptureLocal captures local #Index of the frame executing Closure.
	CaptureLocal CaptureSource = 0

	// CaptureUpvalue re-captures upvalue #Index of the frame executing
	// Closure. This is how transitive capture threads a variable through
	// intermediate functions.
	CaptureUpvalue CaptureSource = 1
)

// String returns a human-readable name for CaptureSource.
func (s CaptureSource) String() string {
	switch s {
	case CaptureLocal:
		return "local"
	case CaptureUpvalue:
		return "upvalue"
	default:
		return fmt.Sprintf("CaptureSource(%d)", s)
	}
}

// CaptureRef is one entry of a function's capture descriptor.
type CaptureRef struct {
	Source CaptureSource
	Index  uint16
}

// HandlerRecord protects an instruction range of a function. Catch and
// Finally are byte offsets into the bytecode; -1 means absent. EvalDepth is
// the evaluation stack depth at try entry, restored before entering the
// handler.
type HandlerRecord struct {
	Start     uint32
	End       uint32 // exclusive
	Catch     int32
	Finally   int32
	EvalDepth uint16
}

// Covers reports whether the record protects the given offset.
func (h HandlerRecord) Covers(ip uint32) bool {
	return ip >= h.Start && ip < h.End
}

// FuncDesc describes one function of an image.
type FuncDesc struct {
	Entry       uint32
	NumArgs     uint16
	NumLocals   uint16
	NumUpvalues uint16
	HasVarArgs  bool
	IsSequence  bool
	DebugName   string
	Captures    []CaptureRef
	Handlers    []HandlerRecord
}

// ---------------------------------------------------------------------------
// Debug tables
// ---------------------------------------------------------------------------

// PositionEntry maps a bytecode offset to a source position. File indexes
// the image string pool.
type PositionEntry struct {
	Offset uint32 `cbor:"1,keyasint"`
	File   uint32 `cbor:"2,keyasint"`
	Line   uint32 `cbor:"3,keyasint"`
}

// StatementEntry marks the offset where a source statement begins.
type StatementEntry struct {
	Offset uint32 `cbor:"1,keyasint"`
	Line   uint32 `cbor:"2,keyasint"`
}

// ScopeEntry is one lexical scope's instruction range.
type ScopeEntry struct {
	ID    uint32 `cbor:"1,keyasint"`
	Start uint32 `cbor:"2,keyasint"`
	End   uint32 `cbor:"3,keyasint"`
}

// FuncNameEntry binds a function index to a name in the string pool.
type FuncNameEntry struct {
	Function uint32 `cbor:"1,keyasint"`
	Name     uint32 `cbor:"2,keyasint"`
}

// DebugInfo carries the tables the linker strips out of the pseudo-op
// stream. It is serialized as a canonical CBOR blob inside the image.
type DebugInfo struct {
	Positions  []PositionEntry  `cbor:"1,keyasint,omitempty"`
	Statements []StatementEntry `cbor:"2,keyasint,omitempty"`
	Scopes     []ScopeEntry     `cbor:"3,keyasint,omitempty"`
	FuncNames  []FuncNameEntry  `cbor:"4,keyasint,omitempty"`
}

// Empty reports whether no table has entries.
func (d *DebugInfo) Empty() bool {
	return d == nil ||
		(len(d.Positions) == 0 && len(d.Statements) == 0 &&
			len(d.Scopes) == 0 && len(d.FuncNames) == 0)
}

// PositionFor returns the source position of the instruction at or before
// offset. ok is false when no position is recorded.
func (d *DebugInfo) PositionFor(offset uint32) (file, line uint32, ok bool) {
	if d == nil {
		return 0, 0, false
	}
	for i := len(d.Positions) - 1; i >= 0; i-- {
		if d.Positions[i].Offset <= offset {
			return d.Positions[i].File, d.Positions[i].Line, true
		}
	}
	return 0, 0, false
}

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("bytecode: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// ---------------------------------------------------------------------------
// Image
// ---------------------------------------------------------------------------

// Image is the immutable, linkable compilation artifact: constant pools,
// function table, bytecode, and optional debug tables. The VM never mutates
// an Image; one Image may be shared by any number of VM instances.
type Image struct {
	Numbers   []float64
	Strings   []string
	Functions []FuncDesc
	Code      []byte
	Debug     *DebugInfo
}

// Main returns the entry function descriptor: function 0.
func (img *Image) Main() *FuncDesc {
	return &img.Functions[0]
}

// StringAt returns string pool entry i, or "" when out of range.
func (img *Image) StringAt(i uint32) string {
	if int(i) >= len(img.Strings) {
		return ""
	}
	return img.Strings[i]
}

// Serialize encodes the image to its binary layout:
//
//	magic(4) version(u16)
//	#numbers(u32) numbers(f64*)
//	#strings(u32) (len(u32) + UTF-8 bytes)*
//	#functions(u32) function table
//	code length(u32) code bytes
//	debug length(u32) debug bytes (canonical CBOR; length 0 when absent)
//
// All integers are little-endian to match operand encoding.
func (img *Image) Serialize() ([]byte, error) {
	buf := make([]byte, 0, 64+len(img.Code))
	buf = append(buf, ImageMagic[:]...)
	buf = binary.LittleEndian.AppendUint16(buf, ImageVersion)

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(img.Numbers)))
	for _, n := range img.Numbers {
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(n))
	}

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(img.Strings)))
	for _, s := range img.Strings {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(s)))
		buf = append(buf, s...)
	}

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(img.Functions)))
	for _, fn := range img.Functions {
		buf = binary.LittleEndian.AppendUint32(buf, fn.Entry)
		buf = binary.LittleEndian.AppendUint16(buf, fn.NumArgs)
		buf = binary.LittleEndian.AppendUint16(buf, fn.NumLocals)
		buf = binary.LittleEndian.AppendUint16(buf, fn.NumUpvalues)
		var flags byte
		if fn.HasVarArgs {
			flags |= 1
		}
		if fn.IsSequence {
			flags |= 2
		}
		buf = append(buf, flags)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(fn.DebugName)))
		buf = append(buf, fn.DebugName...)

		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(fn.Captures)))
		for _, c := range fn.Captures {
			buf = append(buf, byte(c.Source))
			buf = binary.LittleEndian.AppendUint16(buf, c.Index)
		}

		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(fn.Handlers)))
		for _, h := range fn.Handlers {
			buf = binary.LittleEndian.AppendUint32(buf, h.Start)
			buf = binary.LittleEndian.AppendUint32(buf, h.End)
			buf = binary.LittleEndian.AppendUint32(buf, uint32(h.Catch))
			buf = binary.LittleEndian.AppendUint32(buf, uint32(h.Finally))
			buf = binary.LittleEndian.AppendUint16(buf, h.EvalDepth)
		}
	}

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(img.Code)))
	buf = append(buf, img.Code...)

	if img.Debug.Empty() {
		buf = binary.LittleEndian.AppendUint32(buf, 0)
	} else {
		dbg, err := cborEncMode.Marshal(img.Debug)
		if err != nil {
			return nil, fmt.Errorf("bytecode: marshal debug info: %w", err)
		}
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(dbg)))
		buf = append(buf, dbg...)
	}

	return buf, nil
}

// imageReader tracks a cursor with truncation checks.
type imageReader struct {
	data []byte
	pos  int
}

func (r *imageReader) need(n int, what string) error {
	if r.pos+n > len(r.data) {
		return fmt.Errorf("bytecode: unexpected end of image reading %s at offset %d", what, r.pos)
	}
	return nil
}

func (r *imageReader) u16(what string) (uint16, error) {
	if err := r.need(2, what); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint16(r.data[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *imageReader) u32(what string) (uint32, error) {
	if err := r.need(4, what); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(r.data[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *imageReader) u64(what string) (uint64, error) {
	if err := r.need(8, what); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(r.data[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *imageReader) bytes(n int, what string) ([]byte, error) {
	if err := r.need(n, what); err != nil {
		return nil, err
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// LoadImage decodes a serialized image, validating magic and version.
func LoadImage(data []byte) (*Image, error) {
	r := &imageReader{data: data}

	magic, err := r.bytes(4, "magic")
	if err != nil {
		return nil, err
	}
	if string(magic) != string(ImageMagic[:]) {
		return nil, fmt.Errorf("bytecode: invalid image magic %q", magic)
	}
	version, err := r.u16("version")
	if err != nil {
		return nil, err
	}
	if version > ImageVersion {
		return nil, fmt.Errorf("bytecode: image version %d is newer than supported version %d",
			version, ImageVersion)
	}

	img := &Image{}

	numCount, err := r.u32("number count")
	if err != nil {
		return nil, err
	}
	img.Numbers = make([]float64, numCount)
	for i := range img.Numbers {
		bits, err := r.u64("number")
		if err != nil {
			return nil, err
		}
		img.Numbers[i] = math.Float64frombits(bits)
	}

	strCount, err := r.u32("string count")
	if err != nil {
		return nil, err
	}
	img.Strings = make([]string, strCount)
	for i := range img.Strings {
		n, err := r.u32("string length")
		if err != nil {
			return nil, err
		}
		b, err := r.bytes(int(n), "string")
		if err != nil {
			return nil, err
		}
		img.Strings[i] = string(b)
	}

	fnCount, err := r.u32("function count")
	if err != nil {
		return nil, err
	}
	img.Functions = make([]FuncDesc, fnCount)
	for i := range img.Functions {
		fn := &img.Functions[i]
		if fn.Entry, err = r.u32("function entry"); err != nil {
			return nil, err
		}
		if fn.NumArgs, err = r.u16("arg count"); err != nil {
			return nil, err
		}
		if fn.NumLocals, err = r.u16("local count"); err != nil {
			return nil, err
		}
		if fn.NumUpvalues, err = r.u16("upvalue count"); err != nil {
			return nil, err
		}
		flagsB, err := r.bytes(1, "function flags")
		if err != nil {
			return nil, err
		}
		fn.HasVarArgs = flagsB[0]&1 != 0
		fn.IsSequence = flagsB[0]&2 != 0

		nameLen, err := r.u32("debug name length")
		if err != nil {
			return nil, err
		}
		nameB, err := r.bytes(int(nameLen), "debug name")
		if err != nil {
			return nil, err
		}
		fn.DebugName = string(nameB)

		capCount, err := r.u16("capture count")
		if err != nil {
			return nil, err
		}
		if capCount > 0 {
			fn.Captures = make([]CaptureRef, capCount)
		}
		for j := range fn.Captures {
			srcB, err := r.bytes(1, "capture source")
			if err != nil {
				return nil, err
			}
			fn.Captures[j].Source = CaptureSource(srcB[0])
			if fn.Captures[j].Index, err = r.u16("capture index"); err != nil {
				return nil, err
			}
		}

		hCount, err := r.u16("handler count")
		if err != nil {
			return nil, err
		}
		if hCount > 0 {
			fn.Handlers = make([]HandlerRecord, hCount)
		}
		for j := range fn.Handlers {
			h := &fn.Handlers[j]
			if h.Start, err = r.u32("handler start"); err != nil {
				return nil, err
			}
			if h.End, err = r.u32("handler end"); err != nil {
				return nil, err
			}
			c, err := r.u32("handler catch")
			if err != nil {
				return nil, err
			}
			h.Catch = int32(c)
			f, err := r.u32("handler finally")
			if err != nil {
				return nil, err
			}
			h.Finally = int32(f)
			if h.EvalDepth, err = r.u16("handler depth"); err != nil {
				return nil, err
			}
		}
	}

	codeLen, err := r.u32("code length")
	if err != nil {
		return nil, err
	}
	codeB, err := r.bytes(int(codeLen), "code")
	if err != nil {
		return nil, err
	}
	img.Code = append([]byte(nil), codeB...)

	dbgLen, err := r.u32("debug length")
	if err != nil {
		return nil, err
	}
	if dbgLen > 0 {
		dbgB, err := r.bytes(int(dbgLen), "debug section")
		if err != nil {
			return nil, err
		}
		var dbg DebugInfo
		if err := cbor.Unmarshal(dbgB, &dbg); err != nil {
			return nil, fmt.Errorf("bytecode: unmarshal debug info: %w", err)
		}
		img.Debug = &dbg
	}

	if r.pos != len(data) {
		return nil, fmt.Errorf("bytecode: %d trailing bytes after image", len(data)-r.pos)
	}
	return img, nil
}
