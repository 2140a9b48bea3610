package gguf

import "fmt"

const (
	GGUFMagic   = 0x46554747 // "GGUF"
	GGUFVersion = 3
)

type GGMLType uint32

// Checkpoint weights are stored unquantized. Quantized block types exist in
// the wild but a checkpoint store feeding activation extraction keeps full
// precision, so the reader only decodes these two.
const (
	GGMLTypeF32 GGMLType = 0
	GGMLTypeF16 GGMLType = 1
)

type GGUFMetadataValueType uint32

const (
	GGUFMetadataValueTypeUint8   GGUFMetadataValueType = 0
	GGUFMetadataValueTypeInt8    GGUFMetadataValueType = 1
	GGUFMetadataValueTypeUint16  GGUFMetadataValueType = 2
	GGUFMetadataValueTypeInt16   GGUFMetadataValueType = 3
	GGUFMetadataValueTypeUint32  GGUFMetadataValueType = 4
	GGUFMetadataValueTypeInt32   GGUFMetadataValueType = 5
	GGUFMetadataValueTypeFloat32 GGUFMetadataValueType = 6
	GGUFMetadataValueTypeBool    GGUFMetadataValueType = 7
	GGUFMetadataValueTypeString  GGUFMetadataValueType = 8
	GGUFMetadataValueTypeArray   GGUFMetadataValueType = 9
	GGUFMetadataValueTypeUint64  GGUFMetadataValueType = 10
	GGUFMetadataValueTypeInt64   GGUFMetadataValueType = 11
	GGUFMetadataValueTypeFloat64 GGUFMetadataValueType = 12
)

type TensorInfo struct {
	Name       string
	Dimensions []uint64 // ne (number of elements) in each dimension
	Type       GGMLType
	Offset     uint64 // Offset relative to data start
	Data       []byte // Byte slice into the mmap'd file
}

func (t *TensorInfo) NumElements() uint64 {
	n := uint64(1)
	for _, d := range t.Dimensions {
		n *= d
	}
	return n
}

func (t *TensorInfo) SizeBytes() uint64 {
	switch t.Type {
	case GGMLTypeF32:
		return t.NumElements() * 4
	case GGMLTypeF16:
		return t.NumElements() * 2
	default:
		return 0
	}
}

type GGUFFile struct {
	Header     GGUFHeader
	KV         map[string]interface{}
	Tensors    []*TensorInfo
	Data       []byte // The raw mmap'd data
	DataOffset uint64 // Offset where the tensor data starts
}

// Tensor returns the tensor info with the given name, or nil.
func (f *GGUFFile) Tensor(name string) *TensorInfo {
	for _, t := range f.Tensors {
		if t.Name == name {
			return t
		}
	}
	return nil
}

// Uint returns an integer-valued KV entry regardless of its stored width.
func (f *GGUFFile) Uint(key string) (uint64, bool) {
	switch v := f.KV[key].(type) {
	case uint8:
		return uint64(v), true
	case uint16:
		return uint64(v), true
	case uint32:
		return uint64(v), true
	case uint64:
		return v, true
	case int32:
		return uint64(v), true
	case int64:
		return uint64(v), true
	}
	return 0, false
}

// Float returns a float-valued KV entry.
func (f *GGUFFile) Float(key string) (float64, bool) {
	switch v := f.KV[key].(type) {
	case float32:
		return float64(v), true
	case float64:
		return v, true
	}
	return 0, false
}

// String returns a string-valued KV entry.
func (f *GGUFFile) String(key string) (string, bool) {
	v, ok := f.KV[key].(string)
	return v, ok
}

type GGUFHeader struct {
	Magic       uint32
	Version     uint32
	TensorCount uint64
	KVCount     uint64
}

// Error types
type ErrInvalidMagic struct{ Magic uint32 }

func (e ErrInvalidMagic) Error() string {
	return fmt.Sprintf("invalid GGUF magic: %x", e.Magic)
}

type ErrUnsupportedVersion struct{ Version uint32 }

func (e ErrUnsupportedVersion) Error() string {
	return fmt.Sprintf("unsupported GGUF version: %d", e.Version)
}

type ErrUnsupportedType struct {
	Tensor string
	Type   GGMLType
}

func (e ErrUnsupportedType) Error() string {
	return fmt.Sprintf("tensor %s has unsupported type %s", e.Tensor, e.Type)
}

func (t GGMLType) String() string {
	switch t {
	case GGMLTypeF32:
		return "F32"
	case GGMLTypeF16:
		return "F16"
	default:
		return fmt.Sprintf("UNKNOWN_TYPE_%d", uint32(t))
	}
}
