package gguf

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"sort"
)

// Tensor is an in-memory tensor destined for a GGUF file. Data is row-major
// float32; the writer always emits F32.
type Tensor struct {
	Name string
	Dims []uint64
	Data []float32
}

const writeAlignment = 32

// WriteFile serializes metadata and tensors as a version-3 GGUF file.
// Checkpoint stores use this to lay down synthetic revisions; tests use it
// for fixtures.
func WriteFile(path string, kv map[string]interface{}, tensors []Tensor) error {
	for _, t := range tensors {
		n := uint64(1)
		for _, d := range t.Dims {
			n *= d
		}
		if n != uint64(len(t.Data)) {
			return fmt.Errorf("tensor %s: dims %v imply %d elements, have %d", t.Name, t.Dims, n, len(t.Data))
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	w := bufio.NewWriter(f)
	written := uint64(0)
	put := func(v interface{}) {
		_ = binary.Write(w, binary.LittleEndian, v)
		written += uint64(binary.Size(v))
	}
	putString := func(s string) {
		put(uint64(len(s)))
		_, _ = w.WriteString(s)
		written += uint64(len(s))
	}

	put(uint32(GGUFMagic))
	put(uint32(GGUFVersion))
	put(uint64(len(tensors)))
	put(uint64(len(kv)))

	// Deterministic key order keeps byte-identical output for equal input.
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		putString(k)
		switch v := kv[k].(type) {
		case uint32:
			put(uint32(GGUFMetadataValueTypeUint32))
			put(v)
		case uint64:
			put(uint32(GGUFMetadataValueTypeUint64))
			put(v)
		case int32:
			put(uint32(GGUFMetadataValueTypeInt32))
			put(v)
		case float32:
			put(uint32(GGUFMetadataValueTypeFloat32))
			put(v)
		case bool:
			put(uint32(GGUFMetadataValueTypeBool))
			if v {
				put(uint8(1))
			} else {
				put(uint8(0))
			}
		case string:
			put(uint32(GGUFMetadataValueTypeString))
			putString(v)
		default:
			return fmt.Errorf("unsupported KV type for key %s: %T", k, v)
		}
	}

	// Tensor infos, offsets relative to the aligned data start.
	dataOff := uint64(0)
	for _, t := range tensors {
		putString(t.Name)
		put(uint32(len(t.Dims)))
		for _, d := range t.Dims {
			put(d)
		}
		put(uint32(GGMLTypeF32))
		put(dataOff)
		size := uint64(len(t.Data)) * 4
		dataOff += align(size, writeAlignment)
	}

	if pad := align(written, writeAlignment) - written; pad > 0 {
		_, _ = w.Write(make([]byte, pad))
		written += pad
	}

	for _, t := range tensors {
		size := uint64(len(t.Data)) * 4
		put(t.Data)
		if pad := align(size, writeAlignment) - size; pad > 0 {
			_, _ = w.Write(make([]byte, pad))
			written += pad
		}
	}

	return w.Flush()
}

func align(n, a uint64) uint64 {
	return (n + a - 1) / a * a
}
