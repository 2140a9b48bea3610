package acts

import (
	"fmt"
	"io"
	"os"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

const tokensColumn = "tokens"

// WriteTokenDataset writes fixed-length token sequences as an Arrow IPC
// file. The dataset store holds pre-tokenized sequences; extraction never
// tokenizes text itself.
func WriteTokenDataset(path string, contextSize int, seqs [][]int32) error {
	schema := arrow.NewSchema([]arrow.Field{
		{Name: tokensColumn, Type: arrow.FixedSizeListOf(int32(contextSize), arrow.PrimitiveTypes.Int32)},
	}, nil)

	bldr := array.NewRecordBuilder(memory.DefaultAllocator, schema)
	defer bldr.Release()

	lb := bldr.Field(0).(*array.FixedSizeListBuilder)
	vb := lb.ValueBuilder().(*array.Int32Builder)
	for i, seq := range seqs {
		if len(seq) != contextSize {
			return fmt.Errorf("sequence %d has length %d, want %d", i, len(seq), contextSize)
		}
		lb.Append(true)
		vb.AppendValues(seq, nil)
	}

	rec := bldr.NewRecord()
	defer rec.Release()

	return writeRecord(path, rec)
}

// ReadTokenDataset loads a tokenized dataset written by WriteTokenDataset.
func ReadTokenDataset(path string) ([][]int32, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open token dataset: %w", err)
	}
	defer func() { _ = f.Close() }()

	r, err := ipc.NewFileReader(f, ipc.WithAllocator(memory.DefaultAllocator))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read %s: %w", path, err)
	}
	defer func() { _ = r.Close() }()

	schema := r.Schema()
	idx := schema.FieldIndices(tokensColumn)
	if len(idx) != 1 {
		return nil, 0, fmt.Errorf("dataset %s has no %q column", path, tokensColumn)
	}
	fsl, ok := schema.Field(idx[0]).Type.(*arrow.FixedSizeListType)
	if !ok {
		return nil, 0, fmt.Errorf("dataset column %q has type %s, want fixed_size_list", tokensColumn, schema.Field(idx[0]).Type)
	}
	contextSize := int(fsl.Len())

	var seqs [][]int32
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, 0, fmt.Errorf("failed to read record from %s: %w", path, err)
		}

		col := rec.Column(idx[0]).(*array.FixedSizeList)
		vals := col.ListValues().(*array.Int32)
		flat := vals.Int32Values()
		for i := 0; i < int(rec.NumRows()); i++ {
			seq := make([]int32, contextSize)
			copy(seq, flat[i*contextSize:(i+1)*contextSize])
			seqs = append(seqs, seq)
		}
	}

	return seqs, contextSize, nil
}
