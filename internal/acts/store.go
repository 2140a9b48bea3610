// Package acts persists per-token activation vectors as Arrow tables. Each
// caching worker writes one table per checkpoint step; the merge phase
// concatenates them column-wise into a single wide table, one
// FixedSizeList<float32> column per step, keyed by token position.
package acts

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

const MergedTableName = "merged.arrow"

// StepTablePath names the per-step activation table under an output root.
func StepTablePath(outDir string, step int) string {
	return filepath.Join(outDir, fmt.Sprintf("step%d.arrow", step))
}

// Table is an in-memory activation table: Rows token positions by
// len(Steps) checkpoint columns of width Dim.
type Table struct {
	Steps   []int
	Dim     int
	Rows    int
	Columns map[int][]float32 // step -> flat rows*Dim values
}

// Column returns the flat activation data for one checkpoint step.
func (t *Table) Column(step int) ([]float32, bool) {
	col, ok := t.Columns[step]
	return col, ok
}

// Row returns the [len(Steps)][Dim] slice views for one token position,
// ordered like Steps.
func (t *Table) Row(i int) [][]float32 {
	out := make([][]float32, len(t.Steps))
	for m, step := range t.Steps {
		col := t.Columns[step]
		out[m] = col[i*t.Dim : (i+1)*t.Dim]
	}
	return out
}

// WriteStepTable writes one checkpoint's activation rows as an Arrow IPC
// file with a single column named after the step.
func WriteStepTable(path string, step, dim int, rows [][]float32) error {
	schema := stepSchema([]int{step}, dim)

	bldr := array.NewRecordBuilder(memory.DefaultAllocator, schema)
	defer bldr.Release()

	lb := bldr.Field(0).(*array.FixedSizeListBuilder)
	vb := lb.ValueBuilder().(*array.Float32Builder)
	for i, row := range rows {
		if len(row) != dim {
			return fmt.Errorf("row %d has width %d, want %d", i, len(row), dim)
		}
		lb.Append(true)
		vb.AppendValues(row, nil)
	}

	rec := bldr.NewRecord()
	defer rec.Release()

	return writeRecord(path, rec)
}

// ReadTable loads an activation table (per-step or merged) from disk.
func ReadTable(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open activation table: %w", err)
	}
	defer func() { _ = f.Close() }()

	r, err := ipc.NewFileReader(f, ipc.WithAllocator(memory.DefaultAllocator))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	defer func() { _ = r.Close() }()

	schema := r.Schema()
	steps := make([]int, 0, len(schema.Fields()))
	dim := 0
	for _, field := range schema.Fields() {
		step, err := strconv.Atoi(field.Name)
		if err != nil {
			return nil, fmt.Errorf("column %q is not a checkpoint step", field.Name)
		}
		fsl, ok := field.Type.(*arrow.FixedSizeListType)
		if !ok {
			return nil, fmt.Errorf("column %q has type %s, want fixed_size_list", field.Name, field.Type)
		}
		if dim == 0 {
			dim = int(fsl.Len())
		} else if dim != int(fsl.Len()) {
			return nil, fmt.Errorf("column %q has width %d, others have %d", field.Name, fsl.Len(), dim)
		}
		steps = append(steps, step)
	}

	table := &Table{
		Steps:   steps,
		Dim:     dim,
		Columns: make(map[int][]float32, len(steps)),
	}

	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read record from %s: %w", path, err)
		}

		table.Rows += int(rec.NumRows())
		for i, step := range steps {
			fsl := rec.Column(i).(*array.FixedSizeList)
			vals := fsl.ListValues().(*array.Float32)
			table.Columns[step] = append(table.Columns[step], vals.Float32Values()...)
		}
	}

	for _, step := range steps {
		if len(table.Columns[step]) != table.Rows*dim {
			return nil, fmt.Errorf("column %d has %d values, want %d", step, len(table.Columns[step]), table.Rows*dim)
		}
	}

	return table, nil
}

// Merge concatenates per-step tables column-wise into the merged wide table
// and returns its path. Every step's table must exist and hold the same
// number of rows; a missing or mismatched table fails the merge.
func Merge(outDir string, steps []int) (string, error) {
	ordered := make([]int, len(steps))
	copy(ordered, steps)
	sort.Ints(ordered)

	tables := make([]*Table, len(ordered))
	for i, step := range ordered {
		t, err := ReadTable(StepTablePath(outDir, step))
		if err != nil {
			return "", fmt.Errorf("step %d: %w", step, err)
		}
		tables[i] = t
	}

	rows, dim := tables[0].Rows, tables[0].Dim
	for i, t := range tables {
		if t.Rows != rows {
			return "", fmt.Errorf("step %d has %d rows, step %d has %d", ordered[i], t.Rows, ordered[0], rows)
		}
		if t.Dim != dim {
			return "", fmt.Errorf("step %d has width %d, step %d has %d", ordered[i], t.Dim, ordered[0], dim)
		}
	}

	schema := stepSchema(ordered, dim)
	bldr := array.NewRecordBuilder(memory.DefaultAllocator, schema)
	defer bldr.Release()

	for i, step := range ordered {
		lb := bldr.Field(i).(*array.FixedSizeListBuilder)
		vb := lb.ValueBuilder().(*array.Float32Builder)
		col := tables[i].Columns[step]
		for r := 0; r < rows; r++ {
			lb.Append(true)
			vb.AppendValues(col[r*dim:(r+1)*dim], nil)
		}
	}

	rec := bldr.NewRecord()
	defer rec.Release()

	path := filepath.Join(outDir, MergedTableName)
	if err := writeRecord(path, rec); err != nil {
		return "", err
	}
	return path, nil
}

// ReadMergedRecord loads the merged table as a single Arrow record, the
// form the Flight publisher sends.
func ReadMergedRecord(path string) (arrow.Record, error) {
	t, err := ReadTable(path)
	if err != nil {
		return nil, err
	}

	schema := stepSchema(t.Steps, t.Dim)
	bldr := array.NewRecordBuilder(memory.DefaultAllocator, schema)
	defer bldr.Release()

	for i, step := range t.Steps {
		lb := bldr.Field(i).(*array.FixedSizeListBuilder)
		vb := lb.ValueBuilder().(*array.Float32Builder)
		col := t.Columns[step]
		for r := 0; r < t.Rows; r++ {
			lb.Append(true)
			vb.AppendValues(col[r*t.Dim:(r+1)*t.Dim], nil)
		}
	}

	return bldr.NewRecord(), nil
}

func stepSchema(steps []int, dim int) *arrow.Schema {
	fields := make([]arrow.Field, len(steps))
	for i, step := range steps {
		fields[i] = arrow.Field{
			Name: strconv.Itoa(step),
			Type: arrow.FixedSizeListOf(int32(dim), arrow.PrimitiveTypes.Float32),
		}
	}
	return arrow.NewSchema(fields, nil)
}

func writeRecord(path string, rec arrow.Record) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	w, err := ipc.NewFileWriter(f, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(memory.DefaultAllocator))
	if err != nil {
		return fmt.Errorf("failed to create writer for %s: %w", path, err)
	}
	if err := w.Write(rec); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return w.Close()
}
