package trainer

import (
	"fmt"
	"io"
	"math/rand"

	"github.com/tom-pollak/interp-training/internal/acts"
)

// BatchSource yields training batches of flattened activation rows, each
// row NModels*DIn wide. Next returns io.EOF when the source is exhausted.
type BatchSource interface {
	Next() ([][]float32, error)
	TotalBatches() int
}

// TableSource serves batches from a merged activation table: one sample per
// token position, the per-step columns concatenated in step order. Token
// positions are visited in a shuffled order, one pass, dropping the final
// partial batch.
type TableSource struct {
	table     *acts.Table
	batchSize int
	order     []int
	pos       int
}

func NewTableSource(path string, batchSize int, seed int64) (*TableSource, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("invalid batch size: %d", batchSize)
	}
	table, err := acts.ReadTable(path)
	if err != nil {
		return nil, err
	}
	if table.Rows < batchSize {
		return nil, fmt.Errorf("table has %d rows, need at least one batch of %d", table.Rows, batchSize)
	}

	order := rand.New(rand.NewSource(seed)).Perm(table.Rows)
	return &TableSource{table: table, batchSize: batchSize, order: order}, nil
}

// NModels returns the number of checkpoint columns in the table.
func (s *TableSource) NModels() int { return len(s.table.Steps) }

// Dim returns the activation width of a single checkpoint column.
func (s *TableSource) Dim() int { return s.table.Dim }

func (s *TableSource) TotalBatches() int { return s.table.Rows / s.batchSize }

func (s *TableSource) Next() ([][]float32, error) {
	if s.pos+s.batchSize > len(s.order) {
		return nil, io.EOF
	}

	width := len(s.table.Steps) * s.table.Dim
	batch := make([][]float32, s.batchSize)
	for i := range batch {
		row := make([]float32, 0, width)
		for _, col := range s.table.Row(s.order[s.pos+i]) {
			row = append(row, col...)
		}
		batch[i] = row
	}
	s.pos += s.batchSize
	return batch, nil
}
