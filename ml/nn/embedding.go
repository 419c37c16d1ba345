package nn

import (
	"fmt"
	"math"

	"github.com/r2gencmn/r2gen/ml"
)

type Embedding struct {
	Weight ml.Tensor `param:"weight"`
}

func NewEmbedding(b ml.Backend, name string, vocabSize, dim int) *Embedding {
	return &Embedding{
		Weight: b.NewParameter(name+".weight", ml.InitNormal, vocabSize, dim),
	}
}

func (m *Embedding) Forward(ctx ml.Context, hiddenState ml.Tensor) ml.Tensor {
	return m.Weight.Rows(ctx, hiddenState)
}

// PositionalEncoding adds the fixed sinusoidal encoding of "Attention Is
// All You Need" to a [batch, length, dim] tensor. The table is not a
// parameter.
type PositionalEncoding struct {
	dim   int
	table []float32
}

func NewPositionalEncoding(dim, maxLen int) *PositionalEncoding {
	table := make([]float32, maxLen*dim)
	for pos := range maxLen {
		for i := 0; i < dim; i += 2 {
			angle := float64(pos) * math.Exp(-float64(i)*math.Log(10000)/float64(dim))
			table[pos*dim+i] = float32(math.Sin(angle))
			if i+1 < dim {
				table[pos*dim+i+1] = float32(math.Cos(angle))
			}
		}
	}

	return &PositionalEncoding{dim: dim, table: table}
}

// MaxLen is the longest sequence the encoding covers.
func (m *PositionalEncoding) MaxLen() int {
	return len(m.table) / m.dim
}

// Forward adds the encodings of positions [offset, offset+length).
func (m *PositionalEncoding) Forward(ctx ml.Context, t ml.Tensor, offset int) (ml.Tensor, error) {
	end := offset + t.Dim(1)
	if offset < 0 || end > m.MaxLen() {
		return nil, fmt.Errorf("positions [%d, %d) exceed positional encoding length %d", offset, end, m.MaxLen())
	}

	pe, err := ctx.FromFloatSlice(m.table[offset*m.dim:end*m.dim], end-offset, m.dim)
	if err != nil {
		return nil, err
	}

	return t.Add(ctx, pe), nil
}
