// Package tensors - Strided read-only views over raw float32 network outputs.
package tensors

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// ErrShape is returned when a tensor does not have the layout a caller expects.
var ErrShape = errors.New("unexpected tensor shape")

// View is a read-only, possibly non-contiguous view over float32 storage.
//
// Element (i0, i1, ..., in) lives at data[offset + i0*strides[0] + ... + in*strides[n]].
type View struct {
	data    []float32
	shape   []int
	strides []int
	offset  int
}

// New creates a view with explicit strides.
//
// Arguments:
//   - data: The backing storage.
//   - shape: The size of each axis.
//   - strides: The element step of each axis. Must have the same length as shape.
//
// Returns:
//   - View: The view.
//   - error: ErrShape if strides and shape disagree or an element falls outside data.
func New(data []float32, shape, strides []int) (View, error) {
	if len(shape) != len(strides) {
		return View{}, errors.Wrapf(ErrShape, "%d strides for %d axes", len(strides), len(shape))
	}
	v := View{
		data:    data,
		shape:   append([]int(nil), shape...),
		strides: append([]int(nil), strides...),
	}
	if v.Size() == 0 {
		return v, nil
	}
	lo, hi := 0, 0
	for i, n := range shape {
		if n < 0 {
			return View{}, errors.Wrapf(ErrShape, "negative extent %d on axis %d", n, i)
		}
		step := strides[i] * (n - 1)
		if step < 0 {
			lo += step
		} else {
			hi += step
		}
	}
	if lo < 0 || hi >= len(data) {
		return View{}, errors.Wrapf(ErrShape, "shape %v strides %v exceed %d elements", shape, strides, len(data))
	}
	return v, nil
}

// Contiguous creates a row-major view over data.
func Contiguous(data []float32, shape ...int) (View, error) {
	return New(data, shape, RowMajorStrides(shape))
}

// RowMajorStrides returns the strides of a packed row-major tensor of the given shape.
func RowMajorStrides(shape []int) []int {
	strides := make([]int, len(shape))
	acc := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = acc
		acc *= shape[i]
	}
	return strides
}

// FromDense builds a view over a gorgonia dense tensor, keeping its stride
// metadata. Views (slices, transposes) are materialized first so the backing
// storage and strides agree.
//
// Arguments:
//   - d: A float32 dense tensor.
//
// Returns:
//   - View: The view.
//   - error: ErrShape if the tensor is nil or not float32.
func FromDense(d *tensor.Dense) (View, error) {
	if d == nil {
		return View{}, errors.Wrap(ErrShape, "nil tensor")
	}
	if d.Dtype() != tensor.Float32 {
		return View{}, errors.Wrapf(ErrShape, "dtype %v, want float32", d.Dtype())
	}
	if d.IsView() {
		m, ok := d.Materialize().(*tensor.Dense)
		if !ok {
			return View{}, errors.Wrap(ErrShape, "materialize view")
		}
		d = m
	}

	shape := []int(d.Shape())
	strides := d.Strides()
	// Scalars and vectors may report fewer strides than axes.
	if len(strides) != len(shape) {
		strides = RowMajorStrides(shape)
	}
	return New(d.Float32s(), shape, strides)
}

// Shape returns a copy of the axis sizes.
func (v View) Shape() []int {
	return append([]int(nil), v.shape...)
}

// Dims returns the number of axes.
func (v View) Dims() int {
	return len(v.shape)
}

// Dim returns the size of axis i.
func (v View) Dim(i int) int {
	return v.shape[i]
}

// Stride returns the element step of axis i.
func (v View) Stride(i int) int {
	return v.strides[i]
}

// Size returns the number of addressable elements.
func (v View) Size() int {
	if len(v.shape) == 0 {
		return 0
	}
	n := 1
	for _, s := range v.shape {
		n *= s
	}
	return n
}

// At returns the element at the given coordinates. It panics if the number of
// coordinates does not match Dims, like slice indexing does for out-of-range access.
func (v View) At(idx ...int) float32 {
	if len(idx) != len(v.shape) {
		panic("tensors: wrong number of indices")
	}
	off := v.offset
	for i, x := range idx {
		off += x * v.strides[i]
	}
	return v.data[off]
}

// Offset returns the storage position of the given coordinates, for hot loops
// that step through memory with Stride directly.
func (v View) Offset(idx ...int) int {
	off := v.offset
	for i, x := range idx {
		off += x * v.strides[i]
	}
	return off
}

// Data returns the backing storage. Callers must not modify it.
func (v View) Data() []float32 {
	return v.data
}

// Index fixes axis 0 at position i and returns the remaining axes as a view.
func (v View) Index(i int) (View, error) {
	if len(v.shape) == 0 || i < 0 || i >= v.shape[0] {
		return View{}, errors.Wrapf(ErrShape, "index %d out of range for shape %v", i, v.shape)
	}
	return View{
		data:    v.data,
		shape:   v.shape[1:],
		strides: v.strides[1:],
		offset:  v.offset + i*v.strides[0],
	}, nil
}

// DropBatch removes a leading batch axis of size one. Views without one are
// returned unchanged.
func (v View) DropBatch(rank int) View {
	if len(v.shape) == rank+1 && v.shape[0] == 1 {
		out, _ := v.Index(0)
		return out
	}
	return v
}
