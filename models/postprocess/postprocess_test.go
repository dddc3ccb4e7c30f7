package postprocess

import (
	"testing"

	"github.com/chewxy/math32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/go-plantseg/images"
	"github.com/nvr-ai/go-plantseg/models"
	"github.com/nvr-ai/go-plantseg/tensors"
)

// headBuilder fills a channels × anchors detection head in row-major order.
type headBuilder struct {
	channels, anchors int
	data              []float32
}

func newHead(channels, anchors int) *headBuilder {
	return &headBuilder{channels: channels, anchors: anchors, data: make([]float32, channels*anchors)}
}

func (h *headBuilder) set(channel, anchor int, v float32) {
	h.data[channel*h.anchors+anchor] = v
}

// anchor writes a box in grid units, a score for one class and optional coefficients.
func (h *headBuilder) anchor(a int, cx, cy, w, hh float32, class int, score float32, coeffs ...float32) {
	h.set(0, a, cx)
	h.set(1, a, cy)
	h.set(2, a, w)
	h.set(3, a, hh)
	h.set(4+class, a, score)
	for i, c := range coeffs {
		h.set(4+6+i, a, c)
	}
}

func (h *headBuilder) view(t *testing.T) tensors.View {
	v, err := tensors.Contiguous(h.data, 1, h.channels, h.anchors)
	require.NoError(t, err)
	return v
}

func TestDecodeAllZero(t *testing.T) {
	h := newHead(4+6+32, 8400)
	dets, err := Decode(h.view(t), DefaultDecodeConfig())
	require.NoError(t, err)
	assert.Empty(t, dets)
	assert.NotNil(t, dets)
}

func TestDecodeSingleAnchor(t *testing.T) {
	h := newHead(4+6+32, 10)
	coeffs := make([]float32, 32)
	for i := range coeffs {
		coeffs[i] = float32(i) / 10
	}
	h.anchor(3, 320, 320, 64, 64, models.ClassRust, 0.9, coeffs...)
	h.set(4+models.ClassStalk, 3, 0.4) // lower score on another class

	dets, err := Decode(h.view(t), DefaultDecodeConfig())
	require.NoError(t, err)
	require.Len(t, dets, 1)

	d := dets[0]
	assert.Equal(t, models.ClassRust, d.Class)
	assert.InDelta(t, 0.9, d.Score, 1e-6)
	assert.InDelta(t, 0.45, d.Box.X, 1e-6)
	assert.InDelta(t, 0.45, d.Box.Y, 1e-6)
	assert.InDelta(t, 0.1, d.Box.W, 1e-6)
	assert.InDelta(t, 0.1, d.Box.H, 1e-6)
	assert.Equal(t, coeffs, d.Coefficients)
	assert.True(t, d.HasMask(32))
}

func TestDecodeThresholdIsStrict(t *testing.T) {
	h := newHead(4+6, 2)
	h.anchor(0, 100, 100, 10, 10, models.ClassStalk, 0.25)
	h.anchor(1, 200, 200, 10, 10, models.ClassStalk, 0.26)

	dets, err := Decode(h.view(t), DefaultDecodeConfig())
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.InDelta(t, 0.26, dets[0].Score, 1e-6)
	assert.Nil(t, dets[0].Coefficients, "no mask channels means no coefficients")
}

func TestDecodeSkipsNaNScores(t *testing.T) {
	nan := math32.NaN()
	h := newHead(4+6, 2)
	h.anchor(0, 320, 320, 64, 64, models.ClassStalk, nan)
	for c := 0; c < 6; c++ {
		h.set(4+c, 0, nan)
	}
	// A NaN in the first class channel must not hide a real score behind it.
	h.anchor(1, 320, 320, 64, 64, models.ClassRust, 0.7)
	h.set(4+models.ClassStalk, 1, nan)

	dets, err := Decode(h.view(t), DefaultDecodeConfig())
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.Equal(t, models.ClassRust, dets[0].Class)
	assert.InDelta(t, 0.7, dets[0].Score, 1e-6)
}

func TestDecodeNaNBoxChannel(t *testing.T) {
	h := newHead(4+6, 1)
	h.anchor(0, math32.NaN(), 320, 64, math32.NaN(), models.ClassSpear, 0.8)

	dets, err := Decode(h.view(t), DefaultDecodeConfig())
	require.NoError(t, err)
	require.Len(t, dets, 1)
	b := dets[0].Box
	for _, c := range []float32{b.X, b.Y, b.W, b.H} {
		assert.False(t, math32.IsNaN(c))
		assert.GreaterOrEqual(t, c, float32(0))
		assert.LessOrEqual(t, c, float32(1))
	}
	assert.Equal(t, float32(0), b.X)
	assert.Equal(t, float32(0), b.H)
}

func TestDecodeClampsBox(t *testing.T) {
	h := newHead(4+6, 2)
	h.anchor(0, 0, 0, 100, 100, models.ClassSpear, 0.8)
	h.anchor(1, 640, 640, 1400, 1400, models.ClassSpear, 0.8)

	dets, err := Decode(h.view(t), DefaultDecodeConfig())
	require.NoError(t, err)
	require.Len(t, dets, 2)

	for _, d := range dets {
		for _, c := range []float32{d.Box.X, d.Box.Y, d.Box.W, d.Box.H} {
			assert.GreaterOrEqual(t, c, float32(0))
			assert.LessOrEqual(t, c, float32(1))
		}
	}
	assert.Equal(t, float32(0), dets[0].Box.X)
	assert.Equal(t, float32(1), dets[1].Box.W)
}

func TestDecodeStopsAtCap(t *testing.T) {
	h := newHead(4+6, 150)
	for a := 0; a < 150; a++ {
		// Later anchors score higher; the cap must still keep the first 100.
		h.anchor(a, 320, 320, 10, 10, models.ClassBranch, 0.3+float32(a)/1000)
	}

	dets, err := Decode(h.view(t), DefaultDecodeConfig())
	require.NoError(t, err)
	require.Len(t, dets, 100)
	assert.InDelta(t, 0.3, dets[0].Score, 1e-6)
	assert.InDelta(t, 0.399, dets[99].Score, 1e-6)
}

func TestDecodeMismatchedMaskChannels(t *testing.T) {
	h := newHead(4+6+5, 1)
	h.anchor(0, 320, 320, 10, 10, models.ClassStalk, 0.9)

	dets, err := Decode(h.view(t), DefaultDecodeConfig())
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.Nil(t, dets[0].Coefficients)
	assert.False(t, dets[0].HasMask(32))
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name  string
		shape []int
	}{
		{"too few channels", []int{1, 9, 10}},
		{"batch of two", []int{2, 42, 10}},
		{"prototype shaped", []int{1, 32, 4, 4}},
		{"no anchors", []int{1, 42, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := 1
			for _, s := range tt.shape {
				n *= s
			}
			v, err := tensors.Contiguous(make([]float32, n), tt.shape...)
			require.NoError(t, err)

			dets, err := Decode(v, DefaultDecodeConfig())
			assert.ErrorIs(t, err, ErrShape)
			assert.Empty(t, dets)
			assert.NotNil(t, dets)
		})
	}
}

func TestDecodeStridedStorage(t *testing.T) {
	// Same head stored anchor-major: element (c, a) at a*channels + c.
	const channels, anchors = 4 + 6, 3
	data := make([]float32, channels*anchors)
	put := func(c, a int, v float32) { data[a*channels+c] = v }
	put(0, 1, 320)
	put(1, 1, 160)
	put(2, 1, 64)
	put(3, 1, 32)
	put(4+models.ClassPurpleSpot, 1, 0.7)

	v, err := tensors.New(data, []int{1, channels, anchors}, []int{channels * anchors, 1, channels})
	require.NoError(t, err)

	dets, err := Decode(v, DefaultDecodeConfig())
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.Equal(t, models.ClassPurpleSpot, dets[0].Class)
	assert.InDelta(t, 0.45, dets[0].Box.X, 1e-6)
	assert.InDelta(t, 0.225, dets[0].Box.Y, 1e-6)
}

func det(class int, score float32, box images.Rect) Detection {
	return Detection{Class: class, Score: score, Box: box}
}

func TestNMSSameClass(t *testing.T) {
	a := det(models.ClassStalk, 0.7, images.Rect{X: 0, Y: 0, W: 0.5, H: 0.4})
	b := det(models.ClassStalk, 0.9, images.Rect{X: 0, Y: 0, W: 0.5, H: 0.5})
	require.InDelta(t, 0.8, images.IoU(a.Box, b.Box), 1e-4)

	kept := ApplyNMS([]Detection{a, b}, DefaultNMSConfig())
	require.Len(t, kept, 1)
	assert.InDelta(t, 0.9, kept[0].Score, 1e-6)
}

func TestNMSDifferentClass(t *testing.T) {
	a := det(models.ClassStalk, 0.7, images.Rect{X: 0, Y: 0, W: 0.5, H: 0.4})
	b := det(models.ClassRust, 0.9, images.Rect{X: 0, Y: 0, W: 0.5, H: 0.5})

	kept := ApplyNMS([]Detection{a, b}, DefaultNMSConfig())
	require.Len(t, kept, 2)
	assert.Equal(t, models.ClassRust, kept[0].Class, "output is score-descending")
	assert.Equal(t, models.ClassStalk, kept[1].Class)

	kept = ApplyNMS([]Detection{a, b}, NMSConfig{IoUThreshold: 0.5})
	assert.Len(t, kept, 1, "class-agnostic mode suppresses across classes")
}

func TestNMSSuppressedDoNotSuppress(t *testing.T) {
	a := det(models.ClassSpear, 0.9, images.Rect{X: 0, Y: 0, W: 0.2, H: 0.2})
	b := det(models.ClassSpear, 0.8, images.Rect{X: 0.05, Y: 0, W: 0.2, H: 0.2})
	c := det(models.ClassSpear, 0.7, images.Rect{X: 0.1, Y: 0, W: 0.2, H: 0.2})
	require.Greater(t, images.IoU(a.Box, b.Box), float32(0.5))
	require.Greater(t, images.IoU(b.Box, c.Box), float32(0.5))
	require.Less(t, images.IoU(a.Box, c.Box), float32(0.5))

	kept := ApplyNMS([]Detection{c, b, a}, DefaultNMSConfig())
	require.Len(t, kept, 2)
	assert.InDelta(t, 0.9, kept[0].Score, 1e-6)
	assert.InDelta(t, 0.7, kept[1].Score, 1e-6)
}

func TestNMSEmpty(t *testing.T) {
	kept := ApplyNMS(nil, DefaultNMSConfig())
	assert.NotNil(t, kept)
	assert.Empty(t, kept)
}

func TestNMSDoesNotModifyInput(t *testing.T) {
	in := []Detection{
		det(models.ClassStalk, 0.1, images.Rect{W: 0.1, H: 0.1}),
		det(models.ClassStalk, 0.9, images.Rect{X: 0.5, W: 0.1, H: 0.1}),
	}
	_ = ApplyNMS(in, DefaultNMSConfig())
	assert.InDelta(t, 0.1, in[0].Score, 1e-6)
}

func TestFilterDiseaseOverlap(t *testing.T) {
	plant := det(models.ClassStalk, 0.8, images.Rect{X: 0.1, Y: 0.1, W: 0.2, H: 0.6})
	onPlant := det(models.ClassRust, 0.7, images.Rect{X: 0.2, Y: 0.3, W: 0.1, H: 0.1})
	isolated := det(models.ClassPurpleSpot, 0.9, images.Rect{X: 0.7, Y: 0.7, W: 0.1, H: 0.1})
	unknown := det(17, 0.6, images.Rect{X: 0.8, Y: 0.1, W: 0.1, H: 0.1})

	in := []Detection{isolated, plant, onPlant, unknown}

	out := FilterDiseaseOverlap(in, models.DefaultClasses, true)
	assert.Equal(t, []Detection{plant, onPlant, unknown}, out)

	out = FilterDiseaseOverlap(in, models.DefaultClasses, false)
	assert.Equal(t, in, out)
}

func TestFilterDiseaseWithoutPlants(t *testing.T) {
	d := det(models.ClassStemBlight, 0.9, images.Rect{X: 0.5, Y: 0.5, W: 0.1, H: 0.1})

	assert.Empty(t, FilterDiseaseOverlap([]Detection{d}, models.DefaultClasses, true))
	assert.Len(t, FilterDiseaseOverlap([]Detection{d}, models.DefaultClasses, false), 1)
}

func BenchmarkDecode(b *testing.B) {
	h := newHead(4+6+32, 8400)
	for a := 0; a < 8400; a += 97 {
		h.set(4+a%6, a, 0.5)
	}
	v, _ := tensors.Contiguous(h.data, 1, h.channels, h.anchors)
	cfg := DefaultDecodeConfig()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = Decode(v, cfg)
	}
}
