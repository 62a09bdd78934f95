package decoder

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCalcOffsetNoExtension(t *testing.T) {
	payload := []byte{0x00, 0x01, 0x02, 0x03, 0x04}
	assert.Equal(t, 0, calcOffset(payload))
}

func TestCalcOffsetTooShort(t *testing.T) {
	assert.Equal(t, 0, calcOffset([]byte{0xBE, 0xDE}))
}

func TestCalcOffsetSingleZeroTag(t *testing.T) {
	// 0xBE 0xDE signature, extLen=1, one padding (zero) tag byte, then a
	// trailing byte that isn't 0 or 2 so the final +1 bump doesn't apply.
	payload := []byte{0xBE, 0xDE, 0x00, 0x01, 0x00, 0x05, 0x06}
	// offset starts at 4; i=0: tag=payload[4]=0x00 -> offset=5, continue (no extra advance)
	// loop ends (extLen=1); offset+1=6 < len(7); payload[6]=0x06, not 0 or 2 -> no bump
	assert.Equal(t, 5, calcOffset(payload))
}

func TestCalcOffsetNonZeroTagAdvancesByLength(t *testing.T) {
	// extLen=1; tag byte 0x10 -> upper nibble 1 -> advance 1+1=2 after the
	// initial 1-byte read, total advance of 3 from offset=4.
	payload := []byte{0xBE, 0xDE, 0x00, 0x01, 0x10, 0xAA, 0xBB, 0xCC, 0xDD}
	assert.Equal(t, 7, calcOffset(payload))
}

type fakeSink struct {
	right, left []int16
}

func (f *fakeSink) WriteSample(right, left int16) error {
	f.right = append(f.right, right)
	f.left = append(f.left, left)
	return nil
}

func TestMixSingleStreamPassthrough(t *testing.T) {
	// Two mono "frames" (0.5, -0.5) become one stereo sample pair
	// (right=frame0, left=frame1) per spec.md §4.7.
	streams := []streamResult{
		{startTime: 1.0, samples: []float32{0.5, -0.5}},
	}

	sink := &fakeSink{}
	frames, err := mix(streams, sink)
	assert.NoError(t, err)
	assert.Equal(t, 1, frames)
	assert.Equal(t, int16(16383), sink.right[0]) // 0.5*32767 truncated
	assert.Equal(t, int16(-16383), sink.left[0])
}

func TestMixEmptyStreamsProducesNothing(t *testing.T) {
	sink := &fakeSink{}
	frames, err := mix(nil, sink)
	assert.NoError(t, err)
	assert.Equal(t, 0, frames)
	assert.Empty(t, sink.right)
}

func TestMixPadsLaterStartingStream(t *testing.T) {
	streams := []streamResult{
		{startTime: 0.0, samples: []float32{1, 1}},
		{startTime: float64(1) / float64(sampleRate*channels), samples: []float32{1, 1}},
	}

	sink := &fakeSink{}
	frames, err := mix(streams, sink)
	assert.NoError(t, err)
	assert.True(t, frames >= 1)
}

func TestScreenBlendBothPositiveSoftClips(t *testing.T) {
	got := screenBlend(0.5, 0.5)
	assert.InDelta(t, 0.75, got, 1e-6) // 0.5+0.5-0.25
}

func TestScreenBlendBothNegativeSoftClips(t *testing.T) {
	got := screenBlend(-0.5, -0.5)
	assert.InDelta(t, -0.75, got, 1e-6) // -0.5-0.5+0.25
}

func TestScreenBlendMixedSignsAdds(t *testing.T) {
	got := screenBlend(0.5, -0.25)
	assert.InDelta(t, 0.25, got, 1e-6)
}
