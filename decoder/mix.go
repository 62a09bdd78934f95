package decoder

import "sort"

// mix implements spec.md §4.7's Mix step: sort streams by start_time, pad
// each to a common origin, screen-blend them sample-by-sample, then quantize
// and alternate right/left channels into the sink.
func mix(streams []streamResult, sink WaveformSink) (int, error) {
	if len(streams) == 0 {
		return 0, nil
	}

	sorted := make([]streamResult, len(streams))
	copy(sorted, streams)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].startTime < sorted[j].startTime })

	earliest := sorted[0].startTime

	padded := make([][]float32, len(sorted))
	longest := 0
	for i, s := range sorted {
		padCount := int(float64(sampleRate*channels) * (s.startTime - earliest))
		buf := make([]float32, padCount+len(s.samples))
		copy(buf[padCount:], s.samples)
		padded[i] = buf
		if len(buf) > longest {
			longest = len(buf)
		}
	}

	mixedFrame := func(frame int) float32 {
		var acc float32
		for _, buf := range padded {
			var b float32
			if frame < len(buf) {
				b = buf[frame]
			}
			acc = screenBlend(acc, b)
		}
		if acc > 1 {
			acc = 1
		} else if acc < -1 {
			acc = -1
		}
		return acc
	}

	// Even-index mixed frames land on the right channel, odd-index on the
	// left, accumulated into two separate sequences and then zipped — a
	// trailing unpaired right sample (odd longest) has no left partner and
	// is dropped, matching original_source/recorder.rs's zip behavior.
	pairs := longest / 2

	frames := 0
	for i := 0; i < pairs; i++ {
		right := int16(mixedFrame(2*i) * 32767)
		left := int16(mixedFrame(2*i+1) * 32767)

		if err := sink.WriteSample(right, left); err != nil {
			return frames, err
		}
		frames++
	}

	return frames, nil
}

// screenBlend applies the soft-clip "screen blend" law from spec.md §4.7 to
// two signed-audio samples: positive-positive and negative-negative pairs
// blend toward the shared-sign extreme; mixed-sign pairs add directly.
func screenBlend(acc, b float32) float32 {
	switch {
	case acc >= 0 && b >= 0:
		return acc + b - acc*b
	case acc < 0 && b < 0:
		return acc + b + acc*b
	default:
		return acc + b
	}
}
