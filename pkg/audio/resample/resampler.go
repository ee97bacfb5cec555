// ABOUTME: Simple linear resampler for converting audio sample rates
// ABOUTME: Streams float32 audio between rates, carrying state across calls
package resample

// Resampler performs linear interpolation to convert between sample rates.
// It keeps the last input frame and the fractional read position between
// calls so consecutive chunks join without clicks.
type Resampler struct {
	inputRate  int
	outputRate int
	channels   int
	ratio      float64
	position   float64   // read position, frame 0 is lastFrame when havePrev
	lastFrame  []float32 // one sample per channel
	havePrev   bool
}

// New creates a new resampler
func New(inputRate, outputRate, channels int) *Resampler {
	return &Resampler{
		inputRate:  inputRate,
		outputRate: outputRate,
		channels:   channels,
		ratio:      float64(inputRate) / float64(outputRate),
		lastFrame:  make([]float32, channels),
	}
}

// Process converts interleaved input at inputRate to interleaved output at outputRate
func (r *Resampler) Process(input []float32) []float32 {
	if len(input) == 0 {
		return nil
	}

	if r.inputRate == r.outputRate {
		out := make([]float32, len(input))
		copy(out, input)
		return out
	}

	inputFrames := len(input) / r.channels
	total := inputFrames
	if r.havePrev {
		total++
	}

	frame := func(i, ch int) float32 {
		if r.havePrev {
			if i == 0 {
				return r.lastFrame[ch]
			}
			i--
		}
		return input[i*r.channels+ch]
	}

	estimate := int(float64(total)/r.ratio) + 1
	output := make([]float32, 0, estimate*r.channels)

	for {
		idx := int(r.position)
		if idx+1 >= total {
			break
		}

		// Linear interpolation factor
		frac := float32(r.position - float64(idx))

		for ch := 0; ch < r.channels; ch++ {
			s1 := frame(idx, ch)
			s2 := frame(idx+1, ch)
			output = append(output, s1*(1-frac)+s2*frac)
		}

		r.position += r.ratio
	}

	// The last input frame becomes frame 0 of the next call
	r.position -= float64(total - 1)
	copy(r.lastFrame, input[(inputFrames-1)*r.channels:inputFrames*r.channels])
	r.havePrev = true

	return output
}

// Reset resets the resampler state
func (r *Resampler) Reset() {
	r.position = 0.0
	r.havePrev = false
	for i := range r.lastFrame {
		r.lastFrame[i] = 0
	}
}

// InputRate returns the source sample rate
func (r *Resampler) InputRate() int { return r.inputRate }

// OutputRate returns the target sample rate
func (r *Resampler) OutputRate() int { return r.outputRate }

// OutputSamplesNeeded estimates how many output samples will be produced from input samples
func (r *Resampler) OutputSamplesNeeded(inputSamples int) int {
	inputFrames := inputSamples / r.channels
	outputFrames := int(float64(inputFrames) / r.ratio)
	return outputFrames * r.channels
}
