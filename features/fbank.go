package features

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"
	"gonum.org/v1/gonum/mat"
)

// FbankConfig holds the acoustic front-end settings.
type FbankConfig struct {
	SampleRate  int     // samples per second
	FrameLength float64 // window length in milliseconds
	FrameShift  float64 // hop length in milliseconds
	NumFilters  int     // mel filterbank size
	FFTSize     int     // FFT length, power of two >= window samples
	PreEmphasis float64 // pre-emphasis coefficient, 0 disables
	Deltas      bool    // append first-order deltas
}

// DefaultFbankConfig returns the usual 40-filter 25ms/10ms setup.
func DefaultFbankConfig(sampleRate int) FbankConfig {
	return FbankConfig{
		SampleRate:  sampleRate,
		FrameLength: 25,
		FrameShift:  10,
		NumFilters:  40,
		FFTSize:     512,
		PreEmphasis: 0.97,
		Deltas:      false,
	}
}

// Fbank computes log-mel filterbank features from raw waveforms.
type Fbank struct {
	cfg     FbankConfig
	fft     *fourier.FFT
	filters [][]float64 // [NumFilters][FFTSize/2+1]
	winLen  int
	hop     int
}

// NewFbank builds the mel filterbank for the configuration.
func NewFbank(cfg FbankConfig) (*Fbank, error) {
	winLen := int(float64(cfg.SampleRate) * cfg.FrameLength / 1000)
	hop := int(float64(cfg.SampleRate) * cfg.FrameShift / 1000)
	if winLen <= 0 || hop <= 0 {
		return nil, fmt.Errorf("invalid frame geometry: length %v ms, shift %v ms", cfg.FrameLength, cfg.FrameShift)
	}
	if cfg.FFTSize < winLen {
		return nil, fmt.Errorf("fft size %d smaller than window (%d samples)", cfg.FFTSize, winLen)
	}
	if cfg.NumFilters <= 0 {
		return nil, fmt.Errorf("invalid filter count %d", cfg.NumFilters)
	}
	return &Fbank{
		cfg:     cfg,
		fft:     fourier.NewFFT(cfg.FFTSize),
		filters: melFilterbank(cfg.NumFilters, cfg.FFTSize, cfg.SampleRate),
		winLen:  winLen,
		hop:     hop,
	}, nil
}

// FeatureSize returns the per-frame feature width.
func (f *Fbank) FeatureSize() int {
	if f.cfg.Deltas {
		return 2 * f.cfg.NumFilters
	}
	return f.cfg.NumFilters
}

// NumFrames returns the frame count produced for a waveform length.
func (f *Fbank) NumFrames(samples int) int {
	if samples < f.winLen {
		return 0
	}
	return 1 + (samples-f.winLen)/f.hop
}

// Compute converts a waveform into a [frames, FeatureSize] matrix of
// log-mel energies.
func (f *Fbank) Compute(wave []float64) (*mat.Dense, error) {
	frames := f.NumFrames(len(wave))
	if frames == 0 {
		return nil, fmt.Errorf("waveform too short: %d samples for %d-sample window", len(wave), f.winLen)
	}

	emphasized := wave
	if f.cfg.PreEmphasis > 0 {
		emphasized = make([]float64, len(wave))
		emphasized[0] = wave[0]
		for i := 1; i < len(wave); i++ {
			emphasized[i] = wave[i] - f.cfg.PreEmphasis*wave[i-1]
		}
	}

	nBins := f.cfg.FFTSize/2 + 1
	frame := make([]float64, f.cfg.FFTSize)
	spectrum := make([]complex128, nBins)
	power := make([]float64, nBins)

	out := mat.NewDense(frames, f.cfg.NumFilters, nil)
	for t := 0; t < frames; t++ {
		start := t * f.hop
		for i := range frame {
			frame[i] = 0
		}
		copy(frame[:f.winLen], emphasized[start:start+f.winLen])
		window.Hamming(frame[:f.winLen])

		f.fft.Coefficients(spectrum, frame)
		for i, c := range spectrum {
			power[i] = real(c)*real(c) + imag(c)*imag(c)
		}

		for m, filt := range f.filters {
			var e float64
			for i, w := range filt {
				if w != 0 {
					e += w * power[i]
				}
			}
			// Floor keeps silence finite.
			out.Set(t, m, math.Log(math.Max(e, 1e-10)))
		}
	}

	if f.cfg.Deltas {
		return appendDeltas(out), nil
	}
	return out, nil
}

// appendDeltas concatenates first-order deltas (width-2 regression) to the
// static features.
func appendDeltas(static *mat.Dense) *mat.Dense {
	frames, dims := static.Dims()
	out := mat.NewDense(frames, 2*dims, nil)
	const n = 2
	var norm float64
	for i := 1; i <= n; i++ {
		norm += 2 * float64(i*i)
	}
	clampRow := func(t int) int {
		if t < 0 {
			return 0
		}
		if t >= frames {
			return frames - 1
		}
		return t
	}
	for t := 0; t < frames; t++ {
		for d := 0; d < dims; d++ {
			out.Set(t, d, static.At(t, d))
			var delta float64
			for i := 1; i <= n; i++ {
				delta += float64(i) * (static.At(clampRow(t+i), d) - static.At(clampRow(t-i), d))
			}
			out.Set(t, dims+d, delta/norm)
		}
	}
	return out
}

func hzToMel(hz float64) float64 {
	return 2595 * math.Log10(1+hz/700)
}

func melToHz(mel float64) float64 {
	return 700 * (math.Pow(10, mel/2595) - 1)
}

// melFilterbank builds numFilters triangular filters over the power
// spectrum bins.
func melFilterbank(numFilters, fftSize, sampleRate int) [][]float64 {
	nBins := fftSize/2 + 1
	lowMel := hzToMel(0)
	highMel := hzToMel(float64(sampleRate) / 2)

	centers := make([]float64, numFilters+2)
	for i := range centers {
		mel := lowMel + (highMel-lowMel)*float64(i)/float64(numFilters+1)
		centers[i] = melToHz(mel) * float64(fftSize) / float64(sampleRate)
	}

	filters := make([][]float64, numFilters)
	for m := 0; m < numFilters; m++ {
		filt := make([]float64, nBins)
		left, center, right := centers[m], centers[m+1], centers[m+2]
		for k := 0; k < nBins; k++ {
			fk := float64(k)
			switch {
			case fk > left && fk <= center:
				filt[k] = (fk - left) / (center - left)
			case fk > center && fk < right:
				filt[k] = (right - fk) / (right - center)
			}
		}
		filters[m] = filt
	}
	return filters
}
