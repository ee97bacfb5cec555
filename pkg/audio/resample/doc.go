// ABOUTME: Audio resampling package using linear interpolation
// ABOUTME: Converts audio between different sample rates
// Package resample provides audio sample rate conversion.
//
// Uses linear interpolation for converting between sample rates.
// Handles both upsampling and downsampling. Capture devices and files
// that cannot deliver 16kHz directly are converted with it before framing.
//
// Example:
//
//	r := resample.New(44100, 16000, 1)
//	out := r.Process(inputSamples)
package resample
