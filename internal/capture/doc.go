// Package capture acquires an audio input and turns it into wire chunks.
//
// A Device is acquired when opened, before any relay connection exists, so
// a missing microphone is reported without touching the network. Capture
// keeps channel 0, converts to 16kHz and emits one 16-bit PCM chunk per
// 4096 frames the moment each block completes.
package capture
