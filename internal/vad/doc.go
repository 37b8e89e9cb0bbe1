// Package vad provides energy-based Voice Activity Detection for utterance segmentation.
// It implements a deterministic speech/silence state machine over fixed-duration blocks
// that decides when the accumulated audio should be flushed for delivery.
package vad
