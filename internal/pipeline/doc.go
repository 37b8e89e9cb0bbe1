// Package pipeline runs coaching sessions.
//
// A Pipeline owns the segment buffer pair and the voice activity detector of
// one session. Every duplex block is appended to both channels and the
// microphone channel is fed to the detector; on a send decision the active
// pair is swapped into the single in-flight slot and delivered in the
// background, with exponential backoff on retryable failures. Blocks keep
// accumulating while a segment is in flight, and flush requests made in that
// window are deferred to the next decision.
//
// Stop cancels in-flight requests and pending retries, discards both buffer
// halves and releases capture. No result callback runs after Stop returns.
//
// The Manager claims capture agents, opens backend sessions and removes
// sessions whose capture ended or stalled.
package pipeline
