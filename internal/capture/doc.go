// Package capture acquires the microphone and display audio for a session.
// It defines the media device abstraction, the capture error taxonomy, the
// lock-step block mixer with display resampling, and the WebSocket hub that
// exposes remote capture agents as media devices.
package capture
