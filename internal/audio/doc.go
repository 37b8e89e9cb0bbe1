// Package audio handles duplex sample buffering and PCM encoding.
// It implements the lock-step client/commercial channel pair with a bounded
// duration, swap-based hand-off of the active pair to delivery, and float to
// 16-bit little-endian PCM conversion.
package audio
