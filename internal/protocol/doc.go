// Package protocol implements the binary frame codec spoken by capture agents.
// It covers header parsing and validation, open requests and results, float32
// audio payloads and the stop and end control frames.
package protocol
