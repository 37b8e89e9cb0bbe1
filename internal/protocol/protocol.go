package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Frame protocol constants
const (
	// Frame types
	FrameTypeOpen       = 0x01 // daemon -> agent: request a media stream
	FrameTypeOpenResult = 0x02 // agent -> daemon: granted tracks or failure status
	FrameTypeAudio      = 0x03 // agent -> daemon: float32 samples for one track
	FrameTypeStop       = 0x04 // daemon -> agent: stop one track
	FrameTypeEnd        = 0x05 // agent -> daemon: track ended on the agent side

	// Frame structure sizes
	HeaderSize             = 7 // 1 + 2 + 4 bytes
	OpenPayloadSize        = 6 // 1 + 1 + 4 bytes
	OpenResultHeaderSize   = 2 // status + track count
	TrackInfoSize          = 8 // 2 + 1 + 1 + 4 bytes
	AudioPayloadHeaderSize = 4 // Sequence number (4 bytes)
	SampleSize             = 4 // float32

	// MaxPayloadSize bounds a single frame payload
	MaxPayloadSize = 1 << 20
)

// Media kinds requested by an open frame
const (
	MediaUser    = 0x01 // microphone
	MediaDisplay = 0x02 // tab or screen share
)

// Open request flags
const (
	FlagEchoCancellation = 1 << 0
	FlagNoiseSuppression = 1 << 1
	FlagAudio            = 1 << 2
	FlagVideo            = 1 << 3
)

// Track kinds
const (
	TrackKindAudio = 0x01
	TrackKindVideo = 0x02
)

// Open result statuses
const (
	StatusOK               = 0x00
	StatusPermissionDenied = 0x01
	StatusNotFound         = 0x02
	StatusError            = 0x03
)

// Header represents the 7-byte frame header
// Layout: [Type:1][Track:2][Length:4]
// Track carries the request id for open and open_result frames.
type Header struct {
	Type   uint8
	Track  uint16
	Length uint32 // payload length, header excluded
}

// OpenRequest asks the agent for a media stream
// Layout: [Media:1][Flags:1][SampleRate:4]
type OpenRequest struct {
	Media      uint8
	Flags      uint8
	SampleRate uint32 // target rate for audio tracks, 0 for the device default
}

// TrackInfo describes one granted track
// Layout: [Track:2][Kind:1][Channels:1][SampleRate:4]
type TrackInfo struct {
	Track      uint16
	Kind       uint8
	Channels   uint8
	SampleRate uint32
}

// OpenResult is the agent's answer to an open request
// Layout: [Status:1][Count:1][TrackInfo:8]*Count
type OpenResult struct {
	Status uint8
	Tracks []TrackInfo
}

// AudioPayload represents the audio frame payload
// Layout: [Sequence:4][Samples:4*N]
type AudioPayload struct {
	Sequence uint32
	Samples  []float32
}

// Frame represents a fully parsed frame
type Frame struct {
	Header     *Header
	Open       *OpenRequest // Only set for open frames
	OpenResult *OpenResult  // Only set for open_result frames
	Audio      *AudioPayload
}

// ParseHeader parses the 7-byte frame header
func ParseHeader(data []byte) (*Header, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("header too short: expected %d bytes, got %d", HeaderSize, len(data))
	}

	return &Header{
		Type:   data[0],
		Track:  binary.BigEndian.Uint16(data[1:3]),
		Length: binary.BigEndian.Uint32(data[3:7]),
	}, nil
}

// ParseOpenRequest parses an open frame payload
func ParseOpenRequest(data []byte) (*OpenRequest, error) {
	if len(data) != OpenPayloadSize {
		return nil, fmt.Errorf("open payload size mismatch: expected %d bytes, got %d", OpenPayloadSize, len(data))
	}

	req := &OpenRequest{
		Media:      data[0],
		Flags:      data[1],
		SampleRate: binary.BigEndian.Uint32(data[2:6]),
	}
	if req.Media != MediaUser && req.Media != MediaDisplay {
		return nil, fmt.Errorf("invalid media kind: 0x%02x", req.Media)
	}
	return req, nil
}

// ParseOpenResult parses an open_result frame payload
func ParseOpenResult(data []byte) (*OpenResult, error) {
	if len(data) < OpenResultHeaderSize {
		return nil, fmt.Errorf("open result payload too short: expected at least %d bytes, got %d",
			OpenResultHeaderSize, len(data))
	}

	count := int(data[1])
	if want := OpenResultHeaderSize + count*TrackInfoSize; len(data) != want {
		return nil, fmt.Errorf("open result size mismatch: %d tracks need %d bytes, got %d", count, want, len(data))
	}

	result := &OpenResult{
		Status: data[0],
		Tracks: make([]TrackInfo, count),
	}
	if result.Status > StatusError {
		return nil, fmt.Errorf("invalid status: 0x%02x", result.Status)
	}

	for i := range result.Tracks {
		off := OpenResultHeaderSize + i*TrackInfoSize
		info := TrackInfo{
			Track:      binary.BigEndian.Uint16(data[off : off+2]),
			Kind:       data[off+2],
			Channels:   data[off+3],
			SampleRate: binary.BigEndian.Uint32(data[off+4 : off+8]),
		}
		if info.Kind != TrackKindAudio && info.Kind != TrackKindVideo {
			return nil, fmt.Errorf("track %d: invalid kind 0x%02x", info.Track, info.Kind)
		}
		if info.Kind == TrackKindAudio && info.SampleRate == 0 {
			return nil, fmt.Errorf("track %d: audio track without sample rate", info.Track)
		}
		result.Tracks[i] = info
	}

	return result, nil
}

// ParseAudioPayload parses the audio frame payload (4-byte sequence + float32 LE samples).
// Non-finite samples are replaced with silence.
func ParseAudioPayload(data []byte) (*AudioPayload, error) {
	if len(data) < AudioPayloadHeaderSize {
		return nil, fmt.Errorf("audio payload too short: expected at least %d bytes, got %d",
			AudioPayloadHeaderSize, len(data))
	}

	body := data[AudioPayloadHeaderSize:]
	if len(body)%SampleSize != 0 {
		return nil, fmt.Errorf("audio data length %d is not a multiple of %d", len(body), SampleSize)
	}

	payload := &AudioPayload{
		Sequence: binary.BigEndian.Uint32(data[0:4]),
		Samples:  make([]float32, len(body)/SampleSize),
	}
	for i := range payload.Samples {
		bits := binary.LittleEndian.Uint32(body[i*SampleSize:])
		sample := math.Float32frombits(bits)
		if math.IsNaN(float64(sample)) || math.IsInf(float64(sample), 0) {
			sample = 0
		}
		payload.Samples[i] = sample
	}

	return payload, nil
}

// ParseFrame parses a complete frame (header + payload)
func ParseFrame(data []byte) (*Frame, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("frame too short: expected at least %d bytes, got %d", HeaderSize, len(data))
	}

	header, err := ParseHeader(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse header: %w", err)
	}

	if int(header.Length) != len(data)-HeaderSize {
		return nil, fmt.Errorf("frame length mismatch: header says %d payload bytes, got %d",
			header.Length, len(data)-HeaderSize)
	}

	if err := ValidateHeader(header); err != nil {
		return nil, fmt.Errorf("invalid header: %w", err)
	}

	frame := &Frame{Header: header}
	payload := data[HeaderSize:]

	switch header.Type {
	case FrameTypeOpen:
		req, err := ParseOpenRequest(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to parse open payload: %w", err)
		}
		frame.Open = req

	case FrameTypeOpenResult:
		result, err := ParseOpenResult(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to parse open result payload: %w", err)
		}
		frame.OpenResult = result

	case FrameTypeAudio:
		audio, err := ParseAudioPayload(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to parse audio payload: %w", err)
		}
		frame.Audio = audio
	}

	return frame, nil
}

// ValidateHeader validates the frame header fields
func ValidateHeader(header *Header) error {
	if !IsValidFrameType(header.Type) {
		return fmt.Errorf("invalid frame type: 0x%02x", header.Type)
	}

	if header.Length > MaxPayloadSize {
		return fmt.Errorf("payload too large: %d bytes (maximum %d)", header.Length, MaxPayloadSize)
	}

	switch header.Type {
	case FrameTypeOpen:
		if header.Length != OpenPayloadSize {
			return fmt.Errorf("open frame payload size mismatch: expected %d, got %d", OpenPayloadSize, header.Length)
		}
	case FrameTypeOpenResult:
		if header.Length < OpenResultHeaderSize {
			return fmt.Errorf("open result frame payload too small: expected at least %d, got %d",
				OpenResultHeaderSize, header.Length)
		}
	case FrameTypeAudio:
		if header.Length < AudioPayloadHeaderSize {
			return fmt.Errorf("audio frame payload too small: expected at least %d, got %d",
				AudioPayloadHeaderSize, header.Length)
		}
	case FrameTypeStop, FrameTypeEnd:
		if header.Length != 0 {
			return fmt.Errorf("control frame carries %d payload bytes", header.Length)
		}
	}

	return nil
}

// IsValidFrameType checks if the frame type is known
func IsValidFrameType(t uint8) bool {
	return t >= FrameTypeOpen && t <= FrameTypeEnd
}

func putHeader(buf []byte, frameType uint8, track uint16, length int) {
	buf[0] = frameType
	binary.BigEndian.PutUint16(buf[1:3], track)
	binary.BigEndian.PutUint32(buf[3:7], uint32(length))
}

// EncodeOpen builds an open frame for the given request id
func EncodeOpen(requestID uint16, req OpenRequest) []byte {
	buf := make([]byte, HeaderSize+OpenPayloadSize)
	putHeader(buf, FrameTypeOpen, requestID, OpenPayloadSize)
	buf[HeaderSize] = req.Media
	buf[HeaderSize+1] = req.Flags
	binary.BigEndian.PutUint32(buf[HeaderSize+2:], req.SampleRate)
	return buf
}

// EncodeOpenResult builds an open_result frame for the given request id
func EncodeOpenResult(requestID uint16, result OpenResult) []byte {
	length := OpenResultHeaderSize + len(result.Tracks)*TrackInfoSize
	buf := make([]byte, HeaderSize+length)
	putHeader(buf, FrameTypeOpenResult, requestID, length)

	payload := buf[HeaderSize:]
	payload[0] = result.Status
	payload[1] = uint8(len(result.Tracks))
	for i, info := range result.Tracks {
		off := OpenResultHeaderSize + i*TrackInfoSize
		binary.BigEndian.PutUint16(payload[off:], info.Track)
		payload[off+2] = info.Kind
		payload[off+3] = info.Channels
		binary.BigEndian.PutUint32(payload[off+4:], info.SampleRate)
	}
	return buf
}

// EncodeAudio builds an audio frame carrying float32 LE samples
func EncodeAudio(track uint16, sequence uint32, samples []float32) []byte {
	length := AudioPayloadHeaderSize + len(samples)*SampleSize
	buf := make([]byte, HeaderSize+length)
	putHeader(buf, FrameTypeAudio, track, length)

	payload := buf[HeaderSize:]
	binary.BigEndian.PutUint32(payload[0:4], sequence)
	for i, sample := range samples {
		binary.LittleEndian.PutUint32(payload[AudioPayloadHeaderSize+i*SampleSize:], math.Float32bits(sample))
	}
	return buf
}

// EncodeStop builds a stop frame for one track
func EncodeStop(track uint16) []byte {
	buf := make([]byte, HeaderSize)
	putHeader(buf, FrameTypeStop, track, 0)
	return buf
}

// EncodeEnd builds an end frame for one track
func EncodeEnd(track uint16) []byte {
	buf := make([]byte, HeaderSize)
	putHeader(buf, FrameTypeEnd, track, 0)
	return buf
}

// StatusName returns the wire name of an open result status
func StatusName(status uint8) string {
	switch status {
	case StatusOK:
		return "ok"
	case StatusPermissionDenied:
		return "permission_denied"
	case StatusNotFound:
		return "not_found"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("unknown(0x%02x)", status)
	}
}

// String returns a human-readable representation of the header
func (h *Header) String() string {
	var frameType string

	switch h.Type {
	case FrameTypeOpen:
		frameType = "Open"
	case FrameTypeOpenResult:
		frameType = "OpenResult"
	case FrameTypeAudio:
		frameType = "Audio"
	case FrameTypeStop:
		frameType = "Stop"
	case FrameTypeEnd:
		frameType = "End"
	default:
		frameType = fmt.Sprintf("Unknown(0x%02x)", h.Type)
	}

	return fmt.Sprintf("Header{Type:%s, Track:%d, Len:%d}", frameType, h.Track, h.Length)
}

// String returns a human-readable representation of the audio payload
func (a *AudioPayload) String() string {
	return fmt.Sprintf("AudioPayload{Sequence:%d, Samples:%d}", a.Sequence, len(a.Samples))
}
