package decoder

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/c360/devicestreams/errors"
	"github.com/c360/devicestreams/event"
)

// Binary frame layout (big-endian), one or more frames per payload:
//
//	byte 0      magic (0x7E)
//	byte 1      format version (0x01)
//	byte 2      event type code
//	bytes 3-4   device token length (uint16)
//	...         device token (UTF-8)
//	bytes n..n+3  body length (uint32)
//	...         JSON request body
const (
	binaryMagic   = 0x7E
	binaryVersion = 0x01

	binaryHeaderLen = 5
	maxTokenLen     = 256
	maxBodyLen      = 1 << 20
)

// Event type codes on the binary wire
const (
	codeLocation     = 0x01
	codeAlert        = 0x02
	codeMeasurements = 0x03
	codeStreamData   = 0x04
	codeRegistration = 0x05
)

var binaryTypeCodes = map[byte]event.EventType{
	codeLocation:     event.TypeLocation,
	codeAlert:        event.TypeAlert,
	codeMeasurements: event.TypeMeasurements,
	codeStreamData:   event.TypeStreamData,
	codeRegistration: event.TypeRegistration,
}

// Binary decodes the compact framed format used by constrained devices.
type Binary struct{}

// NewBinary creates a fixed-format binary decoder.
func NewBinary() *Binary {
	return &Binary{}
}

var _ Decoder = (*Binary)(nil)

// Decode implements Decoder.
func (d *Binary) Decode(_ context.Context, payload []byte, _ map[string]string) ([]event.DecodedRequest, error) {
	if len(payload) == 0 {
		return nil, decodeErr("empty payload")
	}

	var requests []event.DecodedRequest
	offset := 0
	for offset < len(payload) {
		frame, consumed, err := parseFrame(payload[offset:])
		if err != nil {
			return nil, err
		}
		requests = append(requests, frame)
		offset += consumed
	}
	return requests, nil
}

func parseFrame(buf []byte) (event.DecodedRequest, int, error) {
	var zero event.DecodedRequest

	if len(buf) < binaryHeaderLen {
		return zero, 0, decodeErr("truncated frame header")
	}
	if buf[0] != binaryMagic {
		return zero, 0, decodeErr(fmt.Sprintf("bad magic 0x%02X", buf[0]))
	}
	if buf[1] != binaryVersion {
		return zero, 0, decodeErr(fmt.Sprintf("unsupported version 0x%02X", buf[1]))
	}

	eventType, ok := binaryTypeCodes[buf[2]]
	if !ok {
		return zero, 0, decodeErr(fmt.Sprintf("unknown event type code 0x%02X", buf[2]))
	}

	tokenLen := int(binary.BigEndian.Uint16(buf[3:5]))
	if tokenLen == 0 || tokenLen > maxTokenLen {
		return zero, 0, decodeErr(fmt.Sprintf("token length %d out of range", tokenLen))
	}
	offset := binaryHeaderLen
	if len(buf) < offset+tokenLen+4 {
		return zero, 0, decodeErr("truncated token or body length")
	}
	token := string(buf[offset : offset+tokenLen])
	offset += tokenLen

	bodyLen := int(binary.BigEndian.Uint32(buf[offset : offset+4]))
	if bodyLen > maxBodyLen {
		return zero, 0, decodeErr(fmt.Sprintf("body length %d exceeds limit", bodyLen))
	}
	offset += 4
	if len(buf) < offset+bodyLen {
		return zero, 0, decodeErr("truncated body")
	}
	body := buf[offset : offset+bodyLen]
	offset += bodyLen

	req, err := event.ParseRequest(eventType, body)
	if err != nil {
		return zero, 0, errors.WrapInvalid(
			fmt.Errorf("%w: %w", errors.ErrDecodeFailed, err),
			"binary-decoder", "Decode", "body parsing")
	}
	decoded, err := event.NewDecodedRequest(token, "", req)
	if err != nil {
		return zero, 0, errors.WrapInvalid(
			fmt.Errorf("%w: %w", errors.ErrDecodeFailed, err),
			"binary-decoder", "Decode", "request construction")
	}
	return decoded, offset, nil
}

func decodeErr(detail string) error {
	return errors.WrapInvalid(
		fmt.Errorf("%w: %s", errors.ErrDecodeFailed, detail),
		"binary-decoder", "Decode", "frame parsing")
}

// EncodeFrame builds a wire frame for the given event; receivers and tests
// use it to produce payloads this decoder accepts.
func EncodeFrame(eventType event.EventType, deviceToken string, body []byte) ([]byte, error) {
	var code byte
	for c, t := range binaryTypeCodes {
		if t == eventType {
			code = c
			break
		}
	}
	if code == 0 {
		return nil, decodeErr(fmt.Sprintf("unknown event type %q", eventType))
	}
	if len(deviceToken) == 0 || len(deviceToken) > maxTokenLen {
		return nil, decodeErr("device token length out of range")
	}

	frame := make([]byte, 0, binaryHeaderLen+len(deviceToken)+4+len(body))
	frame = append(frame, binaryMagic, binaryVersion, code)
	frame = binary.BigEndian.AppendUint16(frame, uint16(len(deviceToken)))
	frame = append(frame, deviceToken...)
	frame = binary.BigEndian.AppendUint32(frame, uint32(len(body)))
	frame = append(frame, body...)
	return frame, nil
}
