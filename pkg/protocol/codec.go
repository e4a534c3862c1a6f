package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrFrameTooLarge  = errors.New("frame exceeds maximum size")
	ErrMalformedFrame = errors.New("malformed frame")
	ErrUnknownPacket  = errors.New("unknown packet type")
	ErrMissingData    = errors.New("frame data is missing")
)

// DefaultMaxFrameSize bounds a single inbound frame. Payloads above this are
// a protocol error, not a soft failure.
const DefaultMaxFrameSize = 256 * 1024

type wireFrame struct {
	Type PacketType      `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Decode parses one frame in strict mode. Unknown fields at either the
// envelope or the variant level, trailing bytes, or an unknown type tag all
// fail the decode.
func Decode(frame []byte, maxSize int) (*Envelope, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	if len(frame) > maxSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(frame))
	}

	var raw wireFrame
	if err := strictUnmarshal(frame, &raw); err != nil {
		return nil, err
	}
	if len(raw.Data) == 0 {
		return nil, ErrMissingData
	}

	env := &Envelope{Type: raw.Type}
	switch raw.Type {
	case PacketConnect:
		var d ConnectData
		if err := strictUnmarshal(raw.Data, &d); err != nil {
			return nil, err
		}
		env.Connect = &d
	case PacketSubscribe:
		var d SubscribeData
		if err := strictUnmarshal(raw.Data, &d); err != nil {
			return nil, err
		}
		env.Subscribe = &d
	case PacketUnsubscribe:
		var d UnsubscribeData
		if err := strictUnmarshal(raw.Data, &d); err != nil {
			return nil, err
		}
		env.Unsubscribe = &d
	case PacketPublish:
		var d PublishData
		if err := strictUnmarshal(raw.Data, &d); err != nil {
			return nil, err
		}
		env.Publish = &d
	case PacketAck:
		var d AckData
		if err := strictUnmarshal(raw.Data, &d); err != nil {
			return nil, err
		}
		env.Ack = &d
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPacket, raw.Type)
	}
	return env, nil
}

// strictUnmarshal decodes JSON rejecting unknown fields and trailing input.
func strictUnmarshal(data []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if dec.More() {
		return fmt.Errorf("%w: trailing data after frame", ErrMalformedFrame)
	}
	return nil
}

// EncodeAck builds the wire bytes for an acknowledgement frame.
func EncodeAck(ack *AckData) ([]byte, error) {
	return encodeFrame(PacketAck, ack)
}

// EncodeBroadcast builds the wire bytes for a server-to-client publish frame.
func EncodeBroadcast(body *MessageBody) ([]byte, error) {
	return encodeFrame(PacketPublish, body)
}

// DecodeBroadcast parses a server-to-client publish frame into its enriched
// MessageBody. Clients use this where the server-side Decode expects the
// slimmer client publish shape.
func DecodeBroadcast(frame []byte) (*MessageBody, error) {
	var raw wireFrame
	if err := strictUnmarshal(frame, &raw); err != nil {
		return nil, err
	}
	if raw.Type != PacketPublish {
		return nil, fmt.Errorf("%w: expected publish, got %q", ErrUnknownPacket, raw.Type)
	}
	var body MessageBody
	if err := strictUnmarshal(raw.Data, &body); err != nil {
		return nil, err
	}
	return &body, nil
}

// DecodeAck parses an ack frame; used by clients and tests.
func DecodeAck(frame []byte) (*AckData, error) {
	var raw wireFrame
	if err := strictUnmarshal(frame, &raw); err != nil {
		return nil, err
	}
	if raw.Type != PacketAck {
		return nil, fmt.Errorf("%w: expected ack, got %q", ErrUnknownPacket, raw.Type)
	}
	var ack AckData
	if err := strictUnmarshal(raw.Data, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

// EncodeConnect builds a connect frame; used by clients and tests.
func EncodeConnect(data *ConnectData) ([]byte, error) {
	return encodeFrame(PacketConnect, data)
}

// EncodeSubscribe builds a subscribe frame; used by clients and tests.
func EncodeSubscribe(data *SubscribeData) ([]byte, error) {
	return encodeFrame(PacketSubscribe, data)
}

// EncodeUnsubscribe builds an unsubscribe frame; used by clients and tests.
func EncodeUnsubscribe(data *UnsubscribeData) ([]byte, error) {
	return encodeFrame(PacketUnsubscribe, data)
}

// EncodePublish builds a client publish frame; used by clients and tests.
func EncodePublish(data *PublishData) ([]byte, error) {
	return encodeFrame(PacketPublish, data)
}

func encodeFrame(t PacketType, data interface{}) ([]byte, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", t, err)
	}
	return json.Marshal(wireFrame{Type: t, Data: payload})
}

