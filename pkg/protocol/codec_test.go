package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		frame func(t *testing.T) []byte
		check func(t *testing.T, env *Envelope)
	}{
		{
			name: "connect",
			frame: func(t *testing.T) []byte {
				b, err := EncodeConnect(&ConnectData{GrantJWT: "token"})
				if err != nil {
					t.Fatalf("encode: %v", err)
				}
				return b
			},
			check: func(t *testing.T, env *Envelope) {
				if env.Type != PacketConnect || env.Connect == nil {
					t.Fatalf("wrong variant: %+v", env)
				}
				if env.Connect.GrantJWT != "token" {
					t.Fatalf("grant jwt lost: %q", env.Connect.GrantJWT)
				}
			},
		},
		{
			name: "subscribe",
			frame: func(t *testing.T) []byte {
				b, err := EncodeSubscribe(&SubscribeData{Topic: "chat", RequestID: "r1"})
				if err != nil {
					t.Fatalf("encode: %v", err)
				}
				return b
			},
			check: func(t *testing.T, env *Envelope) {
				if env.Type != PacketSubscribe || env.Subscribe == nil {
					t.Fatalf("wrong variant: %+v", env)
				}
				if env.Subscribe.Topic != "chat" || env.Subscribe.RequestID != "r1" {
					t.Fatalf("subscribe fields lost: %+v", env.Subscribe)
				}
			},
		},
		{
			name: "publish",
			frame: func(t *testing.T) []byte {
				b, err := EncodePublish(&PublishData{
					Topic:       "chat",
					Payload:     json.RawMessage(`{"text":"hi"}`),
					ClientMsgID: "c1",
				})
				if err != nil {
					t.Fatalf("encode: %v", err)
				}
				return b
			},
			check: func(t *testing.T, env *Envelope) {
				if env.Type != PacketPublish || env.Publish == nil {
					t.Fatalf("wrong variant: %+v", env)
				}
				if env.Publish.ClientMsgID != "c1" {
					t.Fatalf("client msg id lost: %+v", env.Publish)
				}
				if !bytes.Equal(env.Publish.Payload, json.RawMessage(`{"text":"hi"}`)) {
					t.Fatalf("payload not verbatim: %s", env.Publish.Payload)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := Decode(tt.frame(t), 0)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			tt.check(t, env)
		})
	}
}

func TestDecodeRejections(t *testing.T) {
	tests := []struct {
		name    string
		frame   string
		maxSize int
		wantErr error
	}{
		{"unknown type", `{"type":"teleport","data":{}}`, 0, ErrUnknownPacket},
		{"unknown envelope field", `{"type":"connect","data":{"grant_jwt":"x"},"extra":1}`, 0, ErrMalformedFrame},
		{"unknown data field", `{"type":"connect","data":{"grant_jwt":"x","smuggled":true}}`, 0, ErrMalformedFrame},
		{"trailing bytes", `{"type":"connect","data":{"grant_jwt":"x"}}{"more":1}`, 0, ErrMalformedFrame},
		{"not json", `hello`, 0, ErrMalformedFrame},
		{"missing data", `{"type":"connect"}`, 0, ErrMissingData},
		{"oversized", `{"type":"connect","data":{"grant_jwt":"` + strings.Repeat("a", 64) + `"}}`, 16, ErrFrameTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.frame), tt.maxSize)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestBroadcastRoundTrip(t *testing.T) {
	tIngress := 12.5
	body := &MessageBody{
		ID:          "01J0000000000000000000000",
		Topic:       "chat",
		SenderID:    "user-a",
		Seq:         7,
		Payload:     json.RawMessage(`"hello"`),
		ClientMsgID: "c9",
		TIngress:    &tIngress,
	}
	frame, err := EncodeBroadcast(body)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	got, err := DecodeBroadcast(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != body.ID || got.Seq != 7 || got.SenderID != "user-a" {
		t.Fatalf("broadcast fields lost: %+v", got)
	}
	if got.TIngress == nil || *got.TIngress != 12.5 {
		t.Fatalf("timing field lost: %+v", got.TIngress)
	}
}

func TestAckRoundTrip(t *testing.T) {
	ack := &AckData{
		Path:             AckPathPublish,
		Result:           AckResult{OK: true},
		ClientMsgID:      "c1",
		ServerAssignedID: "01J0000000000000000000001",
		Seq:              3,
	}
	frame, err := EncodeAck(ack)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeAck(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Path != AckPathPublish || !got.Result.OK || got.Seq != 3 {
		t.Fatalf("ack fields lost: %+v", got)
	}

	failed := &AckData{
		Path:   AckPathPublish,
		Result: AckResult{OK: false, Code: AckForbidden, Message: "no write scope"},
	}
	frame, err = EncodeAck(failed)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err = DecodeAck(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Result.OK || got.Result.Code != AckForbidden {
		t.Fatalf("failed ack lost code: %+v", got.Result)
	}
}
