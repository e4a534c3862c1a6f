// Package protocol defines the wire envelope exchanged over a pub/sub
// connection and a strict codec for it. Every frame is a tagged variant; a
// frame that does not parse fully, carries unknown fields, or names an
// unknown packet type is rejected so the connection can be closed with a
// protocol error.
package protocol

import (
	"encoding/json"
	"time"
)

// PacketType tags the envelope variants.
type PacketType string

const (
	PacketConnect     PacketType = "connect"
	PacketSubscribe   PacketType = "subscribe"
	PacketUnsubscribe PacketType = "unsubscribe"
	PacketPublish     PacketType = "publish"
	PacketAck         PacketType = "ack"
)

// Application close codes (websocket 4000-4999 range).
const (
	CloseBadRequest         = 4400
	CloseUnauthorized       = 4401
	CloseForbidden          = 4403
	CloseRequestTimeout     = 4408
	CloseConflict           = 4409
	ClosePreconditionFailed = 4412
)

// AckCode classifies a failed acknowledgement.
type AckCode string

const (
	AckUnauthorized AckCode = "UNAUTHORIZED"
	AckForbidden    AckCode = "FORBIDDEN"
	AckInvalid      AckCode = "INVALID"
	AckRateLimited  AckCode = "RATE_LIMITED"
	AckInternal     AckCode = "INTERNAL"
)

// AckPath names the operation an acknowledgement answers.
type AckPath string

const (
	AckPathPublish     AckPath = "publish"
	AckPathSubscribe   AckPath = "subscribe"
	AckPathUnsubscribe AckPath = "unsubscribe"
)

// Envelope is the decoded form of one frame. Exactly one variant pointer is
// non-nil, matching Type.
type Envelope struct {
	Type        PacketType
	Connect     *ConnectData
	Subscribe   *SubscribeData
	Unsubscribe *UnsubscribeData
	Publish     *PublishData
	Ack         *AckData
}

// ConnectData authenticates a pending connection with a signed grant.
type ConnectData struct {
	GrantJWT string `json:"grant_jwt"`
}

// SubscribeData subscribes the connection to a topic.
type SubscribeData struct {
	Topic     string `json:"topic"`
	RequestID string `json:"request_id,omitempty"`
}

// UnsubscribeData removes a topic subscription.
type UnsubscribeData struct {
	Topic     string `json:"topic"`
	RequestID string `json:"request_id,omitempty"`
}

// PublishData carries a client publish. Payload is kept verbatim.
type PublishData struct {
	Topic           string          `json:"topic"`
	Payload         json.RawMessage `json:"payload"`
	ClientMsgID     string          `json:"client_msg_id,omitempty"`
	ClientPublishTs *int64          `json:"client_publish_ts,omitempty"`
	RequestID       string          `json:"request_id,omitempty"`
}

// MessageBody is the enriched message broadcast to subscribers. The server
// always overwrites SenderID, Seq, SentAt, and every timing field; client
// supplied values for those are discarded. ClientMsgID and ClientPublishTs
// pass through verbatim for end-to-end correlation.
type MessageBody struct {
	ID              string          `json:"id"`
	Topic           string          `json:"topic"`
	SenderID        string          `json:"sender_id"`
	Seq             uint64          `json:"seq"`
	SentAt          time.Time       `json:"sent_at"`
	Payload         json.RawMessage `json:"payload"`
	ClientMsgID     string          `json:"client_msg_id,omitempty"`
	ClientPublishTs *int64          `json:"client_publish_ts,omitempty"`

	// Monotonic clock readings in fractional milliseconds.
	TIngress        *float64 `json:"t_ingress,omitempty"`
	TEnqueued       *float64 `json:"t_enqueued,omitempty"`
	TBroadcastBegin *float64 `json:"t_broadcast_begin,omitempty"`
	TWSWriteEnd     *float64 `json:"t_ws_write_end,omitempty"`
	TBroadcastEnd   *float64 `json:"t_broadcast_end,omitempty"`
}

// AckResult is the outcome half of an acknowledgement.
type AckResult struct {
	OK      bool    `json:"ok"`
	Code    AckCode `json:"code,omitempty"`
	Message string  `json:"message,omitempty"`
}

// AckData acknowledges a client operation.
type AckData struct {
	Path             AckPath   `json:"path"`
	Result           AckResult `json:"result"`
	ClientMsgID      string    `json:"client_msg_id,omitempty"`
	ServerAssignedID string    `json:"server_assigned_id,omitempty"`
	Seq              uint64    `json:"seq,omitempty"`
	TIngress         *float64  `json:"t_ingress,omitempty"`
	RequestID        string    `json:"request_id,omitempty"`
}
