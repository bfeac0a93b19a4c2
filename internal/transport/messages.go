package transport

import (
	"fmt"

	"github.com/KevinKickass/OpenPrintCore/internal/types"
	"github.com/google/uuid"
)

// Topic layout on the broker. Devices subscribe to their delivery
// topic and publish heartbeats on their presence topic; results from
// all devices arrive on one shared topic.
const (
	deliveryTopicPrefix = "opc:deliver:"
	presenceTopicPrefix = "opc:presence:"
	resultsTopic        = "opc:results"
)

func DeliveryTopic(deviceID string) string {
	return deliveryTopicPrefix + deviceID
}

func PresenceTopic(deviceID string) string {
	return presenceTopicPrefix + deviceID
}

type Outcome string

const (
	OutcomeAck     Outcome = "ack"
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// DeliveryMessage is what a device receives on its delivery topic.
type DeliveryMessage struct {
	JobID       uuid.UUID        `json:"job_id"`
	Payload     types.PayloadRef `json:"payload_ref"`
	OrderingKey int64            `json:"ordering_key"`
}

// ResultMessage reports a delivery outcome. The same contract is used
// for broker results and for results synthesized by the direct
// delivery path.
type ResultMessage struct {
	JobID       uuid.UUID `json:"job_id"`
	DeviceID    string    `json:"device_id"`
	Outcome     Outcome   `json:"outcome"`
	ErrorDetail string    `json:"error_detail,omitempty"`
}

func (m ResultMessage) Validate() error {
	switch m.Outcome {
	case OutcomeAck, OutcomeSuccess, OutcomeFailure:
		return nil
	}
	return fmt.Errorf("unknown outcome %q", m.Outcome)
}

// HeartbeatMessage is published by a device on its presence topic. Seq
// is monotonic per device session so out-of-order signals can be
// discarded. Offline marks a clean disconnect and ends the session;
// the next session starts its sequence numbering over.
type HeartbeatMessage struct {
	DeviceID      string `json:"device_id"`
	Name          string `json:"name,omitempty"`
	Seq           uint64 `json:"seq"`
	DirectAddress string `json:"direct_address,omitempty"`
	Offline       bool   `json:"offline,omitempty"`
}
