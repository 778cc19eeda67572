// Package wire implements the weft wire codec: one request, response or
// broadcast unit per transport frame, JSON encoded.
//
// A request/response unit carries a fixed-length correlation token in "id";
// a broadcast unit carries a "topic" instead. The two shapes are mutually
// exclusive, which is how a client tells a broadcast apart from a response
// it is waiting for.
package wire

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
	"github.com/weftlabs/weft/pkg/errors"
	utils "github.com/weftlabs/weft/pkg/util"
)

// TokenLength is the exact length of every correlation token.
const TokenLength = 8

const (
	StatusOk    = "ok"
	StatusNok   = "nok"
	StatusError = "error"
)

// Control actions handled by the server channel itself, never by a domain
// handler.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
)

type Unit struct {
	ID    string          `json:"id,omitempty"`
	Topic string          `json:"topic,omitempty"`
	Body  json.RawMessage `json:"body"`
}

func (u *Unit) IsBroadcast() bool {
	return u.Topic != "" && u.ID == ""
}

var tokenGen = utils.CreateRandomStringGenerator(time.Now().UnixMicro())

// NewCorrelationToken returns a fresh lowercase token of TokenLength
// characters. Uniqueness only matters among currently pending requests on
// one channel; collision with a completed request is harmless.
func NewCorrelationToken() string {
	return tokenGen.GetRandomString(TokenLength)
}

// Encode frames one request or response unit.
func Encode(id string, body any) ([]byte, error) {
	if len(id) != TokenLength {
		return nil, &errors.Encoding{
			Reason: fmt.Sprintf("correlation token must be exactly %d characters, got %d", TokenLength, len(id)),
		}
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, &errors.Encoding{Reason: fmt.Sprintf("body is not serializable: %v", err)}
	}

	return json.Marshal(Unit{ID: id, Body: raw})
}

// EncodeBroadcast frames one broadcast unit for the given topic.
func EncodeBroadcast(topic string, body any) ([]byte, error) {
	if topic == "" {
		return nil, &errors.Encoding{Reason: "broadcast topic must not be empty"}
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, &errors.Encoding{Reason: fmt.Sprintf("body is not serializable: %v", err)}
	}

	return json.Marshal(Unit{Topic: topic, Body: raw})
}

// Decode parses one wire unit. A Decoding error means the frame came from a
// peer that can no longer be trusted; callers must close the originating
// connection.
func Decode(data []byte) (*Unit, error) {
	var u Unit
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, &errors.Decoding{Reason: err.Error()}
	}

	if u.ID == "" && u.Topic == "" {
		return nil, &errors.Decoding{Reason: "unit carries neither id nor topic"}
	}
	if u.ID != "" && len(u.ID) != TokenLength {
		return nil, &errors.Decoding{
			Reason: fmt.Sprintf("correlation token must be exactly %d characters, got %d", TokenLength, len(u.ID)),
		}
	}

	return &u, nil
}

// Ok builds a positive business envelope. The action tag and extra fields
// are optional.
func Ok(action string, fields map[string]any) map[string]any {
	envelope := map[string]any{"status": StatusOk}
	if action != "" {
		envelope["action"] = action
	}
	for k, v := range fields {
		envelope[k] = v
	}
	return envelope
}

// Nok builds a business-level negative envelope. Receiving one never closes
// a connection.
func Nok(message string) map[string]any {
	envelope := map[string]any{"status": StatusNok}
	if message != "" {
		envelope["message"] = message
	}
	return envelope
}

// ErrorEnvelope builds a protocol/programming failure envelope echoing the
// offending request. Raised server-side it is paired with dropping the
// connection.
func ErrorEnvelope(echo any) map[string]any {
	envelope := map[string]any{"status": StatusError}
	if echo != nil {
		envelope["request"] = echo
	}
	return envelope
}

// Status reads the status field of an envelope body, or "" when absent.
func Status(body []byte) string {
	return gjson.GetBytes(body, "status").String()
}

// Action reads the action field of a request body, or "" when absent.
func Action(body []byte) string {
	return gjson.GetBytes(body, "action").String()
}
