package messaging

import (
	"encoding/json"
	"fmt"

	cserrors "github.com/alexjbarnes/convsync/internal/errors"
	"github.com/tidwall/gjson"
)

// Frame types on the push connection.
const (
	FrameIdentify          = "identify"
	FramePing              = "ping"
	FramePong              = "pong"
	FrameMessage           = "message"
	FrameMembershipChanged = "membership_changed"
	FrameSend              = "send"
	FrameError             = "error"
)

// Envelope is the structured form of every push frame.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// IdentifyFrame is the first frame a client sends after the socket opens.
type IdentifyFrame struct {
	Type   string `json:"type"`
	UserID int64  `json:"userId"`
}

// ControlFrame is a frame without payload: ping and pong.
type ControlFrame struct {
	Type string `json:"type"`
}

// SendFrame carries an outgoing message over the push connection.
type SendFrame struct {
	Type string   `json:"type"`
	Data Outgoing `json:"data"`
}

// SendRejection is the payload of an error frame: the server refused the
// send with the given client id.
type SendRejection struct {
	ClientID string `json:"client_id,omitempty"`
	Error    string `json:"error"`
}

// Frame is a decoded inbound frame handed from a channel to the session.
// Exactly one field is set.
type Frame struct {
	Message    *Message
	Membership *MembershipChange
	Rejection  *SendRejection
}

// FrameType returns the type field of a raw frame without a full decode.
// ok is false when the frame is not a JSON object with a string type.
func FrameType(data []byte) (string, bool) {
	if !gjson.ValidBytes(data) {
		return "", false
	}

	t := gjson.GetBytes(data, "type")
	if t.Type != gjson.String {
		return "", false
	}

	return t.Str, true
}

// decodeFrame turns a raw text frame into a Frame. A nil Frame with a nil
// error means the frame was valid but carries nothing for the session
// (pong, or a type this client does not know).
func decodeFrame(data []byte) (*Frame, string, error) {
	typ, ok := FrameType(data)
	if !ok {
		return nil, "", fmt.Errorf("%w: not a typed JSON envelope", cserrors.ErrMalformedFrame)
	}

	switch typ {
	case FrameMessage:
		var env struct {
			Data Message `json:"data"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			return nil, typ, fmt.Errorf("%w: decoding message: %w", cserrors.ErrMalformedFrame, err)
		}

		if env.Data.ID <= 0 {
			return nil, typ, fmt.Errorf("%w: message without id", cserrors.ErrMalformedFrame)
		}

		return &Frame{Message: &env.Data}, typ, nil

	case FrameMembershipChanged:
		var env struct {
			Data MembershipChange `json:"data"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			return nil, typ, fmt.Errorf("%w: decoding membership change: %w", cserrors.ErrMalformedFrame, err)
		}

		return &Frame{Membership: &env.Data}, typ, nil

	case FrameError:
		var env struct {
			Data SendRejection `json:"data"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			return nil, typ, fmt.Errorf("%w: decoding error frame: %w", cserrors.ErrMalformedFrame, err)
		}

		return &Frame{Rejection: &env.Data}, typ, nil

	default:
		return nil, typ, nil
	}
}
