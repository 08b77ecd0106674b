package codec

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// User-property names every control message must carry.
const (
	UserPropertyMsgVersion = "MSG_VERSION"
	UserPropertySenderUUID = "SENDER_UUID"
)

// ErrMissingUserProperty is returned when a required MQTT v5 user
// property is absent from a control message.
var ErrMissingUserProperty = fmt.Errorf("codec: %w", ErrMissingField)

// ControlHeader carries the two required MQTT v5 user properties every
// control message must have.
type ControlHeader struct {
	MsgVersion string
	SenderUUID uuid.UUID
}

// ParseControlHeader extracts and validates the required user
// properties. A message lacking either is rejected so the engine can
// log and drop it.
func ParseControlHeader(userProps map[string]string) (ControlHeader, error) {
	version, ok := userProps[UserPropertyMsgVersion]

	if !ok || version == "" {
		return ControlHeader{}, fmt.Errorf("%w: %s", ErrMissingUserProperty, UserPropertyMsgVersion)
	}

	senderRaw, ok := userProps[UserPropertySenderUUID]

	if !ok || senderRaw == "" {
		return ControlHeader{}, fmt.Errorf("%w: %s", ErrMissingUserProperty, UserPropertySenderUUID)
	}

	sender, err := uuid.Parse(senderRaw)

	if err != nil {
		return ControlHeader{}, fmt.Errorf("codec: invalid sender uuid: %w", err)
	}

	return ControlHeader{MsgVersion: version, SenderUUID: sender}, nil
}

// CompatibleMajor reports whether two semantic versions share the same
// major component; a peer rejects messages whose MSG_VERSION major
// differs from its own.
func CompatibleMajor(a, b string) bool {
	return major(a) == major(b) && major(a) != ""
}

func major(version string) string {
	parts := strings.SplitN(version, ".", 2)

	if len(parts) == 0 {
		return ""
	}

	if _, err := strconv.Atoi(parts[0]); err != nil {
		return ""
	}

	return parts[0]
}
