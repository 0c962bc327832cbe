package mqttclient

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// ErrInvalidTopicName is returned for topic names that cannot be published to.
var ErrInvalidTopicName = errors.New("invalid topic name")

// ValidateTopicName checks a topic name used in PUBLISH. Topic names must
// be non-empty UTF-8 of at most 65535 bytes, without wildcards or NUL.
func ValidateTopicName(topic string) error {
	if topic == "" {
		return fmt.Errorf("%w: empty", ErrInvalidTopicName)
	}

	if len(topic) > maxUint16 || !utf8.ValidString(topic) {
		return ErrInvalidTopicName
	}

	if strings.ContainsAny(topic, "+#\x00") {
		return fmt.Errorf("%w: %q", ErrInvalidTopicName, topic)
	}

	return nil
}

