// This package defines the content-derived identifiers used through out quill.
// Identifiers are pure functions of their inputs so that resubmitting or
// redelivering the same logical content always yields the same id.
package ids

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// PayloadID derives the identifier for an outbound payload from its creation
// time and content topic.
func PayloadID(createdAtNs int64, contentTopic string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d:%s", createdAtNs, contentTopic)))
	return hex.EncodeToString(sum[:])
}

// EnvelopeID derives the dedup key for an inbound envelope from its payload
// bytes and topic.
func EnvelopeID(payload []byte, topic string) string {
	sum := sha256.Sum256(append(append([]byte{}, payload...), []byte(topic)...))
	return hex.EncodeToString(sum[:])
}
