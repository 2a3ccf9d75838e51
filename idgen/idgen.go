// Package idgen provides pluggable ID generation for the web-agent runtime.
//
// Session, trace and frame identifiers all flow through a Generator so that
// the ID strategy is a startup-time decision rather than a compile-time one.
package idgen

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// UUID returns a Generator producing cryptographically-random RFC 4122
// version 4 UUID strings. Session ids use this strategy.
func UUID() Generator {
	return func() string {
		return uuid.NewString()
	}
}

// NanoID returns a Generator producing base-36 IDs of the given length.
// Short and URL-safe; used where a full UUID is too verbose.
func NanoID(length int) Generator {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	return func() string {
		out := make([]byte, length)
		buf := make([]byte, length)
		if _, err := rand.Read(buf); err != nil {
			panic("idgen: crypto/rand failed: " + err.Error())
		}
		for i := range out {
			out[i] = alphabet[int(buf[i])%len(alphabet)]
		}
		return string(out)
	}
}

// Prefixed wraps a Generator and prepends a fixed prefix to every ID.
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Default is the runtime default: random UUIDv4.
var Default Generator = UUID()

// New produces an ID using the Default generator.
func New() string {
	return Default()
}

// TraceID derives the trace identifier for a session: the session id plus
// its creation epoch in milliseconds. The pair survives session-id reuse
// across process restarts.
func TraceID(sessionID string, createdAt time.Time) string {
	return fmt.Sprintf("%s:%d", sessionID, createdAt.UnixMilli())
}

// FrameID builds a frame identifier: "{session_id}-{epoch_ms}-{seq}".
// seq is monotonic per session.
func FrameID(sessionID string, at time.Time, seq int64) string {
	return fmt.Sprintf("%s-%d-%d", sessionID, at.UnixMilli(), seq)
}

// Parse validates a UUID string and returns it or an error.
func Parse(s string) (string, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("idgen: invalid UUID: %w", err)
	}
	return u.String(), nil
}
