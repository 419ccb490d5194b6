// Package domain defines the analysis cache fingerprints and results.
package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
)

// CacheFingerprint derives the cache key from the ordered-insensitive set of
// document hashes plus the model version and prompt signature. Any input
// change produces a different key, so entries are never updated in place.
func CacheFingerprint(documentHashes []string, modelVersion, promptSignature string) string {
	return fingerprint(documentHashes, modelVersion, promptSignature)
}

// LockFingerprint keys the computation lock on document identity alone,
// deliberately narrower than the cache key: a model-version bump mid-flight
// must not allow two computations over the same document set.
func LockFingerprint(documentHashes []string) string {
	return fingerprint(documentHashes)
}

func fingerprint(documentHashes []string, extra ...string) string {
	sorted := make([]string, len(documentHashes))
	copy(sorted, documentHashes)
	sort.Strings(sorted)

	h := sha256.New()
	h.Write([]byte(strings.Join(sorted, "\n")))
	for _, part := range extra {
		h.Write([]byte{0})
		h.Write([]byte(part))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Entry is the stored envelope for a cached analysis payload.
type Entry struct {
	Key            string          `json:"key"`
	WorkspaceID    snowflake.ID    `json:"workspace_id,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	LastMovementAt *time.Time      `json:"last_movement_at,omitempty"`
	StoredAt       time.Time       `json:"stored_at"`
}

type CheckRequest struct {
	DocumentHashes  []string
	ModelVersion    string
	PromptSignature string
	LastMovementAt  *time.Time
}

type CheckResult struct {
	Hit  bool            `json:"hit"`
	Key  string          `json:"key"`
	Data json.RawMessage `json:"data,omitempty"`
	Age  time.Duration   `json:"age,omitempty"`
}

type SaveRequest struct {
	DocumentHashes  []string
	ModelVersion    string
	PromptSignature string
	Payload         json.RawMessage
	LastMovementAt  *time.Time
	WorkspaceID     snowflake.ID
}

// LockResult reports an acquisition attempt. When contended, TTL is the
// remaining lease of the current holder, usable as a retry-after hint.
type LockResult struct {
	Acquired bool          `json:"acquired"`
	LockKey  string        `json:"lock_key"`
	Token    string        `json:"-"`
	TTL      time.Duration `json:"ttl"`
}
