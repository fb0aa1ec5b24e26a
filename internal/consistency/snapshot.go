package consistency

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/crypto/blake2b"
)

// Record is a row written by a job, identified by its table and natural key.
type Record struct {
	Table  string         `json:"table"`
	Key    string         `json:"key"`
	Fields map[string]any `json:"fields,omitempty"`
}

func (r Record) id() string {
	return r.Table + "/" + r.Key
}

// State is what a guard captures: the task's status and progress plus the
// records the job is responsible for.
type State struct {
	Status   string   `json:"status"`
	Progress int      `json:"progress"`
	Records  []Record `json:"records,omitempty"`
}

// Snapshot is a checksummed State.
type Snapshot struct {
	State    State
	Checksum string
	TakenAt  time.Time
}

// NewSnapshot checksums s with BLAKE2b-256 over its JSON encoding.
func NewSnapshot(s State, at time.Time) (Snapshot, error) {
	sum, err := Checksum(s)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{State: s, Checksum: sum, TakenAt: at}, nil
}

// Checksum returns the hex BLAKE2b-256 digest of s. Map keys are encoded in
// sorted order, so equal states have equal checksums.
func Checksum(s State) (string, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("failed to encode state: %w", err)
	}
	sum := blake2b.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Changed reports whether two snapshots differ.
func (s Snapshot) Changed(other Snapshot) bool {
	return s.Checksum != other.Checksum
}
