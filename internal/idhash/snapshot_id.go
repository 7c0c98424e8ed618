// Package idhash derives deterministic identifiers from natural keys.
package idhash

import (
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/mr-tron/base58"
)

// ComputeSnapshotID computes a deterministic snapshot id.
// Formula: base58(SHA256(creator_id|YYYY-MM-DD)), date taken in UTC.
func ComputeSnapshotID(creatorID string, date time.Time) string {
	data := fmt.Sprintf("%s|%s", creatorID, date.UTC().Format(time.DateOnly))
	return encode(data)
}

// ComputeEventID computes a deterministic id for a status change so that
// redelivered events can be dropped by consumers.
// Formula: base58(SHA256(tip_id|to_status|stop_loss_hit|occurred_at_unix_ms)).
func ComputeEventID(tipID, toStatus string, stopLossHit bool, occurredAt time.Time) string {
	data := fmt.Sprintf("%s|%s|%t|%d", tipID, toStatus, stopLossHit, occurredAt.UTC().UnixMilli())
	return encode(data)
}

func encode(data string) string {
	hash := sha256.Sum256([]byte(data))
	return base58.Encode(hash[:])
}
