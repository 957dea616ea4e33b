package workspace

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/cloud-shuttle/muster/pkg/types"
)

// IdempotencyKey derives a deterministic fingerprint of an execution's
// inputs: the work item identity, its type, a hash of its payload, and the
// executing agent. Identical inputs always produce the same key; any payload
// change produces a different key.
func IdempotencyKey(item *types.WorkItem, agent *types.Agent) string {
	payloadHash := sha256.Sum256(item.Payload)
	material := fmt.Sprintf("%s|%s|%s|%s",
		item.ID, item.WorkType, hex.EncodeToString(payloadHash[:]), agent.Key)
	sum := sha256.Sum256([]byte(material))
	return hex.EncodeToString(sum[:])
}
