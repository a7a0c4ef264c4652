package document

import (
	"encoding/hex"
	"encoding/json"
	"sort"

	"golang.org/x/crypto/blake2b"

	v1 "roomsync/shared/contracts/realtime/v1"
)

// Digest returns a stable BLAKE2b-256 digest of a record set.
// Records are ordered by id and map keys are ordered by encoding/json, so equal documents
// always hash alike regardless of insertion order.
func Digest(records []v1.Record) string {
	sorted := append([]v1.Record(nil), records...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	if sorted == nil {
		sorted = []v1.Record{}
	}

	b, err := json.Marshal(sorted)
	if err != nil {
		return ""
	}
	sum := blake2b.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Digest returns the digest of the current document.
func (d *Document) Digest() string { return Digest(d.Snapshot()) }
