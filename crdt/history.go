package crdt

import (
	"crypto/sha256"
	"hash/crc32"
	"sort"
)

// Checksums summarizes a delta set for cheap divergence detection:
// count of deltas, sum of their per-delta integer signatures, and a
// crc32 over their sorted canonical bytes. Matches
// original_source/crdts/pncounter.py's checksums() shape (clock
// reading first, then content digest) per SPEC_FULL.md §5.
type Checksums struct {
	ClockReading int64
	Count        int
	Total        int64
	CRC          uint32
}

// packedDelta pairs a StateUpdate with its canonical encoding, the
// unit every history/checksum/Merkle helper in this file operates on.
type packedDelta struct {
	update StateUpdate
	packed []byte
}

// computeChecksums folds packed deltas into a Checksums value. sig
// extracts the per-delta integer signature to sum (callers pass a
// small closure, e.g. the delta's timestamp, since payload shapes
// differ per CRDT).
func computeChecksums(clockReading int64, deltas []packedDelta, sig func(StateUpdate) int64) Checksums {
	sorted := make([][]byte, len(deltas))
	var total int64
	for i, d := range deltas {
		sorted[i] = d.packed
		total += sig(d.update)
	}
	sort.Slice(sorted, func(i, j int) bool {
		return string(sorted[i]) < string(sorted[j])
	})
	crc := crc32.NewIEEE()
	for _, b := range sorted {
		crc.Write(b)
	}
	return Checksums{
		ClockReading: clockReading,
		Count:        len(deltas),
		Total:        total,
		CRC:          crc.Sum32(),
	}
}

// MerkleHistory is the (root, leaf_ids, id_to_packed_delta) triple of
// spec.md §4.10, grounded on original_source/crdts/merkle.py: each
// leaf id is sha256(packed_delta); the root is
// sha256(concat(sorted(leaf_ids))).
type MerkleHistory struct {
	Root    [32]byte
	Leaves  [][32]byte
	ByLeaf  map[[32]byte][]byte
}

func leafID(packed []byte) [32]byte {
	return sha256.Sum256(packed)
}

// buildMerkleHistory computes a MerkleHistory over a set of packed
// deltas, exactly as original_source/crdts/merkle.py's
// calculate_merkle_root walks a leaf-id list.
func buildMerkleHistory(deltas []packedDelta) MerkleHistory {
	leaves := make([][32]byte, len(deltas))
	byLeaf := make(map[[32]byte][]byte, len(deltas))
	for i, d := range deltas {
		id := leafID(d.packed)
		leaves[i] = id
		byLeaf[id] = d.packed
	}
	sort.Slice(leaves, func(i, j int) bool {
		return string(leaves[i][:]) < string(leaves[j][:])
	})
	h := sha256.New()
	for _, l := range leaves {
		h.Write(l[:])
	}
	var root [32]byte
	copy(root[:], h.Sum(nil))
	return MerkleHistory{Root: root, Leaves: leaves, ByLeaf: byLeaf}
}

// ResolveMerkleHistories returns the leaf ids present in peerLeaves
// but absent from local's own leaf set — the deltas the caller must
// request from the peer (whose ByLeaf map holds their packed bytes)
// to converge. Grounded on
// original_source/crdts/merkle.py's resolve_merkle_histories.
func ResolveMerkleHistories(local MerkleHistory, peerLeaves [][32]byte) [][32]byte {
	have := make(map[[32]byte]struct{}, len(local.Leaves))
	for _, l := range local.Leaves {
		have[l] = struct{}{}
	}
	var missing [][32]byte
	for _, l := range peerLeaves {
		if _, ok := have[l]; !ok {
			missing = append(missing, l)
		}
	}
	return missing
}
