package cache

// Block-level artifact deltas. Large artifacts that change little between
// builds are stored as the set of 4 KiB blocks that differ from a base
// version.

const (
	// BlockSize is the delta block granularity.
	BlockSize = 4096
	// DeltaThreshold is the minimum base size for delta storage; smaller
	// artifacts are stored as full copies.
	DeltaThreshold = 1 << 20
)

// Delta records the blocks of a new artifact that differ from its base.
type Delta struct {
	BaseSize int
	NewSize  int
	Blocks   map[int][]byte
}

// EligibleForDelta reports whether a base artifact is large enough for
// block-level storage.
func EligibleForDelta(baseSize int) bool {
	return baseSize >= DeltaThreshold
}

// ComputeDelta diffs new against base over fixed-size blocks. Every block of
// new that differs from the corresponding base block, including blocks past
// the end of base, is recorded.
func ComputeDelta(base, new []byte) *Delta {
	d := &Delta{BaseSize: len(base), NewSize: len(new), Blocks: make(map[int][]byte)}
	for off := 0; off < len(new); off += BlockSize {
		end := off + BlockSize
		if end > len(new) {
			end = len(new)
		}
		blk := new[off:end]
		if off < len(base) {
			bend := off + BlockSize
			if bend > len(base) {
				bend = len(base)
			}
			if string(base[off:bend]) == string(blk) {
				continue
			}
		}
		cp := make([]byte, len(blk))
		copy(cp, blk)
		d.Blocks[off/BlockSize] = cp
	}
	return d
}

// ApplyDelta reconstructs the new artifact from its base and a delta,
// byte-for-byte.
func ApplyDelta(base []byte, d *Delta) []byte {
	out := make([]byte, d.NewSize)
	for off := 0; off < d.NewSize; off += BlockSize {
		end := off + BlockSize
		if end > d.NewSize {
			end = d.NewSize
		}
		if blk, ok := d.Blocks[off/BlockSize]; ok {
			copy(out[off:end], blk)
			continue
		}
		copy(out[off:end], base[off:end])
	}
	return out
}
