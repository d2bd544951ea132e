package chunkengine

import (
	"fmt"

	"github.com/cyfs-io/bdt/internal/fec"
)

// Protector groups pieces into k-sized shard groups and appends
// Reed-Solomon parity shards, so a receiver missing up to r pieces in a
// group can still recover it. Parameters track internal/fec's
// AdaptivePolicy so K/R scale with observed loss.
type Protector struct {
	policy *fec.AdaptivePolicy
}

// NewProtector builds a protector driven by policy.
func NewProtector(policy *fec.AdaptivePolicy) *Protector {
	return &Protector{policy: policy}
}

// EncodeGroup pads pieces to a common length and returns the parity
// shards to append after them on the wire. Returns (nil, nil) when the
// policy currently has FEC disabled.
func (p *Protector) EncodeGroup(pieces [][]byte) ([][]byte, error) {
	enabled, k, r := p.policy.GetParameters()
	if !enabled || len(pieces) == 0 {
		return nil, nil
	}
	if len(pieces) != k {
		return nil, fmt.Errorf("chunkengine: fec group expects %d pieces, got %d", k, len(pieces))
	}

	padded := padShards(pieces)
	enc, err := fec.NewEncoder(k, r)
	if err != nil {
		return nil, err
	}
	return enc.Encode(padded)
}

// Reconstruct fills in nil entries of shards (data pieces followed by
// parity shards) given at least k of them. shards is modified in place.
func (p *Protector) Reconstruct(shards [][]byte, k, r int) error {
	dec, err := fec.NewDecoder(k, r)
	if err != nil {
		return err
	}
	return dec.Reconstruct(shards)
}

// OnPieceLoss feeds an observed loss rate (0-100) into the adaptive
// policy so EncodeGroup's K/R track current conditions.
func (p *Protector) OnPieceLoss(lossRatePercent float64) {
	p.policy.Update(lossRatePercent)
}

// padShards returns a copy of shards right-padded with zeros to the
// length of the longest shard, since Reed-Solomon requires equal-size
// inputs but the final piece of a chunk is usually shorter.
func padShards(shards [][]byte) [][]byte {
	max := 0
	for _, s := range shards {
		if len(s) > max {
			max = len(s)
		}
	}
	out := make([][]byte, len(shards))
	for i, s := range shards {
		if len(s) == max {
			out[i] = s
			continue
		}
		padded := make([]byte, max)
		copy(padded, s)
		out[i] = padded
	}
	return out
}
