// Package snapshot decides when aggregate state is worth caching and how that
// state is encoded.
package snapshot

import "encoding/json"

// DefaultThreshold is the number of versions between snapshots when none is configured.
const DefaultThreshold = 10

// Strategy decides whether a snapshot should be taken at currentVersion given
// the version of the previous snapshot (0 when none exists).
// Implementations must be pure.
type Strategy interface {
	ShouldCreateSnapshot(previousVersion, currentVersion int64) bool
}

// Threshold snapshots every n versions. Zero or negative means DefaultThreshold.
type Threshold int64

func (t Threshold) ShouldCreateSnapshot(previousVersion, currentVersion int64) bool {
	n := int64(t)
	if n <= 0 {
		n = DefaultThreshold
	}
	return currentVersion-previousVersion >= n
}

// Never disables snapshots.
type Never struct{}

func (Never) ShouldCreateSnapshot(int64, int64) bool { return false }

// StrategyFunc adapts a function to Strategy.
type StrategyFunc func(previousVersion, currentVersion int64) bool

func (f StrategyFunc) ShouldCreateSnapshot(previousVersion, currentVersion int64) bool {
	return f(previousVersion, currentVersion)
}

// Codec encodes and decodes aggregate state for durable snapshots.
type Codec[S any] interface {
	Encode(state S) ([]byte, error)
	Decode(data []byte) (S, error)
}

// JSONCodec stores state as JSON.
type JSONCodec[S any] struct{}

func (JSONCodec[S]) Encode(state S) ([]byte, error) { return json.Marshal(state) }

func (JSONCodec[S]) Decode(data []byte) (S, error) {
	var s S
	err := json.Unmarshal(data, &s)
	return s, err
}
