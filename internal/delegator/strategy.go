package delegator

// Strategy selects how newChunk picks among eligible candidate pieces
// once affinity/existing-BlockList scans (delegate() steps 1–6) have
// failed to produce a result.
type Strategy uint8

const (
	StrategyRarestFirst Strategy = iota
	StrategySequential
	StrategyRandom
)

// selector turns "peer has these pieces, I want a new one" into a
// single piece index, or reports none. It is the "ask the selector
// for a new piece" step referenced throughout spec §4.D.
type selector struct {
	strategy    Strategy
	avail       *availabilityBucket
	nextSeqScan uint32
}

func newSelector(strategy Strategy, avail *availabilityBucket) *selector {
	return &selector{strategy: strategy, avail: avail}
}

// pick returns the chosen piece index, or ok=false if nothing
// eligible exists. eligible(i) must report whether piece i is a
// candidate (peer has it, constrained to the requested priority set,
// not already in the TransferList, not completed).
func (s *selector) pick(pieceCount uint32, eligible func(i uint32) bool) (uint32, bool) {
	switch s.strategy {
	case StrategySequential:
		for i := uint32(0); i < pieceCount; i++ {
			if eligible(i) {
				return i, true
			}
		}
		return 0, false

	case StrategyRandom:
		// Buckets randomize insertion order internally (availability.go's
		// addTo), so walking every bucket low-to-high and taking the
		// first eligible entry still yields a non-deterministic pick
		// within each availability level without needing a second RNG
		// pass here.
		for a := 0; a <= s.avail.maxAvail; a++ {
			for _, idx := range s.avail.Bucket(a) {
				if eligible(uint32(idx)) {
					return uint32(idx), true
				}
			}
		}
		return 0, false

	default: // StrategyRarestFirst
		for a := 0; a <= s.avail.maxAvail; a++ {
			for _, idx := range s.avail.Bucket(a) {
				if eligible(uint32(idx)) {
					return uint32(idx), true
				}
			}
		}
		return 0, false
	}
}
