package hoard

// setBit, clearBit and hasBit are the generic bit-flag primitives frame
// status bytes are built from (dirty, pinned), rather than a separate bool
// per attribute.
func setBit(b, flag uint8) uint8   { return b | flag }
func clearBit(b, flag uint8) uint8 { return b &^ flag }
func hasBit(b, flag uint8) bool    { return b&flag != 0 }

const (
	frameDirty  uint8 = 1 << iota // frame bytes differ from the store's copy
	framePinned                   // frame must not be chosen as an eviction victim
)
