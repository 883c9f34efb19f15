package hoard

import (
	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
)

// HashFunction computes a content hash used to validate a reloaded page
// against what was written, when configured.
type HashFunction func([]byte) uint64

// LogFunction is the optional sink Config.LogFunction feeds through; it is
// invoked directly rather than through logrus so callers can plug in their
// own structured logger without this package importing one concrete sink.
type LogFunction func(level, msg string, fields map[string]interface{})

// Config is immutable once passed to CreateBall. Zero-value fields fall
// back to the defaults documented per option; validate is run exactly
// once, at ball creation.
type Config struct {
	// CapacityLimit bounds total in-memory bytes across every slab. Zero
	// means the default of 1 MiB.
	CapacityLimit int
	// InitialPageCount hints how many frames the first slab should hold.
	InitialPageCount int
	// PageSize must be a power of two, or zero to request the OS default.
	PageSize int
	// ResizeThreshold is the miss count between AMP growths.
	ResizeThreshold int
	// ExpansionMultiplier is the starting slab-size multiplier AMP applies;
	// it doubles on each successive growth up to ExpansionMultiplierMax.
	ExpansionMultiplier    int
	ExpansionMultiplierMax int

	// EvictionCallback, if set, is invoked from the Worker for every
	// resident-to-non-resident transition, after the frame (if dirty) has
	// been flushed.
	EvictionCallback func(vaddr uint64, data []byte)

	// HashFunction validates reloaded bytes against a content hash written
	// alongside the page. Defaults to xxhash.Sum64 when nil.
	HashFunction HashFunction
	// LogFunction receives structured log records when EnableLogging is set.
	LogFunction LogFunction

	// UseHybridPages is reserved; CreateBall rejects true.
	UseHybridPages bool
	// IsVolatile means evictions never persist; reload after eviction
	// returns a cache miss rather than a store hit.
	IsVolatile bool
	// LockablePages gives every frame its own mutex.
	LockablePages bool
	// EnableLogging toggles log emission, to LogFunction when set and to a
	// logrus-backed default otherwise.
	EnableLogging bool
	// EnableBurstMode permits a short-lived worker pool for batch reloads.
	EnableBurstMode bool
	// EnableNuma routes Memory Pool allocations through the NUMA-aware
	// best-effort binding path.
	EnableNuma bool

	// Compression selects the Store Adapter's on-disk compression.
	Compression CompressAlgorithm
}

const (
	defaultCapacityLimit          = 1 << 20 // 1 MiB
	defaultInitialPageCount       = 16
	defaultResizeThreshold        = 8
	defaultExpansionMultiplier    = 1
	defaultExpansionMultiplierMax = 16
)

// withDefaults returns a copy of c with zero-valued fields replaced by
// their documented defaults.
func (c Config) withDefaults() Config {
	if c.CapacityLimit == 0 {
		c.CapacityLimit = defaultCapacityLimit
	}
	if c.InitialPageCount == 0 {
		c.InitialPageCount = defaultInitialPageCount
	}
	if c.ResizeThreshold == 0 {
		c.ResizeThreshold = defaultResizeThreshold
	}
	if c.ExpansionMultiplier == 0 {
		c.ExpansionMultiplier = defaultExpansionMultiplier
	}
	if c.ExpansionMultiplierMax == 0 {
		c.ExpansionMultiplierMax = defaultExpansionMultiplierMax
	}
	if c.HashFunction == nil {
		c.HashFunction = xxhash.Sum64
	}
	return c
}

// validate checks the recognised options and rejects UseHybridPages,
// which is reserved and must stay false.
func (c Config) validate() error {
	if c.UseHybridPages {
		return errors.Wrap(ErrInvalidArgument, "use_hybrid_pages is reserved and must be false")
	}
	if c.PageSize != 0 && !isPowerOfTwo(uint64(c.PageSize)) {
		return errors.Wrap(ErrInvalidArgument, "page_size must be a power of two or zero")
	}
	if c.CapacityLimit < 0 {
		return errors.Wrap(ErrInvalidArgument, "capacity_limit must not be negative")
	}
	return nil
}
