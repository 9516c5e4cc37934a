package distributed

// Seedable is any pseudo-random source that can be reseeded, such as *rand.Rand or a
// backend's framework generator.
type Seedable interface {
	Seed(seed int64)
}

// DeriveSeed gives each rank a distinct but reproducible seed.
func DeriveSeed(base int64, rank int) int64 {
	return base + int64(rank)
}

// SeedAll applies the same seed to every source. It must run before any data loading
// or model construction.
func SeedAll(seed int64, sources ...Seedable) {
	for _, s := range sources {
		if s != nil {
			s.Seed(seed)
		}
	}
}
