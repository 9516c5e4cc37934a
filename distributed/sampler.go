package distributed

import (
	"math/rand"
)

// Sampler yields the dataset indices one process visits during an epoch.
type Sampler interface {
	Indices() []int
	Len() int
}

// EpochSetter is implemented by samplers whose order depends on the epoch.
type EpochSetter interface {
	SetEpoch(epoch int)
}

// SynchronizeEpoch tells the sampler which epoch is about to run so that every worker
// derives the same shuffled order. It must be called once per epoch before the
// training data is iterated. Outside distributed mode it does nothing.
func SynchronizeEpoch(id Identity, s Sampler, epoch int) {
	if !id.Distributed {
		return
	}
	if es, ok := s.(EpochSetter); ok {
		es.SetEpoch(epoch)
	}
}

// SequentialSampler visits 0..n-1 in order.
type SequentialSampler struct {
	n int
}

func NewSequentialSampler(n int) *SequentialSampler {
	return &SequentialSampler{n: n}
}

func (s *SequentialSampler) Len() int { return s.n }

func (s *SequentialSampler) Indices() []int {
	out := make([]int, s.n)
	for i := range out {
		out[i] = i
	}
	return out
}

// RandomSampler draws a fresh permutation from its own generator on every call.
// It is Seedable so the per-rank seed reaches it.
type RandomSampler struct {
	n   int
	rng *rand.Rand
}

func NewRandomSampler(n int, seed int64) *RandomSampler {
	return &RandomSampler{n: n, rng: rand.New(rand.NewSource(seed))}
}

func (s *RandomSampler) Len() int { return s.n }

func (s *RandomSampler) Seed(seed int64) { s.rng.Seed(seed) }

func (s *RandomSampler) Indices() []int {
	indices := make([]int, s.n)
	for i := range indices {
		indices[i] = i
	}
	for i := len(indices) - 1; i > 0; i-- {
		j := s.rng.Intn(i + 1)
		indices[i], indices[j] = indices[j], indices[i]
	}
	return indices
}

// DistributedSampler restricts each rank to a disjoint shard of the dataset. The shard
// order is a function of (seed, epoch) only, so all ranks agree on it without
// communicating. The index list is padded by wrapping around so every rank gets the
// same number of samples.
type DistributedSampler struct {
	n         int
	rank      int
	worldSize int
	shuffle   bool
	seed      int64
	epoch     int
}

// NewDistributedSampler builds a sampler for one rank. The seed must be the base seed
// shared by all ranks, not the per-rank derived seed.
func NewDistributedSampler(n int, id Identity, shuffle bool, seed int64) *DistributedSampler {
	world := id.WorldSize
	if world < 1 {
		world = 1
	}
	return &DistributedSampler{
		n:         n,
		rank:      id.Rank,
		worldSize: world,
		shuffle:   shuffle,
		seed:      seed,
	}
}

func (s *DistributedSampler) SetEpoch(epoch int) { s.epoch = epoch }

func (s *DistributedSampler) Epoch() int { return s.epoch }

// Len is the number of samples this rank sees per epoch.
func (s *DistributedSampler) Len() int {
	return (s.n + s.worldSize - 1) / s.worldSize
}

func (s *DistributedSampler) Indices() []int {
	if s.n == 0 {
		return nil
	}
	var order []int
	if s.shuffle {
		order = rand.New(rand.NewSource(s.seed + int64(s.epoch))).Perm(s.n)
	} else {
		order = NewSequentialSampler(s.n).Indices()
	}

	total := s.Len() * s.worldSize
	for i := 0; len(order) < total; i++ {
		order = append(order, order[i%s.n])
	}

	shard := make([]int, 0, s.Len())
	for i := s.rank; i < total; i += s.worldSize {
		shard = append(shard, order[i])
	}
	return shard
}

// BatchSampler groups a sampler's indices into batches.
type BatchSampler struct {
	sampler   Sampler
	batchSize int
	dropLast  bool
}

func NewBatchSampler(s Sampler, batchSize int, dropLast bool) *BatchSampler {
	if batchSize <= 0 {
		batchSize = 1
	}
	return &BatchSampler{sampler: s, batchSize: batchSize, dropLast: dropLast}
}

// Sampler returns the wrapped sampler, the handle SynchronizeEpoch expects.
func (b *BatchSampler) Sampler() Sampler { return b.sampler }

// Len returns the number of batches in an epoch.
func (b *BatchSampler) Len() int {
	if b.dropLast {
		return b.sampler.Len() / b.batchSize
	}
	return (b.sampler.Len() + b.batchSize - 1) / b.batchSize
}

func (b *BatchSampler) Batches() [][]int {
	indices := b.sampler.Indices()
	batches := make([][]int, 0, b.Len())
	for start := 0; start < len(indices); start += b.batchSize {
		end := start + b.batchSize
		if end > len(indices) {
			if b.dropLast {
				break
			}
			end = len(indices)
		}
		batches = append(batches, indices[start:end])
	}
	return batches
}
