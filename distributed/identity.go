// Package distributed derives the identity of a worker inside a multi-process run and
// provides the primitives that keep workers in lockstep: per-rank seeding, epoch-aware
// data samplers and master-only side effects.
package distributed

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/tsawler/go-detr/config"
)

// Launch environment variables understood by Initialize.
const (
	EnvRank        = "RANK"
	EnvWorldSize   = "WORLD_SIZE"
	EnvLocalRank   = "LOCAL_RANK"
	EnvMasterAddr  = "MASTER_ADDR"
	EnvMasterPort  = "MASTER_PORT"
	EnvSlurmProcID = "SLURM_PROCID"
	EnvSlurmNTasks = "SLURM_NTASKS"
	EnvSlurmLocal  = "SLURM_LOCALID"
)

// Env looks up launch environment variables.
type Env interface {
	Lookup(key string) (string, bool)
}

// EnvFunc adapts a lookup function to Env.
type EnvFunc func(key string) (string, bool)

func (f EnvFunc) Lookup(key string) (string, bool) { return f(key) }

// MapEnv is an Env backed by a map, handy for tests and for child process setup.
type MapEnv map[string]string

func (m MapEnv) Lookup(key string) (string, bool) {
	v, ok := m[key]
	return v, ok
}

// OSEnv reads the process environment.
func OSEnv() Env { return EnvFunc(os.LookupEnv) }

// Identity is the immutable place of this process in the run.
type Identity struct {
	Rank        int
	WorldSize   int
	LocalRank   int
	Device      string
	Distributed bool
	DistURL     string
}

// Single returns the identity of a non-distributed run.
func Single(device string) Identity {
	return Identity{Rank: 0, WorldSize: 1, LocalRank: 0, Device: device}
}

// IsMaster reports whether this process owns shared side effects such as checkpoint
// files. It is always true outside distributed mode.
func (id Identity) IsMaster() bool {
	return !id.Distributed || id.Rank == 0
}

// SaveOnMaster runs write on the master process only. Other ranks return nil
// without calling it.
func (id Identity) SaveOnMaster(write func() error) error {
	if !id.IsMaster() {
		return nil
	}
	return write()
}

func (id Identity) String() string {
	if !id.Distributed {
		return fmt.Sprintf("single process on %s", id.Device)
	}
	return fmt.Sprintf("rank %d/%d (local %d) on %s via %s", id.Rank, id.WorldSize, id.LocalRank, id.Device, id.DistURL)
}

// Initialize derives the identity from the launch environment. RANK and WORLD_SIZE
// select multi-process mode, falling back to SLURM_PROCID. Without either the run is
// single-process. Variables that are present but malformed yield a
// *config.ConfigurationError: the process must not continue with a guessed rank.
func Initialize(env Env, device, distURL string) (Identity, error) {
	if env == nil {
		env = OSEnv()
	}

	_, hasRank := env.Lookup(EnvRank)
	_, hasWorld := env.Lookup(EnvWorldSize)
	_, hasSlurm := env.Lookup(EnvSlurmProcID)

	var (
		rank, world, local int
		err                error
	)
	switch {
	case hasRank || hasWorld:
		if rank, err = requireInt(env, EnvRank); err != nil {
			return Identity{}, err
		}
		if world, err = requireInt(env, EnvWorldSize); err != nil {
			return Identity{}, err
		}
		if local, err = optionalInt(env, EnvLocalRank, rank); err != nil {
			return Identity{}, err
		}
	case hasSlurm:
		if rank, err = requireInt(env, EnvSlurmProcID); err != nil {
			return Identity{}, err
		}
		if world, err = optionalInt(env, EnvSlurmNTasks, rank+1); err != nil {
			return Identity{}, err
		}
		if local, err = optionalInt(env, EnvSlurmLocal, rank); err != nil {
			return Identity{}, err
		}
	default:
		return Single(device), nil
	}

	if world < 1 {
		return Identity{}, &config.ConfigurationError{Field: EnvWorldSize, Reason: fmt.Sprintf("world size %d must be at least 1", world)}
	}
	if rank >= world {
		return Identity{}, &config.ConfigurationError{Field: EnvRank, Reason: fmt.Sprintf("rank %d out of range for world size %d", rank, world)}
	}
	if distURL == "" {
		distURL = "env://"
	}
	if distURL == "env://" {
		if _, ok := env.Lookup(EnvMasterAddr); !ok && world > 1 {
			return Identity{}, &config.ConfigurationError{Field: EnvMasterAddr, Reason: "required with dist_url env:// and world size > 1"}
		}
	}

	return Identity{
		Rank:        rank,
		WorldSize:   world,
		LocalRank:   local,
		Device:      deviceFor(device, local),
		Distributed: true,
		DistURL:     distURL,
	}, nil
}

func deviceFor(device string, local int) string {
	if device == "cuda" {
		return fmt.Sprintf("cuda:%d", local)
	}
	return device
}

func requireInt(env Env, key string) (int, error) {
	raw, ok := env.Lookup(key)
	if !ok {
		return 0, &config.ConfigurationError{Field: key, Reason: "missing from launch environment"}
	}
	return parseNonNegative(key, raw)
}

func optionalInt(env Env, key string, fallback int) (int, error) {
	raw, ok := env.Lookup(key)
	if !ok {
		return fallback, nil
	}
	return parseNonNegative(key, raw)
}

func parseNonNegative(key, raw string) (int, error) {
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, &config.ConfigurationError{Field: key, Reason: fmt.Sprintf("%q is not an integer", raw)}
	}
	if v < 0 {
		return 0, &config.ConfigurationError{Field: key, Reason: fmt.Sprintf("%d must not be negative", v)}
	}
	return v, nil
}
