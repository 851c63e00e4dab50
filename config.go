package rtas

import (
	"fmt"

	"github.com/gogpu/rtas/bvh"
)

// BuilderKind selects the BVH builder.
type BuilderKind uint8

// Builder kinds.
const (
	// BuilderSAH builds with the surface area heuristic (default).
	BuilderSAH BuilderKind = iota

	// BuilderLBVH builds Morton-ordered linear BVHs.
	BuilderLBVH
)

// String returns the builder name.
func (k BuilderKind) String() string {
	switch k {
	case BuilderSAH:
		return "sah"
	case BuilderLBVH:
		return "lbvh"
	default:
		return fmt.Sprintf("BuilderKind(%d)", uint8(k))
	}
}

// Default configuration values.
const (
	// DefaultNodeCapacity is the initial BVH node buffer size in nodes.
	DefaultNodeCapacity = 4096

	// DefaultMaxNodeBufferBytes caps the BVH node buffer (128 MiB).
	DefaultMaxNodeBufferBytes = 128 << 20

	// DefaultGrowthFactor rounds buffer growth up.
	DefaultGrowthFactor = 1.5
)

// Config configures an AccelerationStructure. Zero fields take the
// documented defaults.
type Config struct {
	// Builder selects the BVH builder. Ignored when CustomBuilder is set.
	Builder BuilderKind

	// CustomBuilder replaces the built-in builders.
	CustomBuilder bvh.Builder

	// BuildFlags are passed to every BLAS and TLAS build.
	BuildFlags bvh.BuildFlags

	// HandleSeed seeds the instance handle mask. Zero picks a random seed.
	HandleSeed uint64

	// NodeCapacity is the initial BVH node buffer size in nodes.
	// If 0, defaults to DefaultNodeCapacity.
	NodeCapacity int

	// MaxNodeBufferBytes caps the BVH node buffer.
	// If 0, defaults to DefaultMaxNodeBufferBytes.
	MaxNodeBufferBytes uint64

	// VertexCapacity is the initial geometry pool size in floats.
	VertexCapacity int

	// IndexCapacity is the initial geometry pool size in indices.
	IndexCapacity int

	// GrowthFactor rounds buffer growth up. If 0, defaults to
	// DefaultGrowthFactor; values below 1 disable rounding.
	GrowthFactor float64

	// Workers is the number of goroutines building BLAS trees when a
	// Build has several outstanding. 0 uses GOMAXPROCS; 1 builds serially.
	Workers int
}

func (c Config) withDefaults() Config {
	if c.NodeCapacity <= 0 {
		c.NodeCapacity = DefaultNodeCapacity
	}
	if c.MaxNodeBufferBytes == 0 {
		c.MaxNodeBufferBytes = DefaultMaxNodeBufferBytes
	}
	if c.GrowthFactor == 0 {
		c.GrowthFactor = DefaultGrowthFactor
	}
	return c
}

func (c Config) builder() bvh.Builder {
	if c.CustomBuilder != nil {
		return c.CustomBuilder
	}
	if c.Builder == BuilderLBVH {
		return bvh.NewLBVHBuilder()
	}
	return bvh.NewSAHBuilder()
}

// Option configures an AccelerationStructure during creation.
//
// Example:
//
//	as, err := rtas.New(dev,
//	    rtas.WithBuilder(rtas.BuilderLBVH),
//	    rtas.WithBuildFlags(bvh.PreferFastBuild))
type Option func(*Config)

// WithConfig replaces the whole configuration.
func WithConfig(cfg Config) Option {
	return func(c *Config) { *c = cfg }
}

// WithBuilder selects a built-in builder.
func WithBuilder(k BuilderKind) Option {
	return func(c *Config) { c.Builder = k }
}

// WithCustomBuilder installs a caller-provided builder.
func WithCustomBuilder(b bvh.Builder) Option {
	return func(c *Config) { c.CustomBuilder = b }
}

// WithBuildFlags sets the build flags.
func WithBuildFlags(f bvh.BuildFlags) Option {
	return func(c *Config) { c.BuildFlags = f }
}

// WithHandleSeed makes instance handles deterministic.
func WithHandleSeed(seed uint64) Option {
	return func(c *Config) { c.HandleSeed = seed }
}

// WithMaxNodeBufferBytes caps the BVH node buffer.
func WithMaxNodeBufferBytes(n uint64) Option {
	return func(c *Config) { c.MaxNodeBufferBytes = n }
}

// WithInitialCapacities sets the initial node, vertex (floats) and index
// capacities. Non-positive values keep the defaults.
func WithInitialCapacities(nodes, vertices, indices int) Option {
	return func(c *Config) {
		c.NodeCapacity = nodes
		c.VertexCapacity = vertices
		c.IndexCapacity = indices
	}
}

// WithGrowthFactor sets the buffer growth rounding factor.
func WithGrowthFactor(f float64) Option {
	return func(c *Config) { c.GrowthFactor = f }
}

// WithWorkers sets the number of BLAS build workers.
func WithWorkers(n int) Option {
	return func(c *Config) { c.Workers = n }
}
