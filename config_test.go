package rtas

import (
	"testing"

	"github.com/gogpu/rtas/bvh"
)

func TestConfigDefaults(t *testing.T) {
	c := Config{}.withDefaults()
	if c.NodeCapacity != DefaultNodeCapacity {
		t.Errorf("NodeCapacity = %d, want %d", c.NodeCapacity, DefaultNodeCapacity)
	}
	if c.MaxNodeBufferBytes != DefaultMaxNodeBufferBytes {
		t.Errorf("MaxNodeBufferBytes = %d, want %d", c.MaxNodeBufferBytes, DefaultMaxNodeBufferBytes)
	}
	if c.GrowthFactor != DefaultGrowthFactor {
		t.Errorf("GrowthFactor = %v, want %v", c.GrowthFactor, DefaultGrowthFactor)
	}
}

func TestOptions(t *testing.T) {
	var c Config
	for _, opt := range []Option{
		WithBuilder(BuilderLBVH),
		WithBuildFlags(bvh.PreferFastTrace),
		WithHandleSeed(42),
		WithMaxNodeBufferBytes(1 << 20),
		WithInitialCapacities(16, 300, 600),
		WithGrowthFactor(2),
		WithWorkers(3),
	} {
		opt(&c)
	}
	want := Config{
		Builder:            BuilderLBVH,
		BuildFlags:         bvh.PreferFastTrace,
		HandleSeed:         42,
		MaxNodeBufferBytes: 1 << 20,
		NodeCapacity:       16,
		VertexCapacity:     300,
		IndexCapacity:      600,
		GrowthFactor:       2,
		Workers:            3,
	}
	if c != want {
		t.Errorf("config = %+v, want %+v", c, want)
	}
}

func TestConfigBuilder(t *testing.T) {
	tests := []struct {
		cfg  Config
		want string
	}{
		{Config{}, "sah"},
		{Config{Builder: BuilderLBVH}, "lbvh"},
		{Config{Builder: BuilderLBVH, CustomBuilder: bvh.NewSAHBuilder()}, "sah"},
	}
	for _, tt := range tests {
		if got := tt.cfg.builder().Name(); got != tt.want {
			t.Errorf("builder() = %q, want %q", got, tt.want)
		}
	}
	if BuilderKind(7).String() != "BuilderKind(7)" {
		t.Errorf("unexpected name %q", BuilderKind(7).String())
	}
}
