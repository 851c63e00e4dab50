package rtas

import "fmt"

// Stats describes the resources held by an AccelerationStructure.
type Stats struct {
	Instances int
	Blas      int

	// NodesUsed and NodeCapacity count BLAS nodes.
	NodesUsed      int
	NodeCapacity   int
	NodeBufferSize uint64

	VerticesUsed   int // floats
	VertexCapacity int // floats
	IndicesUsed    int
	IndexCapacity  int

	TLASNodes  uint32
	Built      bool
	Builds     int
	BlasBuilds int
}

// String returns a one-line summary.
func (s Stats) String() string {
	return fmt.Sprintf("instances=%d blas=%d nodes=%d/%d vertices=%d/%d indices=%d/%d tlas_nodes=%d built=%v builds=%d blas_builds=%d",
		s.Instances, s.Blas, s.NodesUsed, s.NodeCapacity,
		s.VerticesUsed, s.VertexCapacity, s.IndicesUsed, s.IndexCapacity,
		s.TLASNodes, s.Built, s.Builds, s.BlasBuilds)
}

// Stats returns current resource usage.
func (as *AccelerationStructure) Stats() Stats {
	ps := as.pool.Stats()
	s := Stats{
		Instances:      as.instances.live,
		Blas:           as.cache.count(),
		NodesUsed:      as.cache.nodes.Used(),
		NodeCapacity:   as.cache.nodes.Capacity(),
		NodeBufferSize: as.cache.nodes.SizeInBytes(),
		VerticesUsed:   ps.VerticesUsed,
		VertexCapacity: ps.VertexCapacity,
		IndicesUsed:    ps.IndicesUsed,
		IndexCapacity:  ps.IndexCapacity,
		Built:          as.state == tlasBuilt,
		Builds:         as.builds,
		BlasBuilds:     as.blasBuilds,
	}
	if s.Built {
		s.TLASNodes = as.top.NodeCount
	}
	return s
}
