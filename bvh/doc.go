// Package bvh defines the builder contract used by the acceleration
// structure manager and provides two host builders.
//
// A [Builder] turns pooled triangle geometry into a bottom-level BVH
// written into a shared node buffer, and turns a list of instances into a
// top-level BVH plus a per-instance info buffer. Both levels share the
// same 32-byte [Node] layout:
//
//	dword 0..2  bounds min (f32)
//	dword 3     left child index, or primitive index for leaves
//	dword 4..6  bounds max (f32)
//	dword 7     right child index, or LeafFlag | primitive count
//
// Child indices are relative to the first node of the tree; the root is
// node 0. BLAS leaves index triangles of their mesh, TLAS leaves index
// instances.
//
// [SAHBuilder] partitions with the surface area heuristic; [LBVHBuilder]
// sorts primitives along a Morton curve and splits on the highest
// differing bit, mirroring a GPU radix-sort build. Both consume the same
// scratch protocol and produce trees with 2n-1 nodes.
package bvh
