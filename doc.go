// Package rtas manages ray tracing acceleration structures on a GPU device.
//
// # Overview
//
// An [AccelerationStructure] owns three kinds of device memory:
//
//   - a geometry pool holding every referenced sub-mesh as flat float
//     positions and u32 indices,
//   - a node buffer holding one bottom-level BVH (BLAS) per distinct
//     sub-mesh, shared by all of its instances,
//   - a top-level BVH (TLAS) over the instances plus an instance info
//     buffer, rebuilt after any instance mutation.
//
// # Quick Start
//
//	dev := memory.New() // or native.NewDefault() for a Vulkan device
//
//	as, err := rtas.New(dev, rtas.WithBuildFlags(bvh.PreferFastTrace))
//	if err != nil {
//	    return err
//	}
//	defer as.Close()
//
//	h, err := as.AddInstance(rtas.InstanceDesc{
//	    Mesh:      m,
//	    Transform: bvh.Translation(0, 1, 0),
//	    Mask:      0xff,
//	})
//
//	scratch := allocScratch(dev, as.ScratchSizeInBytes())
//	if err := as.Build(scratch); err != nil {
//	    return err
//	}
//	if err := dev.Submit(); err != nil {
//	    return err
//	}
//	b, _ := as.Bindings()
//
// # Lifecycle
//
// Adding, removing or updating an instance invalidates the TLAS and frees
// its buffers at once; [AccelerationStructure.Bindings] reports ok=false
// until the next [AccelerationStructure.Build]. A BLAS is built the first
// time a Build sees it and is kept until its last instance is removed.
//
// All GPU work is recorded on the device. The caller decides when to
// submit it.
//
// # Builders
//
// The SAH builder (default) and the LBVH builder live in package bvh.
// Custom builders implement [bvh.Builder]; builders that also implement
// [bvh.BatchBuilder] have several outstanding BLAS built in parallel.
//
// # Logging
//
// rtas is silent by default. Call [SetLogger] with an *slog.Logger to
// enable diagnostics; the logger is shared with the backends.
package rtas
