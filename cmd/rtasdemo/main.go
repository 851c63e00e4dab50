// Command rtasdemo builds acceleration structures for a procedural scene
// of instanced meshes and reports the resources they use.
package main

import (
	"flag"
	"fmt"
	"log"
	"log/slog"
	"math/rand/v2"
	"os"
	"time"

	"github.com/gogpu/rtas"
	"github.com/gogpu/rtas/backend/memory"
	"github.com/gogpu/rtas/backend/native"
	"github.com/gogpu/rtas/bvh"
	"github.com/gogpu/rtas/gpucore"
	"github.com/gogpu/rtas/mesh"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

func main() {
	var (
		backend   = flag.String("backend", "memory", "device backend: memory or vulkan")
		builder   = flag.String("builder", "sah", "BVH builder: sah or lbvh")
		instances = flag.Int("instances", 1000, "number of instances")
		rings     = flag.Int("rings", 16, "sphere tessellation")
		fastTrace = flag.Bool("fast-trace", false, "prefer trace performance")
		fastBuild = flag.Bool("fast-build", false, "prefer build speed")
		removeN   = flag.Int("remove", 100, "instances removed before the second build")
		workers   = flag.Int("workers", 0, "BLAS build workers (0 = GOMAXPROCS)")
		verbose   = flag.Bool("v", false, "debug logging")
		seed      = flag.Uint64("seed", 1, "scene seed")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	rtas.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	dev, closeDev, err := openDevice(*backend)
	if err != nil {
		log.Fatalf("Failed to open device: %v", err)
	}
	defer closeDev()

	var flags bvh.BuildFlags
	if *fastTrace {
		flags |= bvh.PreferFastTrace
	}
	if *fastBuild {
		flags |= bvh.PreferFastBuild
	}
	kind := rtas.BuilderSAH
	if *builder == "lbvh" {
		kind = rtas.BuilderLBVH
	}

	as, err := rtas.New(dev,
		rtas.WithBuilder(kind),
		rtas.WithBuildFlags(flags),
		rtas.WithHandleSeed(*seed),
		rtas.WithWorkers(*workers))
	if err != nil {
		log.Fatalf("Failed to create acceleration structure: %v", err)
	}
	defer as.Close()

	meshes, err := uploadMeshes(dev, *rings)
	if err != nil {
		log.Fatalf("Failed to upload meshes: %v", err)
	}

	p := message.NewPrinter(language.English)
	rng := rand.New(rand.NewPCG(*seed, *seed))

	start := time.Now()
	handles := make([]rtas.InstanceHandle, 0, *instances)
	for i := 0; i < *instances; i++ {
		m := meshes[rng.IntN(len(meshes))]
		h, err := as.AddInstance(rtas.InstanceDesc{
			Mesh:           m,
			Transform:      placement(rng),
			Mask:           0xff,
			CullingEnabled: true,
			UserID:         uint32(i),
		})
		if err != nil {
			log.Fatalf("Failed to add instance %d: %v", i, err)
		}
		handles = append(handles, h)
	}
	p.Printf("added %d instances of %d meshes in %v\n", len(handles), len(meshes), time.Since(start).Round(time.Microsecond))

	if err := build(dev, as, p); err != nil {
		log.Fatalf("Build failed: %v", err)
	}

	rng.Shuffle(len(handles), func(i, j int) { handles[i], handles[j] = handles[j], handles[i] })
	for _, h := range handles[:min(*removeN, len(handles))] {
		if err := as.RemoveInstance(h); err != nil {
			log.Fatalf("Failed to remove %v: %v", h, err)
		}
	}
	if len(handles) > *removeN {
		if err := as.UpdateInstanceTransform(handles[*removeN], bvh.Translation(0, 50, 0)); err != nil {
			log.Fatalf("Failed to move %v: %v", handles[*removeN], err)
		}
	}

	if err := build(dev, as, p); err != nil {
		log.Fatalf("Rebuild failed: %v", err)
	}
}

// openDevice returns the requested backend and a function that closes it.
func openDevice(name string) (gpucore.Device, func(), error) {
	switch name {
	case "memory":
		return memory.New(), func() {}, nil
	case "vulkan":
		d, err := native.NewDefault()
		if err != nil {
			return nil, nil, err
		}
		return d, func() { _ = d.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown backend %q", name)
	}
}

// build allocates scratch memory, builds and prints statistics.
func build(dev gpucore.Device, as *rtas.AccelerationStructure, p *message.Printer) error {
	size := as.ScratchSizeInBytes()
	scratch, err := dev.CreateBuffer(gpucore.BufferDesc{Label: "scratch", Size: size, Usage: gpucore.BufferUsageStorage})
	if err != nil {
		return err
	}
	defer dev.DestroyBuffer(scratch)

	start := time.Now()
	if err := as.Build(bvh.ScratchBuffer{Buffer: scratch, SizeInBytes: size, Stride: bvh.ScratchStride}); err != nil {
		return err
	}
	if err := dev.Submit(); err != nil {
		return err
	}
	elapsed := time.Since(start)

	s := as.Stats()
	p.Printf("build: %v, scratch %d bytes\n", elapsed.Round(time.Microsecond), size)
	p.Printf("  instances %d, BLAS %d, TLAS nodes %d\n", s.Instances, s.Blas, s.TLASNodes)
	p.Printf("  BLAS nodes %d of %d (%d bytes)\n", s.NodesUsed, s.NodeCapacity, s.NodeBufferSize)
	p.Printf("  vertices %d of %d floats, indices %d of %d\n", s.VerticesUsed, s.VertexCapacity, s.IndicesUsed, s.IndexCapacity)
	return nil
}

func placement(rng *rand.Rand) bvh.Transform {
	s := 0.5 + rng.Float32()
	return bvh.Translation(rng.Float32()*200-100, rng.Float32()*20, rng.Float32()*200-100).
		Mul(bvh.Scale(s, s, s))
}

// uploadMeshes creates the scene's meshes on dev.
func uploadMeshes(dev gpucore.Device, rings int) ([]*mesh.Mesh, error) {
	var meshes []*mesh.Mesh
	for i, g := range []geometry{cube(), sphere(rings, 2*rings), plane(8)} {
		m, err := g.upload(dev, mesh.ID(i+1))
		if err != nil {
			return nil, err
		}
		meshes = append(meshes, m)
	}
	return meshes, nil
}
