package rtas

import (
	"testing"

	"github.com/gogpu/rtas/backend/memory"
	"github.com/gogpu/rtas/bvh"
	"github.com/gogpu/rtas/internal/geometry"
)

func newTestCache(t *testing.T) (*memory.Device, *blasCache) {
	t.Helper()
	dev := memory.New()
	cfg := Config{}.withDefaults()
	pool, err := geometry.New(dev, geometry.Config{})
	if err != nil {
		t.Fatal(err)
	}
	c, err := newBlasCache(dev, pool, bvh.NewSAHBuilder(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		c.destroy()
		pool.Release()
	})
	return dev, c
}

func TestBlasCacheDeduplicates(t *testing.T) {
	dev, c := newTestCache(t)
	m := stripMesh(t, dev, 1, 3)

	a, err := c.getOrCreate(m, 0)
	if err != nil {
		t.Fatal(err)
	}
	b, err := c.getOrCreate(m, 0)
	if err != nil {
		t.Fatal(err)
	}
	if a != b || c.count() != 1 {
		t.Fatalf("getOrCreate returned %d and %d, count %d", a, b, c.count())
	}

	e := c.get(a)
	if e.refCount != 0 || e.built {
		t.Errorf("new entry = %+v, want unreferenced and unbuilt", e)
	}
	if e.nodes.Count != 5 {
		t.Errorf("node range %v, want 5 nodes", e.nodes)
	}
	if e.req.BuildScratchSizeInDwords != 6 {
		t.Errorf("scratch dwords = %d, want 6", e.req.BuildScratchSizeInDwords)
	}
}

func TestBlasCacheReleaseDeletes(t *testing.T) {
	dev, c := newTestCache(t)
	id, err := c.getOrCreate(quadMesh(t, dev, 1), 0)
	if err != nil {
		t.Fatal(err)
	}
	c.acquire(id)
	c.acquire(id)

	c.release(id)
	if _, ok := c.lookup(GeometryKey{Mesh: 1}); !ok {
		t.Fatal("entry deleted while referenced")
	}
	c.release(id)
	if _, ok := c.lookup(GeometryKey{Mesh: 1}); ok || c.count() != 0 {
		t.Fatal("entry not deleted at refcount zero")
	}
	if c.nodes.Used() != 0 {
		t.Errorf("nodes still used: %d", c.nodes.Used())
	}

	// The freed ID is reused.
	id2, err := c.getOrCreate(quadMesh(t, dev, 2), 0)
	if err != nil {
		t.Fatal(err)
	}
	if id2 != id {
		t.Errorf("getOrCreate() = %d, want reused %d", id2, id)
	}
}

func TestBlasCacheReleaseUnreferencedPanics(t *testing.T) {
	dev, c := newTestCache(t)
	id, err := c.getOrCreate(quadMesh(t, dev, 1), 0)
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		if recover() == nil {
			t.Error("release of unreferenced entry did not panic")
		}
	}()
	c.release(id)
}

func TestBlasCacheUnbuilt(t *testing.T) {
	dev, c := newTestCache(t)
	a, _ := c.getOrCreate(quadMesh(t, dev, 1), 0)
	b, _ := c.getOrCreate(quadMesh(t, dev, 2), 0)
	c.get(a).built = true

	got := c.unbuilt()
	if len(got) != 1 || got[0] != b {
		t.Errorf("unbuilt() = %v, want [%d]", got, b)
	}

	if err := c.clear(); err != nil {
		t.Fatal(err)
	}
	if len(c.unbuilt()) != 0 || c.count() != 0 {
		t.Error("clear() left entries")
	}
}
