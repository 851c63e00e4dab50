package bvh

import (
	"math"

	"golang.org/x/image/math/f32"
)

// AABB is an axis-aligned bounding box. The zero value is not empty; use
// EmptyAABB.
type AABB struct {
	Min, Max f32.Vec3
}

// EmptyAABB returns a box that contains nothing and grows to fit.
func EmptyAABB() AABB {
	inf := float32(math.Inf(1))
	return AABB{
		Min: f32.Vec3{inf, inf, inf},
		Max: f32.Vec3{-inf, -inf, -inf},
	}
}

// IsEmpty reports whether the box contains no point.
func (b AABB) IsEmpty() bool {
	return b.Min[0] > b.Max[0] || b.Min[1] > b.Max[1] || b.Min[2] > b.Max[2]
}

// Extend grows the box to contain p.
func (b *AABB) Extend(p f32.Vec3) {
	for i := 0; i < 3; i++ {
		b.Min[i] = min(b.Min[i], p[i])
		b.Max[i] = max(b.Max[i], p[i])
	}
}

// Union returns the box containing both b and o.
func (b AABB) Union(o AABB) AABB {
	for i := 0; i < 3; i++ {
		b.Min[i] = min(b.Min[i], o.Min[i])
		b.Max[i] = max(b.Max[i], o.Max[i])
	}
	return b
}

// Center returns the box center.
func (b AABB) Center() f32.Vec3 {
	return f32.Vec3{
		(b.Min[0] + b.Max[0]) * 0.5,
		(b.Min[1] + b.Max[1]) * 0.5,
		(b.Min[2] + b.Max[2]) * 0.5,
	}
}

// SurfaceArea returns the box surface area, or 0 for empty boxes.
func (b AABB) SurfaceArea() float32 {
	if b.IsEmpty() {
		return 0
	}
	dx, dy, dz := b.Max[0]-b.Min[0], b.Max[1]-b.Min[1], b.Max[2]-b.Min[2]
	return 2 * (dx*dy + dy*dz + dz*dx)
}

// Contains reports whether o lies within b.
func (b AABB) Contains(o AABB) bool {
	for i := 0; i < 3; i++ {
		if o.Min[i] < b.Min[i] || o.Max[i] > b.Max[i] {
			return false
		}
	}
	return true
}

// Transform is a row-major 3x4 affine transform: each row holds three
// rotation/scale terms followed by a translation.
type Transform [3]f32.Vec4

// Identity returns the identity transform.
func Identity() Transform {
	return Transform{
		{1, 0, 0, 0},
		{0, 1, 0, 0},
		{0, 0, 1, 0},
	}
}

// Translation returns a pure translation.
func Translation(x, y, z float32) Transform {
	t := Identity()
	t[0][3], t[1][3], t[2][3] = x, y, z
	return t
}

// Scale returns a pure scale.
func Scale(x, y, z float32) Transform {
	return Transform{
		{x, 0, 0, 0},
		{0, y, 0, 0},
		{0, 0, z, 0},
	}
}

// Mul returns t * o (o applied first).
func (t Transform) Mul(o Transform) Transform {
	var r Transform
	for i := 0; i < 3; i++ {
		for j := 0; j < 4; j++ {
			v := t[i][0]*o[0][j] + t[i][1]*o[1][j] + t[i][2]*o[2][j]
			if j == 3 {
				v += t[i][3]
			}
			r[i][j] = v
		}
	}
	return r
}

// Apply transforms a point.
func (t Transform) Apply(p f32.Vec3) f32.Vec3 {
	var r f32.Vec3
	for i := 0; i < 3; i++ {
		r[i] = t[i][0]*p[0] + t[i][1]*p[1] + t[i][2]*p[2] + t[i][3]
	}
	return r
}

// Inverse returns the inverse transform. ok is false for singular
// transforms, in which case the zero transform is returned.
func (t Transform) Inverse() (inv Transform, ok bool) {
	a, b, c := t[0][0], t[0][1], t[0][2]
	d, e, f := t[1][0], t[1][1], t[1][2]
	g, h, i := t[2][0], t[2][1], t[2][2]

	c00, c01, c02 := e*i-f*h, f*g-d*i, d*h-e*g
	det := a*c00 + b*c01 + c*c02
	if det == 0 || math.IsNaN(float64(det)) {
		return Transform{}, false
	}
	s := 1 / det

	inv[0] = f32.Vec4{c00 * s, (c*h - b*i) * s, (b*f - c*e) * s, 0}
	inv[1] = f32.Vec4{c01 * s, (a*i - c*g) * s, (c*d - a*f) * s, 0}
	inv[2] = f32.Vec4{c02 * s, (b*g - a*h) * s, (a*e - b*d) * s, 0}
	for r := 0; r < 3; r++ {
		inv[r][3] = -(inv[r][0]*t[0][3] + inv[r][1]*t[1][3] + inv[r][2]*t[2][3])
	}
	return inv, true
}

// ApplyAABB returns the bounds of b transformed by t.
func (t Transform) ApplyAABB(b AABB) AABB {
	if b.IsEmpty() {
		return b
	}
	out := EmptyAABB()
	for corner := 0; corner < 8; corner++ {
		p := f32.Vec3{b.Min[0], b.Min[1], b.Min[2]}
		if corner&1 != 0 {
			p[0] = b.Max[0]
		}
		if corner&2 != 0 {
			p[1] = b.Max[1]
		}
		if corner&4 != 0 {
			p[2] = b.Max[2]
		}
		out.Extend(t.Apply(p))
	}
	return out
}
