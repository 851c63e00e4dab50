package rtas

import (
	"errors"

	"github.com/gogpu/rtas/bvh"
)

// Errors returned by AccelerationStructure.
//
// Mesh validation failures are reported with the mesh package errors
// (mesh.ErrMissingPositions, mesh.ErrMissingIndices, mesh.ErrInvalidSubMesh).
var (
	// ErrInvalidScratchBuffer is returned by Build when the scratch buffer
	// stride is not 4 bytes or its size is below ScratchSizeInBytes.
	ErrInvalidScratchBuffer = bvh.ErrInvalidScratchBuffer

	// ErrUnknownHandle is returned for handles that name no live instance.
	ErrUnknownHandle = errors.New("rtas: unknown instance handle")

	// ErrOutOfMemory is returned when the BVH node buffer or a geometry
	// buffer would exceed its size limit.
	ErrOutOfMemory = errors.New("rtas: out of memory")

	// ErrNilMesh is returned when an instance has no mesh.
	ErrNilMesh = errors.New("rtas: nil mesh")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("rtas: acceleration structure closed")
)
