// Package device emulates the slice of a GPU runtime that the hierall engine
// drives: devices with typed memory regions, FIFO execution streams with
// events, and capturable operation graphs.
//
// The semantics mirror a CUDA-like runtime:
//
//   - Enqueueing work on a Stream never blocks the caller; completion is
//     observed through events or an explicit Stream.Synchronize.
//   - Errors raised by enqueued work are sticky on the stream and surface at
//     synchronization time.
//   - A sequence of stream operations can be captured into a Graph and
//     relaunched without re-issuing the individual operations.
//
// Regions are host-backed on purpose: the package models placement (host vs.
// device) and the stream ordering rules, not the physical hardware.
package device

import (
	"encoding/binary"
	"math/rand"
	"sync"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"k8s.io/klog/v2"
)

// Kind says where a Region lives.
type Kind int

const (
	// Host regions are pageable/pinned host allocations used for staging.
	Host Kind = iota
	// OnDevice regions belong to one Device.
	OnDevice
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	if k == Host {
		return "host"
	}
	return "device"
}

// Device is one emulated GPU, identified by its ordinal within the process.
type Device struct {
	id int

	mu        sync.Mutex
	allocated int64
	streams   int
}

// NewDevice creates a device with the given ordinal id.
func NewDevice(id int) *Device {
	return &Device{id: id}
}

// ID returns the device ordinal.
func (d *Device) ID() int { return d.id }

// AllocatedBytes returns the total bytes currently allocated on the device.
func (d *Device) AllocatedBytes() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.allocated
}

// AllocRegion allocates a device-resident region with numElements elements of
// the given dtype.
func (d *Device) AllocRegion(dtype dtypes.DType, numElements int) (*Region, error) {
	r, err := allocRegion(dtype, numElements, OnDevice, d)
	if err != nil {
		return nil, errors.WithMessagef(err, "device #%d", d.id)
	}
	d.mu.Lock()
	d.allocated += int64(len(r.data))
	d.mu.Unlock()
	klog.V(3).Infof("device #%d: allocated %d x %s (%d bytes)", d.id, numElements, dtype, len(r.data))
	return r, nil
}

// AllocHostRegion allocates a host region with numElements elements of the
// given dtype, used for staging data in and out of devices.
func AllocHostRegion(dtype dtypes.DType, numElements int) (*Region, error) {
	return allocRegion(dtype, numElements, Host, nil)
}

func allocRegion(dtype dtypes.DType, numElements int, kind Kind, dev *Device) (*Region, error) {
	elemBytes := int(dtype.Memory())
	if elemBytes <= 0 {
		return nil, errors.Errorf("cannot allocate region of dtype %s: unsupported element size", dtype)
	}
	if numElements <= 0 {
		return nil, errors.Errorf("cannot allocate region with %d elements", numElements)
	}
	return &Region{
		dtype: dtype,
		kind:  kind,
		dev:   dev,
		data:  make([]byte, numElements*elemBytes),
	}, nil
}

// Region is a typed, contiguous allocation, either on the host or on one
// device. The engine treats regions as weak references: it never frees them.
type Region struct {
	dtype dtypes.DType
	kind  Kind
	dev   *Device // nil for host regions
	data  []byte
}

// DType returns the element type of the region.
func (r *Region) DType() dtypes.DType { return r.dtype }

// Kind returns whether the region is host- or device-resident.
func (r *Region) Kind() Kind { return r.kind }

// Device returns the owning device, or nil for host regions.
func (r *Region) Device() *Device { return r.dev }

// ElemBytes returns the size of one element in bytes.
func (r *Region) ElemBytes() int { return int(r.dtype.Memory()) }

// NumElements returns the region capacity in elements.
func (r *Region) NumElements() int { return len(r.data) / r.ElemBytes() }

// SizeBytes returns the region capacity in bytes.
func (r *Region) SizeBytes() int64 { return int64(len(r.data)) }

// Bytes returns the raw backing storage. The caller must respect the
// single-writer discipline documented by the engine.
func (r *Region) Bytes() []byte { return r.data }

// BytesAt returns the numBytes bytes starting at byte offset off.
func (r *Region) BytesAt(off, numBytes int64) ([]byte, error) {
	if off < 0 || numBytes < 0 || off+numBytes > int64(len(r.data)) {
		return nil, errors.Errorf("region access out of bounds: [%d, %d) of %d bytes",
			off, off+numBytes, len(r.data))
	}
	return r.data[off : off+numBytes], nil
}

// Uint64At reads element i of a Uint64 region.
func (r *Region) Uint64At(i int) uint64 {
	return binary.LittleEndian.Uint64(r.data[i*8:])
}

// SetUint64 writes element i of a Uint64 region.
func (r *Region) SetUint64(i int, v uint64) {
	binary.LittleEndian.PutUint64(r.data[i*8:], v)
}

// Uint64s decodes the whole region as []uint64.
func (r *Region) Uint64s() ([]uint64, error) {
	if r.dtype != dtypes.Uint64 {
		return nil, errors.Errorf("region holds %s, not %s", r.dtype, dtypes.Uint64)
	}
	values := make([]uint64, r.NumElements())
	for i := range values {
		values[i] = r.Uint64At(i)
	}
	return values, nil
}

// FillUint64 writes values into a Uint64 region, starting at element 0.
func (r *Region) FillUint64(values []uint64) error {
	if r.dtype != dtypes.Uint64 {
		return errors.Errorf("region holds %s, not %s", r.dtype, dtypes.Uint64)
	}
	if len(values) > r.NumElements() {
		return errors.Errorf("cannot fill %d values into region of %d elements", len(values), r.NumElements())
	}
	for i, v := range values {
		r.SetUint64(i, v)
	}
	return nil
}

// FillFloat16 writes float32 values into a Float16 region, converting each
// value to half precision.
func (r *Region) FillFloat16(values []float32) error {
	if r.dtype != dtypes.Float16 {
		return errors.Errorf("region holds %s, not %s", r.dtype, dtypes.Float16)
	}
	if len(values) > r.NumElements() {
		return errors.Errorf("cannot fill %d values into region of %d elements", len(values), r.NumElements())
	}
	for i, v := range values {
		binary.LittleEndian.PutUint16(r.data[i*2:], float16.Fromfloat32(v).Bits())
	}
	return nil
}

// Float16s decodes a Float16 region back to float32 values.
func (r *Region) Float16s() ([]float32, error) {
	if r.dtype != dtypes.Float16 {
		return nil, errors.Errorf("region holds %s, not %s", r.dtype, dtypes.Float16)
	}
	values := make([]float32, r.NumElements())
	for i := range values {
		values[i] = float16.Frombits(binary.LittleEndian.Uint16(r.data[i*2:])).Float32()
	}
	return values, nil
}

// FillRandom fills the region with a pseudo-random byte sequence derived from
// seed. The same seed always produces the same contents.
func (r *Region) FillRandom(seed int64) {
	rng := rand.New(rand.NewSource(seed))
	rng.Read(r.data)
}

// Copy copies numBytes from the start of src to the start of dst. It is a
// synchronous staging copy; direction (host to device, device to host, device
// to device) is implied by the region kinds.
func Copy(dst, src *Region, numBytes int64) error {
	return CopyAt(dst, 0, src, 0, numBytes)
}

// CopyAt copies numBytes from src at byte offset srcOff into dst at byte
// offset dstOff.
func CopyAt(dst *Region, dstOff int64, src *Region, srcOff int64, numBytes int64) error {
	srcBytes, err := src.BytesAt(srcOff, numBytes)
	if err != nil {
		return errors.WithMessage(err, "copy source")
	}
	dstBytes, err := dst.BytesAt(dstOff, numBytes)
	if err != nil {
		return errors.WithMessage(err, "copy destination")
	}
	copy(dstBytes, srcBytes)
	return nil
}
