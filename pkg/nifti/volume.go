package nifti

import "fmt"

// Volume is a NIfTI image held in memory.
type Volume struct {
	// Header is the source header. Shape and datatype fields are rewritten
	// on save; everything else (affine, units, descrip) is preserved.
	Header Header

	// Data holds the samples in NIfTI order (x fastest, then y, z, t).
	Data []float64

	nx, ny, nz, nt int
}

// NewVolume allocates a zeroed volume sharing the geometry of header with nt frames.
func NewVolume(header Header, nt int) *Volume {
	nx, ny, nz, _ := header.Shape()
	if nt < 1 {
		nt = 1
	}
	h := header
	h.setShape(nx, ny, nz, nt)
	return &Volume{
		Header: h,
		Data:   make([]float64, nx*ny*nz*nt),
		nx:     nx,
		ny:     ny,
		nz:     nz,
		nt:     nt,
	}
}

// NewImage allocates a zeroed single-frame 3D volume on the grid of header,
// dropping any time axis.
func NewImage(header Header) *Volume {
	h := header
	h.Dim[0] = 3
	return NewVolume(h, 1)
}

// FromData wraps data in a volume with the geometry of header. The length of
// data must be a whole number of frames.
func FromData(header Header, data []float64) (*Volume, error) {
	nx, ny, nz, _ := header.Shape()
	n := nx * ny * nz
	if n == 0 || len(data)%n != 0 {
		return nil, fmt.Errorf("data length %d is not a multiple of the %dx%dx%d grid", len(data), nx, ny, nz)
	}
	v := NewVolume(header, 1)
	v.nt = len(data) / n
	v.Header.setShape(nx, ny, nz, v.nt)
	v.Data = data
	return v, nil
}

// Dims returns the grid dimensions and frame count.
func (v *Volume) Dims() (nx, ny, nz, nt int) {
	return v.nx, v.ny, v.nz, v.nt
}

// Frames returns the number of timepoints.
func (v *Volume) Frames() int { return v.nt }

// Voxels returns the number of voxels in one frame.
func (v *Volume) Voxels() int { return v.nx * v.ny * v.nz }

// Affine returns the voxel-to-world transform of the volume.
func (v *Volume) Affine() [4][4]float64 { return v.Header.Affine() }

// Index returns the spatial index of voxel (x, y, z).
func (v *Volume) Index(x, y, z int) int {
	return x + v.nx*(y+v.ny*z)
}

// Coords is the inverse of Index.
func (v *Volume) Coords(idx int) (x, y, z int) {
	x = idx % v.nx
	idx /= v.nx
	y = idx % v.ny
	z = idx / v.ny
	return x, y, z
}

// At returns the sample at voxel (x, y, z) and frame t.
func (v *Volume) At(x, y, z, t int) float64 {
	return v.Data[t*v.Voxels()+v.Index(x, y, z)]
}

// Set assigns the sample at voxel (x, y, z) and frame t.
func (v *Volume) Set(x, y, z, t int, value float64) {
	v.Data[t*v.Voxels()+v.Index(x, y, z)] = value
}

// Frame returns the samples of frame t. The slice aliases the volume.
func (v *Volume) Frame(t int) []float64 {
	n := v.Voxels()
	return v.Data[t*n : (t+1)*n]
}

// Timeseries copies the timeseries of spatial voxel idx into dst, allocating
// when dst is too short.
func (v *Volume) Timeseries(idx int, dst []float64) []float64 {
	if cap(dst) < v.nt {
		dst = make([]float64, v.nt)
	}
	dst = dst[:v.nt]
	n := v.Voxels()
	for t := range dst {
		dst[t] = v.Data[t*n+idx]
	}
	return dst
}

// SetTimeseries writes ts into spatial voxel idx.
func (v *Volume) SetTimeseries(idx int, ts []float64) {
	n := v.Voxels()
	for t, value := range ts {
		v.Data[t*n+idx] = value
	}
}

// Clone returns a deep copy.
func (v *Volume) Clone() *Volume {
	out := *v
	out.Data = append([]float64(nil), v.Data...)
	return &out
}

// SelectFrames returns a new volume holding the frames whose keep entry is true.
func (v *Volume) SelectFrames(keep []bool) (*Volume, error) {
	if len(keep) != v.nt {
		return nil, fmt.Errorf("temporal mask has %d entries, volume has %d frames", len(keep), v.nt)
	}
	kept := 0
	for _, k := range keep {
		if k {
			kept++
		}
	}
	out := NewVolume(v.Header, kept)
	if kept == 0 {
		// A grid with no frames: keep the shape, drop the samples.
		out.nt = 0
		out.Header.setShape(v.nx, v.ny, v.nz, 0)
		out.Data = out.Data[:0]
		return out, nil
	}
	t := 0
	for src, k := range keep {
		if !k {
			continue
		}
		copy(out.Frame(t), v.Frame(src))
		t++
	}
	return out, nil
}

// SameGrid reports whether o has the same spatial dimensions as v.
func (v *Volume) SameGrid(o *Volume) bool {
	return v.nx == o.nx && v.ny == o.ny && v.nz == o.nz
}

// MaskIndices returns the spatial indices of the voxels of frame 0 whose value is > 0.
func (v *Volume) MaskIndices() []int {
	var idx []int
	for i, value := range v.Frame(0) {
		if value > 0 {
			idx = append(idx, i)
		}
	}
	return idx
}
