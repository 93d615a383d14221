// Package nifti reads and writes NIfTI-1 volumes (.nii and .nii.gz).
//
// A Volume keeps the source header verbatim so that derived images (smoothed,
// cleaned, scrubbed) are written back on the same voxel grid with the same
// affine and metadata. Samples are held as float64 in NIfTI order: x varies
// fastest, then y, z and t.
package nifti

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
)

// HeaderSize is the size in bytes of a NIfTI-1 header.
const HeaderSize = 348

// singleFileOffset is where voxel data starts in a single-file .nii image:
// the header followed by the 4-byte extension flag.
const singleFileOffset = 352

// Datatype codes from the NIfTI-1 standard.
const (
	DTUint8   int16 = 2
	DTInt16   int16 = 4
	DTInt32   int16 = 8
	DTFloat32 int16 = 16
	DTFloat64 int16 = 64
	DTInt8    int16 = 256
	DTUint16  int16 = 512
	DTUint32  int16 = 768
)

var (
	// ErrInvalidHeader is returned when the first 348 bytes are not a NIfTI-1 header.
	ErrInvalidHeader = errors.New("invalid NIfTI-1 header")

	// ErrUnsupportedDatatype is returned for datatypes other than the real scalar ones.
	ErrUnsupportedDatatype = errors.New("unsupported NIfTI datatype")
)

// Header mirrors the on-disk NIfTI-1 header field by field, so it can be
// decoded and encoded with encoding/binary without padding.
type Header struct {
	SizeofHdr     int32
	DataType      [10]byte
	DbName        [18]byte
	Extents       int32
	SessionError  int16
	Regular       byte
	DimInfo       byte
	Dim           [8]int16
	IntentP1      float32
	IntentP2      float32
	IntentP3      float32
	IntentCode    int16
	Datatype      int16
	Bitpix        int16
	SliceStart    int16
	Pixdim        [8]float32
	VoxOffset     float32
	SclSlope      float32
	SclInter      float32
	SliceEnd      int16
	SliceCode     byte
	XyztUnits     byte
	CalMax        float32
	CalMin        float32
	SliceDuration float32
	Toffset       float32
	Glmax         int32
	Glmin         int32
	Descrip       [80]byte
	AuxFile       [24]byte
	QformCode     int16
	SformCode     int16
	QuaternB      float32
	QuaternC      float32
	QuaternD      float32
	QoffsetX      float32
	QoffsetY      float32
	QoffsetZ      float32
	SrowX         [4]float32
	SrowY         [4]float32
	SrowZ         [4]float32
	IntentName    [16]byte
	Magic         [4]byte
}

// NewHeader returns a float32 single-file header for a grid of the given
// shape with the given voxel sizes. The affine is the scaling diagonal,
// stored as both qform and sform.
func NewHeader(nx, ny, nz, nt int, voxel [3]float64) Header {
	var h Header
	h.SizeofHdr = HeaderSize
	h.Regular = 'r'
	h.Pixdim[0] = 1
	for i, v := range voxel {
		h.Pixdim[i+1] = float32(v)
	}
	h.Pixdim[4] = 1
	h.XyztUnits = 2 | 8 // mm, seconds
	h.QformCode = 1
	h.SformCode = 1
	h.SrowX = [4]float32{float32(voxel[0]), 0, 0, 0}
	h.SrowY = [4]float32{0, float32(voxel[1]), 0, 0}
	h.SrowZ = [4]float32{0, 0, float32(voxel[2]), 0}
	h.setShape(nx, ny, nz, nt)
	h.setFloat32()
	return h
}

// setShape rewrites dim. A header that already has a time axis keeps it,
// even with a single frame left.
func (h *Header) setShape(nx, ny, nz, nt int) {
	timeAxis := nt != 1 || h.Dim[0] >= 4
	h.Dim = [8]int16{3, int16(nx), int16(ny), int16(nz), 1, 1, 1, 1}
	if timeAxis {
		h.Dim[0] = 4
		h.Dim[4] = int16(nt)
	}
}

func (h *Header) setFloat32() {
	h.Datatype = DTFloat32
	h.Bitpix = 32
	h.SclSlope = 1
	h.SclInter = 0
	h.VoxOffset = singleFileOffset
	h.Magic = [4]byte{'n', '+', '1', 0}
}

// Shape returns the grid dimensions. Missing dimensions are reported as 1.
func (h *Header) Shape() (nx, ny, nz, nt int) {
	dim := func(i int) int {
		if int(h.Dim[0]) < i || h.Dim[i] < 1 {
			return 1
		}
		return int(h.Dim[i])
	}
	nt = dim(4)
	if h.Dim[0] >= 4 && h.Dim[4] == 0 {
		// Every frame was dropped (e.g. fully scrubbed run).
		nt = 0
	}
	return dim(1), dim(2), dim(3), nt
}

// VoxelSize returns pixdim[1..3] as absolute values.
func (h *Header) VoxelSize() [3]float64 {
	return [3]float64{
		math.Abs(float64(h.Pixdim[1])),
		math.Abs(float64(h.Pixdim[2])),
		math.Abs(float64(h.Pixdim[3])),
	}
}

// RepetitionTime returns pixdim[4] in seconds, honouring the time units
// stored in xyzt_units. It returns 0 when the header carries no TR.
func (h *Header) RepetitionTime() float64 {
	tr := float64(h.Pixdim[4])
	switch h.XyztUnits & 0x38 {
	case 16: // msec
		tr /= 1000
	case 24: // usec
		tr /= 1e6
	}
	if tr < 0 {
		return 0
	}
	return tr
}

// Affine returns the voxel-to-world transform. The sform is preferred when
// set, then the quaternion qform, then the pixdim scaling diagonal.
func (h *Header) Affine() [4][4]float64 {
	switch {
	case h.SformCode > 0:
		var a [4][4]float64
		rows := [3][4]float32{h.SrowX, h.SrowY, h.SrowZ}
		for i := 0; i < 3; i++ {
			for j := 0; j < 4; j++ {
				a[i][j] = float64(rows[i][j])
			}
		}
		a[3][3] = 1
		return a
	case h.QformCode > 0:
		return h.qformAffine()
	default:
		v := h.VoxelSize()
		return [4][4]float64{
			{v[0], 0, 0, 0},
			{0, v[1], 0, 0},
			{0, 0, v[2], 0},
			{0, 0, 0, 1},
		}
	}
}

// qformAffine builds the affine from the quaternion parameters (NIfTI-1 method 2).
func (h *Header) qformAffine() [4][4]float64 {
	b := float64(h.QuaternB)
	c := float64(h.QuaternC)
	d := float64(h.QuaternD)
	a := 1 - (b*b + c*c + d*d)
	if a < 1e-7 {
		// Rounding can push the norm just past one; treat as a 180 degree rotation.
		a = 0
	} else {
		a = math.Sqrt(a)
	}

	qfac := float64(h.Pixdim[0])
	if qfac == 0 {
		qfac = 1
	}
	dx, dy, dz := float64(h.Pixdim[1]), float64(h.Pixdim[2]), qfac*float64(h.Pixdim[3])

	r := [3][3]float64{
		{a*a + b*b - c*c - d*d, 2*b*c - 2*a*d, 2*b*d + 2*a*c},
		{2*b*c + 2*a*d, a*a + c*c - b*b - d*d, 2*c*d - 2*a*b},
		{2*b*d - 2*a*c, 2*c*d + 2*a*b, a*a + d*d - c*c - b*b},
	}
	scale := [3]float64{dx, dy, dz}
	offset := [3]float64{float64(h.QoffsetX), float64(h.QoffsetY), float64(h.QoffsetZ)}

	var out [4][4]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] = r[i][j] * scale[j]
		}
		out[i][3] = offset[i]
	}
	out[3][3] = 1
	return out
}

// decodeHeader parses a header in either byte order.
func decodeHeader(raw []byte) (Header, binary.ByteOrder, error) {
	var h Header
	if len(raw) < HeaderSize {
		return h, nil, ErrInvalidHeader
	}
	for _, order := range []binary.ByteOrder{binary.LittleEndian, binary.BigEndian} {
		if int32(order.Uint32(raw[:4])) != HeaderSize {
			continue
		}
		if err := binary.Read(bytes.NewReader(raw[:HeaderSize]), order, &h); err != nil {
			return h, nil, err
		}
		if h.Dim[0] < 1 || h.Dim[0] > 7 {
			return h, nil, ErrInvalidHeader
		}
		return h, order, nil
	}
	return h, nil, ErrInvalidHeader
}
