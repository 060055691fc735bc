// Package nifti reads NIfTI-1 headers. The pipeline never touches voxel data;
// it only checks that what a tool wrote is a well-formed image before
// publishing it.
//
// Based on the nifti1 header definition,
// https://nifti.nimh.nih.gov/pub/dist/src/niftilib/nifti1.h
package nifti

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// Header defines the structure of the NIfTI-1 header.
type Header struct {
	SizeofHdr          int32      // Must be 348
	UnusedDataType     [10]int8   // Unused
	UnusedDbName       [18]int8   // Unused
	UnusedExtents      int32      // Unused
	UnusedSessionError int16      // Unused
	UnusedRegular      int8       // Unused
	DimInfo            int8       // MRI slice ordering
	Dim                [8]int16   // Data array dimensions
	IntentP1           float32    // 1st intent parameter
	IntentP2           float32    // 2nd intent parameter
	IntentP3           float32    // 3rd intent parameter
	IntentCode         int16      // NIFTI_INTENT_* code
	Datatype           int16      // Defines data type
	Bitpix             int16      // Number bits/voxel
	SliceStart         int16      // First slice index
	Pixdim             [8]float32 // Grid spacing
	VoxOffset          float32    // Offset into .nii file
	SclSlope           float32    // Data scaling: slope
	SclInter           float32    // Data scaling: offset
	SliceEnd           int16      // Last slice index
	SliceCode          int8       // Slice timing order
	XyztUnits          int8       // Units of pixdim[1..4]
	CalMax             float32    // Max display intensity
	CalMin             float32    // Min display intensity
	SliceDuration      float32    // Time for 1 slice
	Toffset            float32    // Time axis shift
	UnusedGlmax        int32      // Unused
	UnusedGlmin        int32      // Unused
	Descrip            [80]int8   // Any text you like
	AuxFile            [24]int8   // Auxiliary filename
	QformCode          int16      // NIFTI_XFORM_* code
	SformCode          int16      // NIFTI_XFORM_* code
	QuaternB           float32    // Quaternion b params
	QuaternC           float32    // Quaternion c params
	QuaternD           float32    // Quaternion d params
	QoffsetX           float32    // Quaternion x shift
	QoffsetY           float32    // Quaternion y shift
	QoffsetZ           float32    // Quaternion z shift
	SrowX              [4]float32 // 1st row affine transform
	SrowY              [4]float32 // 2nd row affine transform
	SrowZ              [4]float32 // 3rd row affine transform
	IntentName         [16]int8   // 'name' or meaning of data
	Magic              [4]int8    // Must be "ni1\0" or "n+1\0"
}

const (
	// HeaderSize is the on-disk size of a header including the extension flag.
	HeaderSize = 352

	sizeofHdr = 348
)

var (
	magicSingle = [4]int8{'n', '+', '1', 0}
	magicPair   = [4]int8{'n', 'i', '1', 0}

	ErrNotNifti = errors.New("not a NIfTI-1 file")
)

// Read decodes a header from r, detecting the byte order from sizeof_hdr.
func Read(r io.Reader) (Header, binary.ByteOrder, error) {
	raw := make([]byte, sizeofHdr)
	if _, err := io.ReadFull(r, raw); err != nil {
		return Header{}, nil, fmt.Errorf("%w: short header: %v", ErrNotNifti, err)
	}
	for _, order := range []binary.ByteOrder{binary.LittleEndian, binary.BigEndian} {
		var h Header
		if err := binary.Read(bytes.NewReader(raw), order, &h); err != nil {
			return Header{}, nil, err
		}
		if h.SizeofHdr == sizeofHdr {
			return h, order, nil
		}
	}
	return Header{}, nil, fmt.Errorf("%w: sizeof_hdr is not %d", ErrNotNifti, sizeofHdr)
}

// ReadFile reads the header of a .nii or .nii.gz file.
func ReadFile(path string) (Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, err
	}
	defer f.Close()

	var r io.Reader = bufio.NewReader(f)
	if strings.HasSuffix(path, ".gz") {
		zr, err := gzip.NewReader(r)
		if err != nil {
			return Header{}, fmt.Errorf("%s: %w", path, err)
		}
		defer zr.Close()
		r = zr
	}
	h, _, err := Read(r)
	if err != nil {
		return Header{}, fmt.Errorf("%s: %w", path, err)
	}
	return h, nil
}

// Validate checks the fields every usable image must carry.
func (h Header) Validate() error {
	var errs []error
	if h.SizeofHdr != sizeofHdr {
		errs = append(errs, fmt.Errorf("sizeof_hdr = %d, want %d", h.SizeofHdr, sizeofHdr))
	}
	if h.Magic != magicSingle && h.Magic != magicPair {
		errs = append(errs, fmt.Errorf("bad magic %v", h.Magic))
	}
	if h.Dim[0] < 1 || h.Dim[0] > 7 {
		errs = append(errs, fmt.Errorf("dim[0] = %d, want 1..7", h.Dim[0]))
	}
	for i := 1; i <= int(h.Dim[0]) && i < len(h.Dim); i++ {
		if h.Dim[i] < 1 {
			errs = append(errs, fmt.Errorf("dim[%d] = %d", i, h.Dim[i]))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrNotNifti, errors.Join(errs...))
}

// NewHeader returns a single-file header for a volume of the given size.
func NewHeader(x, y, z int16) Header {
	h := Header{
		SizeofHdr: sizeofHdr,
		Dim:       [8]int16{3, x, y, z, 1, 1, 1, 1},
		Datatype:  4, // int16
		Bitpix:    16,
		Pixdim:    [8]float32{1, 1, 1, 1, 0, 0, 0, 0},
		VoxOffset: HeaderSize,
		SclSlope:  1,
		Magic:     magicSingle,
	}
	return h
}

// Write encodes h little-endian followed by the empty extension flag.
func (h Header) Write(w io.Writer) error {
	if err := binary.Write(w, binary.LittleEndian, &h); err != nil {
		return err
	}
	_, err := w.Write(make([]byte, HeaderSize-sizeofHdr))
	return err
}
