package mzml

import (
	"bytes"
	"compress/zlib"
	"encoding/base64"
	"encoding/binary"
	"encoding/xml"
	"fmt"
	"io"
	"math"
	"os"

	"golang.org/x/net/html/charset"
)

// LazyReader reads single spectra from an indexed mzML source.
// The underlying io.ReaderAt is never written and may be shared by
// concurrent readers.
type LazyReader struct {
	r     io.ReaderAt
	size  int64
	idx   ScanIndex
	cfg   Config
	owned *os.File // set when Open created the file handle
}

// NewLazyReader indexes the source and returns a reader for it.
func NewLazyReader(r io.ReaderAt, size int64, cfg Config) (*LazyReader, error) {
	sanatizeConfig(&cfg)
	idx, err := BuildIndex(r, size, cfg)
	if err != nil {
		return nil, err
	}
	return &LazyReader{r: r, size: size, idx: idx, cfg: cfg}, nil
}

// NewLazyReaderFromIndex returns a reader that reuses a previously
// built index, e.g. one loaded from an index cache.
func NewLazyReaderFromIndex(r io.ReaderAt, size int64, idx ScanIndex, cfg Config) *LazyReader {
	sanatizeConfig(&cfg)
	return &LazyReader{r: r, size: size, idx: idx, cfg: cfg}
}

// Open indexes the mzML file at path. The returned reader owns the
// file handle and must be closed.
func Open(path string, cfg Config) (*LazyReader, error) {
	f, size, err := openSized(path)
	if err != nil {
		return nil, err
	}
	lr, err := NewLazyReader(f, size, cfg)
	if err != nil {
		f.Close()
		return nil, err
	}
	lr.owned = f
	return lr, nil
}

// OpenWithIndex opens the mzML file at path with an index that was
// built earlier. The returned reader owns the file handle.
func OpenWithIndex(path string, idx ScanIndex, cfg Config) (*LazyReader, error) {
	f, size, err := openSized(path)
	if err != nil {
		return nil, err
	}
	lr := NewLazyReaderFromIndex(f, size, idx, cfg)
	lr.owned = f
	return lr, nil
}

func openSized(path string) (*os.File, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, fi.Size(), nil
}

// Close releases the file handle when the reader owns one.
func (f *LazyReader) Close() error {
	if f.owned == nil {
		return nil
	}
	return f.owned.Close()
}

// Index returns the scan index.
func (f *LazyReader) Index() ScanIndex {
	return f.idx
}

// NumScans returns the number of indexed spectra.
func (f *LazyReader) NumScans() int {
	return len(f.idx)
}

// Scans returns the indexed scan numbers in ascending order.
func (f *LazyReader) Scans() []int {
	return f.idx.Scans()
}

// RawSpectrum returns the raw bytes of one spectrum record, from the
// indexed offset up to and including the end marker. A record that
// runs to the end of the source without an end marker is returned as
// is; content is not validated here.
func (f *LazyReader) RawSpectrum(scanNr int) ([]byte, error) {
	offset, err := f.idx.Offset(scanNr)
	if err != nil {
		return nil, err
	}
	raw, err := rawSegment(f.r, offset, f.cfg.ReadChunk, []byte(f.cfg.EndMarker))
	if err != nil {
		return nil, fmt.Errorf("mzML: scan %d: %w", scanNr, err)
	}
	return raw, nil
}

// ReadScan extracts one spectrum record and decodes its peaks.
func (f *LazyReader) ReadScan(scanNr int) ([]Peak, error) {
	raw, err := f.RawSpectrum(scanNr)
	if err != nil {
		return nil, err
	}
	p, err := ParsePeaks(raw)
	if err != nil {
		return nil, fmt.Errorf("mzML: scan %d: %w", scanNr, err)
	}
	return p, nil
}

// rawSegment grows a read from offset in fixed increments until term
// is found or the source is exhausted. Reaching the end of the source
// is a terminal condition, not an error.
func rawSegment(r io.ReaderAt, offset int64, inc int, term []byte) ([]byte, error) {
	var buf []byte
	pos := offset
	chunk := make([]byte, inc)
	for {
		n, err := r.ReadAt(chunk, pos)
		buf = append(buf, chunk[:n]...)
		pos += int64(n)
		// Search back far enough to catch a marker straddling the
		// previous increment.
		from := len(buf) - n - len(term) + 1
		if from < 0 {
			from = 0
		}
		if i := bytes.Index(buf[from:], term); i >= 0 {
			return buf[:from+i+len(term)], nil
		}
		if err == io.EOF || n == 0 {
			return buf, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read at offset %d: %w", pos, err)
		}
	}
}

// binaryDataPars decodes the CV terms in a mzML binarydata section
//
// CV Terms for binary data compression
// MS:1000574 zlib compression
// MS:1000576 No Compression
// MS:1002312 MS-Numpress linear prediction compression
// MS:1002313 MS-Numpress positive integer compression
// MS:1002314 MS-Numpress short logged float compression
// MS:1002746 MS-Numpress linear prediction compression followed by zlib compression
// MS:1002747 MS-Numpress positive integer compression followed by zlib compression
// MS:1002748 MS-Numpress short logged float compression followed by zlib compression
//
// CV Terms for binary data array types
// MS:1000514 m/z array
// MS:1000515 intensity array
//
// CV Terms for binary-data-type
// MS:1000521 32-bit float
// MS:1000523 64-bit float
func binaryDataPars(binaryDataArray *binaryDataArray) (
	bool, bool, bool, bool, error) {
	zlibCompression := bool(false) // Default: no compression
	bits64 := bool(false)          // Default: 32 bits
	mzArray := bool(false)
	intensityArray := bool(false)
	for _, cvParam := range binaryDataArray.CvPar {
		switch cvParam.Accession {
		case `MS:1000574`: // zlib compression
			zlibCompression = true
		case `MS:1000514`: // m/z array
			mzArray = true
		case `MS:1000515`: // intensity array
			intensityArray = true
		case `MS:1000523`: // 64-bit float
			bits64 = true
		case `MS:1002312`, `MS:1002313`, `MS:1002314`,
			`MS:1002746`, `MS:1002747`, `MS:1002748`:
			// MS-Numpress compression types
			return false, false, false, false,
				fmt.Errorf("%w: compression not supported (CV term %s)",
					ErrBadSpectrum, cvParam.Accession)
		}
	}
	return zlibCompression, bits64, mzArray, intensityArray, nil
}

// ParsePeaks decodes one raw spectrum record into peaks, in the order
// they appear in the record. The record is the segment returned by
// RawSpectrum: one spectrum element with base64 encoded, optionally
// zlib compressed, little-endian binary data arrays.
func ParsePeaks(segment []byte) ([]Peak, error) {
	var spec spectrum

	d := xml.NewDecoder(bytes.NewReader(segment))
	d.CharsetReader = charset.NewReaderLabel
	if err := d.Decode(&spec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSpectrum, err)
	}
	p := make([]Peak, spec.DefaultArrayLength)
	var err error
	for _, b := range spec.BinaryDataArrayList.BinaryDataArray {
		p, err = fillPeaks(p, &b)
		if err != nil {
			return nil, err
		}
	}
	return p, nil
}

func fillPeaks(p []Peak, binaryDataArray *binaryDataArray) ([]Peak, error) {
	zlibCompression, bits64, mzArray, intensityArray, err :=
		binaryDataPars(binaryDataArray)
	if err != nil {
		return nil, err
	}
	// We are only interested in mz and intensity
	if mzArray || intensityArray {
		data, err := base64.StdEncoding.DecodeString(binaryDataArray.Binary)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadSpectrum, err)
		}
		if zlibCompression {
			b := bytes.NewReader(data)
			z, err := zlib.NewReader(b)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrBadSpectrum, err)
			}
			defer z.Close()
			d, err := io.ReadAll(z)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrBadSpectrum, err)
			}
			data = d
		}
		bytesPer := 4
		if bits64 {
			bytesPer = 8
		}
		// A record may omit defaultArrayLength; size from the data
		if cnt := len(data) / bytesPer; cnt > len(p) {
			p = append(p, make([]Peak, cnt-len(p))...)
		}
		if bits64 {
			cnt := len(data) / 8
			if mzArray {
				for i := 0; i < cnt; i++ {
					bits := binary.LittleEndian.Uint64(data[i*8:])
					p[i].Mz = math.Float64frombits(bits)
				}
			} else {
				for i := 0; i < cnt; i++ {
					bits := binary.LittleEndian.Uint64(data[i*8:])
					p[i].Intens = math.Float64frombits(bits)
				}
			}
		} else {
			cnt := len(data) / 4
			if mzArray {
				for i := 0; i < cnt; i++ {
					bits := binary.LittleEndian.Uint32(data[i*4:])
					p[i].Mz = float64(math.Float32frombits(bits))
				}
			} else {
				for i := 0; i < cnt; i++ {
					bits := binary.LittleEndian.Uint32(data[i*4:])
					p[i].Intens = float64(math.Float32frombits(bits))
				}
			}
		}
	}
	return p, nil
}
