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
)

// SyntheticSpectrum describes one spectrum for WriteSynthetic.
type SyntheticSpectrum struct {
	ScanNr int
	Peaks  []Peak
	Bits64 bool // encode 64-bit floats instead of 32-bit
	Zlib   bool // zlib compress the binary data
}

// WriteSynthetic writes a minimal mzML document containing the given
// spectra. Real files come from instrument software; this exists to
// build deterministic inputs for the index and extraction code.
func WriteSynthetic(w io.Writer, specs []SyntheticSpectrum) error {
	_, err := fmt.Fprintf(w, `<?xml version="1.0" encoding="utf-8"?>
<indexedmzML xmlns="http://psi.hupo.org/ms/mzml">
 <mzML version="1.1.0">
  <run id="synthetic">
   <spectrumList count="%d">
`, len(specs))
	if err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	// Non-empty indent so Go's encoder inserts newlines between tags
	enc.Indent(`    `, ` `)
	for i, s := range specs {
		spec, err := syntheticSpectrum(i, &s)
		if err != nil {
			return err
		}
		if err := enc.Encode(spec); err != nil {
			return err
		}
	}
	if err := enc.Flush(); err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, `
   </spectrumList>
  </run>
 </mzML>
</indexedmzML>
`)
	return err
}

func syntheticSpectrum(index int, s *SyntheticSpectrum) (*spectrum, error) {
	var spec spectrum

	spec.Index = index
	spec.ID = fmt.Sprintf("controllerType=0 controllerNumber=1 scan=%d", s.ScanNr)
	spec.DefaultArrayLength = int64(len(s.Peaks))
	spec.CvPar = []CVParam{
		{Accession: `MS:1000511`, Name: `ms level`, Value: `2`},
		{Accession: `MS:1000127`, Name: `centroid spectrum`},
	}
	for _, mzArray := range []bool{true, false} {
		b64, err := encodeBinary(s.Peaks, s.Zlib, s.Bits64, mzArray)
		if err != nil {
			return nil, err
		}
		bda := binaryDataArray{
			EncodedLength: len(b64),
			ArrayLength:   len(s.Peaks),
			Binary:        b64,
		}
		if s.Bits64 {
			bda.CvPar = append(bda.CvPar, CVParam{Accession: `MS:1000523`, Name: `64-bit float`})
		} else {
			bda.CvPar = append(bda.CvPar, CVParam{Accession: `MS:1000521`, Name: `32-bit float`})
		}
		if s.Zlib {
			bda.CvPar = append(bda.CvPar, CVParam{Accession: `MS:1000574`, Name: `zlib compression`})
		} else {
			bda.CvPar = append(bda.CvPar, CVParam{Accession: `MS:1000576`, Name: `no compression`})
		}
		if mzArray {
			bda.CvPar = append(bda.CvPar, CVParam{Accession: `MS:1000514`, Name: `m/z array`})
		} else {
			bda.CvPar = append(bda.CvPar, CVParam{Accession: `MS:1000515`, Name: `intensity array`})
		}
		spec.BinaryDataArrayList.BinaryDataArray = append(spec.BinaryDataArrayList.BinaryDataArray, bda)
	}
	spec.BinaryDataArrayList.Count = len(spec.BinaryDataArrayList.BinaryDataArray)
	return &spec, nil
}

func encodeBinary(p []Peak, zlibCompression bool, bits64 bool, mzArray bool) (
	string, error) {

	var data []byte
	var rawUncompressed []byte

	// Some code duplication below in order to optimize loops
	if bits64 {
		// Allocate room for uncompressed binary data
		rawUncompressed = make([]byte, len(p)*8)
		if mzArray {
			for i, peak := range p {
				u64bits := math.Float64bits(peak.Mz)
				binary.LittleEndian.PutUint64(rawUncompressed[(8*i):], u64bits)
			}
		} else {
			for i, peak := range p {
				u64bits := math.Float64bits(peak.Intens)
				binary.LittleEndian.PutUint64(rawUncompressed[(8*i):], u64bits)
			}
		}
	} else {
		rawUncompressed = make([]byte, len(p)*4)
		if mzArray {
			for i, peak := range p {
				u32bits := math.Float32bits(float32(peak.Mz))
				binary.LittleEndian.PutUint32(rawUncompressed[(4*i):], u32bits)
			}
		} else {
			for i, peak := range p {
				u32bits := math.Float32bits(float32(peak.Intens))
				binary.LittleEndian.PutUint32(rawUncompressed[(4*i):], u32bits)
			}
		}
	}
	if zlibCompression {
		var b bytes.Buffer
		z := zlib.NewWriter(&b)
		defer z.Close()
		z.Write(rawUncompressed)
		z.Close() // zlib writer must explicitly be closed here, otherwise result is invalid
		data = b.Bytes()
	} else {
		data = rawUncompressed
	}
	encodedStr := base64.StdEncoding.EncodeToString(data)
	return encodedStr, nil
}
