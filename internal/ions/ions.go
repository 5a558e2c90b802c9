// Package ions computes theoretical b and y fragment ions for peptide
// sequences and matches them against observed peaks. All types are
// plain data so the package can sit behind a service boundary.
package ions

import (
	"errors"
	"fmt"
	"strconv"

	"gonum.org/v1/gonum/floats"
)

// Ion is one theoretical fragment at a specific charge state.
type Ion struct {
	Label  string // b1, b2, ..., y1, y2, ...
	Charge int
	Mz     float64
}

// Peak is one observed peak.
type Peak struct {
	Mz     float64
	Intens float64
}

// Match pairs a theoretical ion with the observed peak explaining it.
type Match struct {
	Label      string
	Charge     int
	TheoMz     float64
	PeakMz     float64
	PeakIntens float64
	MassError  float64 // absolute m/z difference
}

// Unit is the unit of a matching tolerance.
type Unit int

const (
	// Da is an absolute tolerance in mass units
	Da Unit = iota
	// PPM is a tolerance relative to the theoretical m/z
	PPM
)

func (u Unit) String() string {
	if u == PPM {
		return "ppm"
	}
	return "Da"
}

// ParseUnit reads a tolerance unit name. The empty string selects Da.
func ParseUnit(s string) (Unit, error) {
	switch s {
	case "", "da", "Da", "DA":
		return Da, nil
	case "ppm", "PPM":
		return PPM, nil
	}
	return Da, fmt.Errorf("%w: %q", ErrUnknownUnit, s)
}

var (
	// ErrInvalidSequence means the peptide contains characters that are
	// neither residues nor a bracketed modification mass
	ErrInvalidSequence = errors.New("ions: invalid peptide sequence")
	// ErrUnknownUnit means an unsupported tolerance unit name
	ErrUnknownUnit = errors.New("ions: unknown tolerance unit")
)

// Monoisotopic masses. Fragment ladders are built as singly protonated
// masses, so the hydrogen mass doubles as the protonation term.
const (
	massH   = 1.007825035
	massH2O = 18.010564684
)

var aaMass = map[rune]float64{
	'A': 71.03711381,
	'C': 103.0091845,
	'D': 115.0269431,
	'E': 129.0425931,
	'F': 147.0684139,
	'G': 57.02146374,
	'H': 137.0589119,
	'I': 113.084064,
	'K': 128.0949631,
	'L': 113.084064,
	'M': 131.0404846,
	'N': 114.0429275,
	'P': 97.05276388,
	'O': 237.1477269, // Pyrrolysine
	'Q': 128.0585775,
	'R': 156.1011111,
	'S': 87.03202844,
	'T': 101.0476785,
	'U': 150.9536334, // Selenocysteine
	'V': 99.06841395,
	'W': 186.079313,
	'Y': 163.0633286,
	'n': 0.0, // N-terminal marker used by some search engines
}

// Calculate returns the theoretical b and y ion ladders for a peptide,
// expanded per charge state 1..charge. Labels run b1..bn and y1..yn,
// where yn is the full singly protonated peptide; there is no y0.
// Modifications written as "(mass)" or "[mass]" add to the residue
// before them; a modification before the first residue applies to it
// instead.
func Calculate(sequence string, charge int) ([]Ion, error) {
	residues, err := residueMasses(sequence)
	if err != nil {
		return nil, err
	}
	n := len(residues)
	if n == 0 {
		return nil, nil
	}
	if charge < 1 {
		charge = 1
	}

	// Prefix sums of protonated residues form the b ladder
	b := make([]float64, n)
	copy(b, residues)
	b[0] += massH
	floats.CumSum(b, b)
	mh := b[n-1] + massH2O

	out := make([]Ion, 0, 2*n*charge)
	for i, m := range b {
		label := "b" + strconv.Itoa(i+1)
		for z := 1; z <= charge; z++ {
			out = append(out, Ion{Label: label, Charge: z, Mz: chargedMz(m, z)})
		}
	}
	// The y ion complementary to b_i is y_(n-i); its slot at i == n-1
	// would be y0 and holds the full peptide yn instead.
	for i := 0; i < n; i++ {
		var label string
		var m float64
		if i == n-1 {
			label = "y" + strconv.Itoa(n)
			m = mh
		} else {
			label = "y" + strconv.Itoa(n-1-i)
			m = mh - b[i] + massH
		}
		for z := 1; z <= charge; z++ {
			out = append(out, Ion{Label: label, Charge: z, Mz: chargedMz(m, z)})
		}
	}
	return out, nil
}

// chargedMz converts a singly protonated mass to its m/z at charge z.
func chargedMz(mh float64, z int) float64 {
	return (mh + float64(z-1)*massH) / float64(z)
}

func residueMasses(sequence string) ([]float64, error) {
	var res []float64
	pending := 0.0
	rs := []rune(sequence)
	for i := 0; i < len(rs); {
		c := rs[i]
		if c == '(' || c == '[' {
			end := ')'
			if c == '[' {
				end = ']'
			}
			j := i + 1
			for j < len(rs) && rs[j] != end {
				j++
			}
			if j >= len(rs) {
				return nil, fmt.Errorf("%w: unterminated modification in %q",
					ErrInvalidSequence, sequence)
			}
			mod, err := strconv.ParseFloat(string(rs[i+1:j]), 64)
			if err != nil {
				return nil, fmt.Errorf("%w: modification %q",
					ErrInvalidSequence, string(rs[i+1:j]))
			}
			if len(res) > 0 {
				res[len(res)-1] += mod
			} else {
				pending += mod
			}
			i = j + 1
			continue
		}
		m, ok := aaMass[c]
		if !ok {
			return nil, fmt.Errorf("%w: residue %q", ErrInvalidSequence, c)
		}
		if pending != 0 {
			m += pending
			pending = 0
		}
		res = append(res, m)
		i++
	}
	return res, nil
}
