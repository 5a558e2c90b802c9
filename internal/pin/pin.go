// Package pin reads Percolator style tab separated identification
// listings into normalized records.
package pin

import "errors"

// Record is one identified spectrum-to-peptide assignment.
// Records are created once per valid input row and kept in row order.
type Record struct {
	ScanNr   int    // scan number, key into the spectrum index
	SpecID   string // external spectrum identifier, may be empty
	Sequence string // normalized peptide sequence
	Charge   int
}

// Logical columns are resolved by trying these aliases, in order,
// against the lower-cased header names.
var (
	scanAliases   = []string{"scannr", "scan_nr", "scannum", "scan"}
	pepAliases    = []string{"peptide", "sequence"}
	specIDAliases = []string{"specid", "psmid"}
)

// One-hot charge columns are named like charge_2, charge_3, ...
// The first one holding a 1 decides the charge of the row.
const (
	chargePrefix  = "charge_"
	defaultCharge = 2
)

var (
	// ErrNoHeader means the listing has no header line
	ErrNoHeader = errors.New("pin: missing header line")
	// ErrMissingColumn means a required column could not be resolved
	ErrMissingColumn = errors.New("pin: required column not found")
)
