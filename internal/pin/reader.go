package pin

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
)

// Read parses a tab separated identification listing. The first line
// is the header; logical columns are resolved case-insensitively.
// Rows that do not match the header width and rows whose scan number
// does not parse are dropped, the remaining rows still make a valid
// listing. Row order is preserved.
func Read(reader io.Reader) ([]Record, error) {
	scanner := bufio.NewScanner(reader)
	// Proteins columns can make rows very long
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNoHeader
	}
	header := strings.Split(scanner.Text(), "\t")
	cols, err := resolveColumns(header)
	if err != nil {
		return nil, err
	}

	var recs []Record
	dropped := 0
	for scanner.Scan() {
		fields := strings.Split(scanner.Text(), "\t")
		if len(fields) != len(header) {
			dropped++
			continue
		}
		scanNr, err := strconv.Atoi(strings.TrimSpace(fields[cols.scan]))
		if err != nil {
			dropped++
			continue
		}
		rec := Record{
			ScanNr:   scanNr,
			Sequence: NormalizeSequence(fields[cols.pep]),
			Charge:   chargeOf(fields, cols.charge),
		}
		if cols.specID >= 0 {
			rec.SpecID = fields[cols.specID]
		}
		recs = append(recs, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if dropped > 0 {
		log.Printf("pin: dropped %d malformed rows", dropped)
	}
	return recs, nil
}

type columns struct {
	scan   int
	pep    int
	specID int
	charge []chargeCol // in header order
}

type chargeCol struct {
	pos    int
	charge int
}

func resolveColumns(header []string) (columns, error) {
	cols := columns{scan: -1, pep: -1, specID: -1}
	pos := make(map[string]int, len(header))
	for i, name := range header {
		name = strings.ToLower(strings.TrimSpace(name))
		if _, ok := pos[name]; !ok {
			pos[name] = i
		}
		if strings.HasPrefix(name, chargePrefix) {
			n, err := strconv.Atoi(strings.TrimPrefix(name, chargePrefix))
			if err == nil && n > 0 {
				cols.charge = append(cols.charge, chargeCol{pos: i, charge: n})
			}
		}
	}
	cols.scan = lookupAlias(pos, scanAliases)
	cols.pep = lookupAlias(pos, pepAliases)
	cols.specID = lookupAlias(pos, specIDAliases)
	if cols.scan < 0 {
		return cols, fmt.Errorf("%w: scan number (tried %s)",
			ErrMissingColumn, strings.Join(scanAliases, ", "))
	}
	if cols.pep < 0 {
		return cols, fmt.Errorf("%w: peptide (tried %s)",
			ErrMissingColumn, strings.Join(pepAliases, ", "))
	}
	return cols, nil
}

func lookupAlias(pos map[string]int, aliases []string) int {
	for _, alias := range aliases {
		if i, ok := pos[alias]; ok {
			return i
		}
	}
	return -1
}

// chargeOf returns the charge encoded by the first asserted one-hot
// charge column, or defaultCharge if none is asserted.
func chargeOf(fields []string, cols []chargeCol) int {
	for _, c := range cols {
		if strings.TrimSpace(fields[c.pos]) == "1" {
			return c.charge
		}
	}
	return defaultCharge
}

// NormalizeSequence strips flanking notation and rewrites bracketed
// modifications. "K.ACDK.R" keeps the middle segment; any other dot
// count leaves the value as is, since modification masses may
// themselves contain dots. "[...]" becomes "(...)" with the content
// untouched.
func NormalizeSequence(s string) string {
	if strings.Contains(s, ".") {
		if seg := strings.Split(s, "."); len(seg) == 3 {
			s = seg[1]
		}
	}
	s = strings.ReplaceAll(s, "[", "(")
	s = strings.ReplaceAll(s, "]", ")")
	return s
}
