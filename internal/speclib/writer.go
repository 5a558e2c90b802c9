// Package speclib writes annotated spectra to a SQLite library file.
package speclib

import (
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/524D/mzannotate/internal/ions"
)

// Date format for HeaderTable (ISO 8601)
const headerDateFormat = "2006-01-02"

// Entry is one annotated spectrum to be stored.
type Entry struct {
	ScanNr   int
	SpecID   string
	Sequence string
	Charge   int
	Peaks    []ions.Peak
	Matches  []ions.Match
}

// Writer handles writing annotated spectra to SQLite database files
type Writer struct {
	db             *sql.DB
	outputPath     string
	tolerance      float64
	unit           ions.Unit
	spectrumStmt   *sql.Stmt
	annotationStmt *sql.Stmt
	spectrumID     int
}

// NewWriter creates a new SQLite writer. The tolerance and unit are
// recorded in the library header so readers know how the annotations
// were made.
func NewWriter(outputPath string, tolerance float64, unit ions.Unit) (*Writer, error) {
	db, err := sql.Open("sqlite3", outputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	w := &Writer{
		db:         db,
		outputPath: outputPath,
		tolerance:  tolerance,
		unit:       unit,
		spectrumID: 1,
	}

	if err := w.createTables(); err != nil {
		db.Close()
		return nil, err
	}

	if err := w.prepareStatements(); err != nil {
		db.Close()
		return nil, err
	}

	return w, nil
}

// createTables creates the required database schema
func (w *Writer) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS SpectrumTable (
		SpectrumId INTEGER PRIMARY KEY,
		ScanNumber INTEGER,
		SpecId TEXT,
		Sequence TEXT,
		Charge INTEGER,
		NumPeaks INTEGER,
		blobMz BLOB,
		blobIntensity BLOB
	);

	CREATE TABLE IF NOT EXISTS AnnotationTable (
		SpectrumId INTEGER REFERENCES SpectrumTable(SpectrumId),
		IonLabel TEXT,
		IonCharge INTEGER,
		TheoMz DOUBLE,
		PeakMz DOUBLE,
		PeakIntensity DOUBLE,
		MassError DOUBLE
	);

	CREATE TABLE IF NOT EXISTS HeaderTable (
		version INTEGER NOT NULL DEFAULT 0,
		CreationDate TEXT,
		Tolerance DOUBLE,
		ToleranceUnit TEXT,
		SpectrumCount INTEGER
	);
	`

	_, err := w.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}

	return nil
}

// prepareStatements prepares SQL statements for batch insertion
func (w *Writer) prepareStatements() error {
	var err error

	w.spectrumStmt, err = w.db.Prepare(`
		INSERT INTO SpectrumTable (
			SpectrumId, ScanNumber, SpecId, Sequence, Charge,
			NumPeaks, blobMz, blobIntensity
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare spectrum statement: %w", err)
	}

	w.annotationStmt, err = w.db.Prepare(`
		INSERT INTO AnnotationTable (
			SpectrumId, IonLabel, IonCharge, TheoMz, PeakMz,
			PeakIntensity, MassError
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare annotation statement: %w", err)
	}

	return nil
}

// WriteEntry writes a single annotated spectrum to the database
func (w *Writer) WriteEntry(e *Entry) error {
	mzBlob := encodePeaksFloat64(e.Peaks, true)
	intBlob := encodePeaksFloat64(e.Peaks, false)

	_, err := w.spectrumStmt.Exec(
		w.spectrumID,
		e.ScanNr,
		e.SpecID,
		e.Sequence,
		e.Charge,
		len(e.Peaks),
		mzBlob,
		intBlob,
	)
	if err != nil {
		return fmt.Errorf("failed to insert spectrum: %w", err)
	}

	for _, m := range e.Matches {
		_, err := w.annotationStmt.Exec(
			w.spectrumID,
			m.Label,
			m.Charge,
			m.TheoMz,
			m.PeakMz,
			m.PeakIntens,
			m.MassError,
		)
		if err != nil {
			return fmt.Errorf("failed to insert annotation: %w", err)
		}
	}

	w.spectrumID++
	return nil
}

// encodePeaksFloat64 encodes peak data as little-endian float64 blob
func encodePeaksFloat64(peaks []ions.Peak, useMz bool) []byte {
	buf := make([]byte, len(peaks)*8)
	for i, peak := range peaks {
		value := peak.Intens
		if useMz {
			value = peak.Mz
		}
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(value))
	}
	return buf
}

// Finalize writes the header table and closes the database. Calling
// it again afterwards is a no-op.
func (w *Writer) Finalize() error {
	if w.db == nil {
		return nil
	}
	_, err := w.db.Exec(`
		INSERT INTO HeaderTable (version, CreationDate, Tolerance, ToleranceUnit, SpectrumCount)
		VALUES (?, ?, ?, ?, ?)
	`, 1, time.Now().Format(headerDateFormat), w.tolerance, w.unit.String(), w.spectrumID-1)
	if err != nil {
		return fmt.Errorf("failed to insert header: %w", err)
	}

	if w.spectrumStmt != nil {
		w.spectrumStmt.Close()
	}
	if w.annotationStmt != nil {
		w.annotationStmt.Close()
	}

	db := w.db
	w.db = nil
	if err := db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	return nil
}

// Close closes the database connection (alias for Finalize)
func (w *Writer) Close() error {
	return w.Finalize()
}
