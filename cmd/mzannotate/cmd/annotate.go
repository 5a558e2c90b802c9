// Copyright 2026 Rob Marissen.
// SPDX-License-Identifier: MIT

package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/524D/mzannotate/internal/ions"
	"github.com/524D/mzannotate/internal/pin"
	"github.com/524D/mzannotate/internal/pipeline"
)

var annotateCmd = &cobra.Command{
	Use:   "annotate",
	Short: "Annotate spectra with matching fragment ions",
	Long: `Annotate spectra of an mzML file with the b and y fragment ions of
their identified peptides and write the result as JSON.

Identifications come from a Percolator input listing (--pin). With
--scan and no listing, the raw spectra of the given scans are
extracted without annotation.

Examples:
  # Annotate all identified spectra
  mzannotate annotate --mzml run1.mzML --pin run1.pin

  # Annotate two specific scans with a 10 ppm tolerance
  mzannotate annotate --mzml run1.mzML --pin run1.pin --scan 1203,4024 --tol 10 --unit ppm

  # Dump the peaks of one scan
  mzannotate annotate --mzml run1.mzML --scan 1203`,
	RunE: runAnnotate,
}

// scanReport is the JSON shape of one annotated spectrum.
type scanReport struct {
	ScanNr   int
	SpecID   string `json:",omitempty"`
	Sequence string `json:",omitempty"`
	Charge   int    `json:",omitempty"`
	Peaks    []ions.Peak
	Ions     []ions.Ion   `json:",omitempty"`
	Matches  []ions.Match `json:",omitempty"`
}

// session wraps a pipeline coordinator for sequential command line
// use: one request at a time, outcomes picked up from the callback
// channels.
type session struct {
	coord   *pipeline.Coordinator
	results chan pipeline.Result
	errs    chan error
}

func newSession(tol float64, unit ions.Unit) *session {
	s := &session{
		results: make(chan pipeline.Result, 16),
		errs:    make(chan error, 16),
	}
	s.coord = pipeline.New(pipeline.Config{
		Tolerance: tol,
		Unit:      unit,
		OnResult:  func(res pipeline.Result) { s.results <- res },
		OnError:   func(err error) { s.errs <- err },
		OnProgress: func(pct float64) {
			fmt.Fprintf(os.Stderr, "\rIndexing %3.0f%%", pct)
			if pct >= 100 {
				fmt.Fprintln(os.Stderr)
			}
		},
	})
	return s
}

func (s *session) close() {
	s.coord.Close()
}

// load opens the mzML file and waits until its index is usable. A
// failed load recovers to Idle, a successful one to IndexReady (the
// verification extraction may still be in flight). The Error state is
// a transient the poll can skip right over.
func (s *session) load(path string) error {
	if err := s.coord.LoadFile(path); err != nil {
		return err
	}
	for {
		switch s.coord.State() {
		case pipeline.StateIdle:
			select {
			case err := <-s.errs:
				return err
			default:
				return fmt.Errorf("failed to load %s", path)
			}
		case pipeline.StateIndexReady, pipeline.StateExtracting, pipeline.StateMatching:
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// annotate runs one request and waits for its outcome, pairing both
// results and errors by the request token. ok is false when the
// record was skipped; the cause has been printed already.
func (s *session) annotate(rec pin.Record) (res pipeline.Result, ok bool, err error) {
	seq, err := s.coord.Select(rec)
	if err != nil {
		return pipeline.Result{}, false, err
	}
	for {
		select {
		case res := <-s.results:
			if res.Request == seq {
				return res, true, nil
			}
			// Superseded verification display, drop it.
		case err := <-s.errs:
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
			var reqErr *pipeline.RequestError
			if errors.As(err, &reqErr) && reqErr.Request == seq {
				return pipeline.Result{}, false, nil
			}
			// A leftover verification failure, keep waiting.
		}
	}
}

// loadRecords assembles the request list from the --pin and --scan
// flags.
func loadRecords() ([]pin.Record, error) {
	var records []pin.Record
	if pinFile != "" {
		f, err := os.Open(pinFile)
		if err != nil {
			return nil, fmt.Errorf("failed to open listing: %w", err)
		}
		defer f.Close()
		records, err = pin.Read(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read listing: %w", err)
		}
	}
	if len(scanNrs) == 0 {
		if pinFile == "" {
			return nil, fmt.Errorf("nothing to do, need --pin or --scan")
		}
		return records, nil
	}
	if pinFile == "" {
		records = make([]pin.Record, 0, len(scanNrs))
		for _, n := range scanNrs {
			records = append(records, pin.Record{ScanNr: n})
		}
		return records, nil
	}
	want := make(map[int]bool, len(scanNrs))
	for _, n := range scanNrs {
		want[n] = true
	}
	filtered := records[:0]
	for _, rec := range records {
		if want[rec.ScanNr] {
			filtered = append(filtered, rec)
		}
	}
	return filtered, nil
}

func runAnnotate(cmd *cobra.Command, args []string) error {
	unit, err := ions.ParseUnit(toleranceUnit)
	if err != nil {
		return err
	}
	records, err := loadRecords()
	if err != nil {
		return err
	}

	s := newSession(tolerance, unit)
	defer s.close()
	if err := s.load(mzmlFile); err != nil {
		return fmt.Errorf("failed to load %s: %w", mzmlFile, err)
	}

	reports := make([]scanReport, 0, len(records))
	skipped := 0
	for _, rec := range records {
		res, ok, err := s.annotate(rec)
		if err != nil {
			return err
		}
		if !ok {
			skipped++
			continue
		}
		reports = append(reports, scanReport{
			ScanNr:   res.ScanNr,
			SpecID:   res.SpecID,
			Sequence: res.Sequence,
			Charge:   res.Charge,
			Peaks:    res.Peaks,
			Ions:     res.Ions,
			Matches:  res.Matches,
		})
	}

	if err := writeReports(reports); err != nil {
		return err
	}
	if skipped > 0 {
		fmt.Fprintf(os.Stderr, "Skipped: %d of %d requests\n", skipped, len(records))
	}
	return nil
}

func writeReports(reports []scanReport) error {
	f := os.Stdout
	if outFile != "" {
		var err error
		f, err = os.Create(outFile)
		if err != nil {
			return err
		}
		defer f.Close()
	}
	e := json.NewEncoder(f)
	e.SetIndent(``, `  `) // Make output easier to read for humans
	return e.Encode(reports)
}
