// Copyright 2026 Rob Marissen.
// SPDX-License-Identifier: MIT

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/524D/mzannotate/internal/ions"
	"github.com/524D/mzannotate/internal/speclib"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export annotated spectra to a SQLite library",
	Long: `Annotate every identified spectrum of an mzML file and store the
peaks together with their fragment ion annotations in a SQLite
library file.

Examples:
  # Build a library from a search result
  mzannotate export --mzml run1.mzML --pin run1.pin --out run1.db

  # Use a 20 ppm tolerance
  mzannotate export --mzml run1.mzML --pin run1.pin --out run1.db --tol 20 --unit ppm`,
	RunE: runExport,
}

func runExport(cmd *cobra.Command, args []string) error {
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

	writer, err := speclib.NewWriter(outFile, tolerance, unit)
	if err != nil {
		return fmt.Errorf("failed to create output database: %w", err)
	}
	defer writer.Close()

	count := 0
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
		entry := &speclib.Entry{
			ScanNr:   res.ScanNr,
			SpecID:   res.SpecID,
			Sequence: res.Sequence,
			Charge:   res.Charge,
			Peaks:    res.Peaks,
			Matches:  res.Matches,
		}
		if err := writer.WriteEntry(entry); err != nil {
			return fmt.Errorf("failed to write scan %d: %w", res.ScanNr, err)
		}
		count++
		if count%1000 == 0 {
			fmt.Printf("Processed %d spectra...\n", count)
		}
	}

	if err := writer.Finalize(); err != nil {
		return fmt.Errorf("failed to finalize database: %w", err)
	}

	fmt.Printf("\nExport complete!\n")
	fmt.Printf("Processed: %d spectra\n", count)
	if skipped > 0 {
		fmt.Printf("Skipped: %d spectra\n", skipped)
	}
	fmt.Printf("Output: %s\n", outFile)
	return nil
}
