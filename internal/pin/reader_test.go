package pin

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestRead(t *testing.T) {
	listing := strings.Join([]string{
		"SpecId\tLabel\tScanNr\tExpMass\tPeptide\tcharge_1\tcharge_2\tcharge_3\tProteins",
		"psm_10\t1\t10\t1100.5\tR.PEPTIDE.K\t0\t1\t0\tsp|P1",
		"psm_11\t-1\t11\t900.2\tK.AC[+57.02]DEFGHIK.R\t0\t0\t1\tsp|P2",
		"psm_12\t1\t12\t500.0\tLMNQR\t0\t0\t0\tsp|P3",
		"short\t1\t13",                                          // fewer fields than the header
		"psm_x\t1\tnotanumber\t1.0\tAAAA\t1\t0\t0\tsp|P4",      // scan number does not parse
		"psm_14\t1\t14\t1.0\tAAAA\t1\t0\t0\tsp|P5\textra\tmore", // more fields than the header
	}, "\n")

	recs, err := Read(strings.NewReader(listing))
	if err != nil {
		t.Fatalf("Read: error return %v", err)
	}
	want := []Record{
		{ScanNr: 10, SpecID: "psm_10", Sequence: "PEPTIDE", Charge: 2},
		{ScanNr: 11, SpecID: "psm_11", Sequence: "K.AC(+57.02)DEFGHIK.R", Charge: 3},
		{ScanNr: 12, SpecID: "psm_12", Sequence: "LMNQR", Charge: 2},
	}
	if diff := cmp.Diff(want, recs); diff != "" {
		t.Errorf("Read: records differ (-want +got):\n%s", diff)
	}
}

func TestReadChargeColumns(t *testing.T) {
	listing := strings.Join([]string{
		"ScanNr\tPeptide\tcharge_1\tcharge_2\tcharge_3\tcharge_4\tcharge_5\tcharge_6",
		"1\tAAA\t0\t0\t1\t0\t0\t0",
		"2\tCCC\t0\t0\t0\t0\t0\t0",
		"3\tDDD\t0\t1\t1\t0\t0\t0", // first asserted column wins
	}, "\n")

	recs, err := Read(strings.NewReader(listing))
	if err != nil {
		t.Fatalf("Read: error return %v", err)
	}
	wantCharges := []int{3, 2, 2}
	if len(recs) != len(wantCharges) {
		t.Fatalf("Read: %d records, should be %d", len(recs), len(wantCharges))
	}
	for i, want := range wantCharges {
		if recs[i].Charge != want {
			t.Errorf("Read: row %d charge %d, should be %d", i, recs[i].Charge, want)
		}
	}
}

func TestReadHeaderAliases(t *testing.T) {
	// Alternative spellings, arbitrary case, no optional columns
	listing := "SCAN_NR\tSEQUENCE\n17\tACDK\n"

	recs, err := Read(strings.NewReader(listing))
	if err != nil {
		t.Fatalf("Read: error return %v", err)
	}
	want := []Record{{ScanNr: 17, Sequence: "ACDK", Charge: 2}}
	if diff := cmp.Diff(want, recs); diff != "" {
		t.Errorf("Read: records differ (-want +got):\n%s", diff)
	}
}

func TestReadMissingColumn(t *testing.T) {
	_, err := Read(strings.NewReader("SpecId\tScanNr\n1\t2\n"))
	if !errors.Is(err, ErrMissingColumn) {
		t.Errorf("Read: error return %v, should be ErrMissingColumn", err)
	}
	_, err = Read(strings.NewReader("Peptide\tLabel\nAAA\t1\n"))
	if !errors.Is(err, ErrMissingColumn) {
		t.Errorf("Read: error return %v, should be ErrMissingColumn", err)
	}
}

func TestReadEmptyInput(t *testing.T) {
	_, err := Read(strings.NewReader(""))
	if !errors.Is(err, ErrNoHeader) {
		t.Errorf("Read: error return %v, should be ErrNoHeader", err)
	}
}

func TestNormalizeSequence(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"flanked", "K.ACDEFGHIK.R", "ACDEFGHIK"},
		{"brackets", "AC[+57.02]DEFGHIK", "AC(+57.02)DEFGHIK"},
		{"plain", "ACDEFGHIK", "ACDEFGHIK"},
		{"flanked with modification dots kept raw", "K.AC[+57.02]DEFGHIK.R", "K.AC(+57.02)DEFGHIK.R"},
		{"two segments kept raw", "PEPT.IDE", "PEPT.IDE"},
		{"empty middle", "K..R", ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := NormalizeSequence(tc.in); got != tc.want {
				t.Errorf("NormalizeSequence(%q) = %q, should be %q", tc.in, got, tc.want)
			}
		})
	}
}
