package pipeline

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/524D/mzannotate/internal/ions"
	"github.com/524D/mzannotate/internal/mzml"
	"github.com/524D/mzannotate/internal/pin"
)

// testSource is a map backed SpectrumSource. A non-nil gate makes
// ReadScan block until the test sends on it, so requests can be held
// in flight deliberately.
type testSource struct {
	scans []int
	peaks map[int][]mzml.Peak
	errs  map[int]error
	gate  chan struct{}
}

func (s *testSource) ReadScan(scanNr int) ([]mzml.Peak, error) {
	if s.gate != nil {
		<-s.gate
	}
	if err, ok := s.errs[scanNr]; ok {
		return nil, err
	}
	p, ok := s.peaks[scanNr]
	if !ok {
		return nil, mzml.ErrScanNotFound
	}
	return p, nil
}

func (s *testSource) Scans() []int { return s.scans }

type recorder struct {
	states   chan State
	results  chan Result
	errs     chan error
	progress chan float64
}

func newRecorder() *recorder {
	return &recorder{
		states:   make(chan State, 64),
		results:  make(chan Result, 16),
		errs:     make(chan error, 16),
		progress: make(chan float64, 64),
	}
}

func (r *recorder) config() Config {
	return Config{
		OnState:    func(s State) { r.states <- s },
		OnResult:   func(res Result) { r.results <- res },
		OnError:    func(err error) { r.errs <- err },
		OnProgress: func(pct float64) { r.progress <- pct },
	}
}

func drainProgress(ch <-chan float64) []float64 {
	var out []float64
	for {
		select {
		case p := <-ch:
			out = append(out, p)
		default:
			return out
		}
	}
}

func waitResult(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("no result within 2s")
		return Result{}
	}
}

func waitError(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("no error within 2s")
		return nil
	}
}

func noResult(t *testing.T, ch <-chan Result) {
	t.Helper()
	select {
	case res := <-ch:
		t.Fatalf("unexpected result for scan %d", res.ScanNr)
	case <-time.After(100 * time.Millisecond):
	}
}

func readStates(t *testing.T, ch <-chan State, n int) []State {
	t.Helper()
	out := make([]State, 0, n)
	deadline := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case s := <-ch:
			out = append(out, s)
		case <-deadline:
			t.Fatalf("states %v, still waiting for %d more", out, n-len(out))
		}
	}
	return out
}

func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("%s not reached within 2s", desc)
}

func writeTestFile(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "run.mzML")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: error return %v", err)
	}
	specs := []mzml.SyntheticSpectrum{
		{ScanNr: 10, Peaks: []mzml.Peak{
			{Mz: 227.103182015, Intens: 100}, // b2 of PEPTIDE
			{Mz: 400.0, Intens: 5},
			{Mz: 703.315025399, Intens: 200}, // y6 of PEPTIDE
		}, Bits64: true},
		{ScanNr: 11, Peaks: []mzml.Peak{{Mz: 101.071, Intens: 9.25}}, Bits64: true, Zlib: true},
	}
	if err := mzml.WriteSynthetic(f, specs); err != nil {
		t.Fatalf("WriteSynthetic: error return %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: error return %v", err)
	}
	return path
}

func TestCoordinatorLoadAndAnnotate(t *testing.T) {
	path := writeTestFile(t, t.TempDir())
	rec := newRecorder()
	cfg := rec.config()
	cfg.Tolerance = 0.02
	c := New(cfg)
	defer c.Close()

	if err := c.LoadFile(path); err != nil {
		t.Fatalf("LoadFile: error return %v", err)
	}

	// The load ends with a verification display of the first scan.
	res := waitResult(t, rec.results)
	if res.ScanNr != 10 || res.Sequence != "" {
		t.Errorf("verification result scan %d seq %q, should be 10 and empty", res.ScanNr, res.Sequence)
	}
	if len(res.Peaks) != 3 || len(res.Ions) != 0 || len(res.Matches) != 0 {
		t.Errorf("verification result %d peaks %d ions %d matches, should be 3/0/0",
			len(res.Peaks), len(res.Ions), len(res.Matches))
	}
	wantStates := []State{StateIndexBuilding, StateIndexReady, StateExtracting, StateIndexReady}
	if diff := cmp.Diff(wantStates, readStates(t, rec.states, 4)); diff != "" {
		t.Errorf("load state sequence mismatch (-want +got):\n%s", diff)
	}

	// All build progress precedes the build completion, so it has been
	// relayed by now.
	pcts := drainProgress(rec.progress)
	if len(pcts) == 0 {
		t.Error("no progress during index build")
	}
	for i := 1; i < len(pcts); i++ {
		if pcts[i] < pcts[i-1] {
			t.Errorf("progress went backwards: %v", pcts)
		}
	}
	if len(pcts) > 0 && pcts[len(pcts)-1] != 100 {
		t.Errorf("progress ended at %v, should be 100", pcts[len(pcts)-1])
	}

	// The index must have landed in the sidecar cache.
	idx, err := mzml.LoadIndexCache(path)
	if err != nil {
		t.Errorf("LoadIndexCache: error return %v", err)
	}
	if len(idx) != 2 {
		t.Errorf("cached index has %d scans, should be 2", len(idx))
	}

	seq, err := c.Select(pin.Record{ScanNr: 10, SpecID: "psm_10", Sequence: "PEPTIDE", Charge: 2})
	if err != nil {
		t.Fatalf("Select: error return %v", err)
	}
	res = waitResult(t, rec.results)
	if res.Request != seq {
		t.Errorf("result token %d, should be %d", res.Request, seq)
	}
	if res.ScanNr != 10 || res.SpecID != "psm_10" || res.Sequence != "PEPTIDE" || res.Charge != 2 {
		t.Errorf("result identifies %d/%q/%q/%d, should be 10/psm_10/PEPTIDE/2",
			res.ScanNr, res.SpecID, res.Sequence, res.Charge)
	}
	if len(res.Ions) != 28 {
		t.Errorf("result has %d ions, should be 28", len(res.Ions))
	}
	if len(res.Matches) != 2 {
		t.Fatalf("result has %d matches, should be 2", len(res.Matches))
	}
	matched := map[string]float64{}
	for _, m := range res.Matches {
		if m.Charge == 1 {
			matched[m.Label] = m.PeakMz
		}
	}
	if mz, ok := matched["b2"]; !ok || math.Abs(mz-227.103182015) > 1e-6 {
		t.Errorf("b2 matched at %v, should be 227.103182015", mz)
	}
	if mz, ok := matched["y6"]; !ok || math.Abs(mz-703.315025399) > 1e-6 {
		t.Errorf("y6 matched at %v, should be 703.315025399", mz)
	}
	wantStates = []State{StateExtracting, StateMatching, StateIndexReady}
	if diff := cmp.Diff(wantStates, readStates(t, rec.states, 3)); diff != "" {
		t.Errorf("select state sequence mismatch (-want +got):\n%s", diff)
	}

	// A scan that is not in the index reports an error and leaves the
	// session usable.
	if _, err := c.Select(pin.Record{ScanNr: 99, Sequence: "PEPTIDE", Charge: 2}); err != nil {
		t.Fatalf("Select: error return %v", err)
	}
	if err := waitError(t, rec.errs); !errors.Is(err, mzml.ErrScanNotFound) {
		t.Errorf("selection error %v, should be ErrScanNotFound", err)
	}
	noResult(t, rec.results)
	waitFor(t, "IndexReady", func() bool { return c.State() == StateIndexReady })
}

// TestCoordinatorEndToEndListing drives the coordinator with records
// straight out of the listing parser: one row naming a present scan,
// one naming an absent one.
func TestCoordinatorEndToEndListing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.mzML")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: error return %v", err)
	}
	specs := []mzml.SyntheticSpectrum{
		{ScanNr: 10, Peaks: []mzml.Peak{{Mz: 227.103182015, Intens: 40}}, Bits64: true},
		{ScanNr: 11, Peaks: []mzml.Peak{{Mz: 101.071, Intens: 1}}},
		{ScanNr: 12, Peaks: []mzml.Peak{{Mz: 300.25, Intens: 2}}, Bits64: true, Zlib: true},
	}
	if err := mzml.WriteSynthetic(f, specs); err != nil {
		t.Fatalf("WriteSynthetic: error return %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: error return %v", err)
	}

	listing := strings.Join([]string{
		"SpecId\tScanNr\tPeptide\tcharge_1\tcharge_2\tcharge_3",
		"psm_a\t10\tR.PEPTIDE.K\t0\t1\t0",
		"psm_b\t99\tK.ACDK.R\t1\t0\t0",
	}, "\n")
	recs, err := pin.Read(strings.NewReader(listing))
	if err != nil {
		t.Fatalf("pin.Read: error return %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("pin.Read: %d records, should be 2", len(recs))
	}

	rec := newRecorder()
	c := New(rec.config())
	defer c.Close()
	if err := c.LoadFile(path); err != nil {
		t.Fatalf("LoadFile: error return %v", err)
	}
	waitResult(t, rec.results) // verification display of scan 10

	seq, err := c.Select(recs[0])
	if err != nil {
		t.Fatalf("Select: error return %v", err)
	}
	res := waitResult(t, rec.results)
	if res.Request != seq || res.ScanNr != 10 || res.Sequence != "PEPTIDE" || res.Charge != 2 {
		t.Errorf("result %d/%d/%q/%d, should be %d/10/PEPTIDE/2",
			res.Request, res.ScanNr, res.Sequence, res.Charge, seq)
	}
	if len(res.Matches) != 1 || res.Matches[0].Label != "b2" {
		t.Errorf("matches %v, should be just b2", res.Matches)
	}
	select {
	case err := <-rec.errs:
		t.Fatalf("unexpected error %v", err)
	default:
	}

	if _, err := c.Select(recs[1]); err != nil {
		t.Fatalf("Select: error return %v", err)
	}
	if err := waitError(t, rec.errs); !errors.Is(err, mzml.ErrScanNotFound) {
		t.Errorf("selection error %v, should be ErrScanNotFound", err)
	}
	noResult(t, rec.results)
	waitFor(t, "IndexReady", func() bool { return c.State() == StateIndexReady })
}

func TestCoordinatorStaleDiscard(t *testing.T) {
	src := &testSource{
		scans: []int{10, 11, 12},
		peaks: map[int][]mzml.Peak{
			10: {{Mz: 100, Intens: 1}},
			11: {{Mz: 175.054123345, Intens: 2}},
			12: {{Mz: 227.103182015, Intens: 3}},
		},
		gate: make(chan struct{}),
	}
	rec := newRecorder()
	c := New(rec.config())
	defer c.Close()

	if err := c.LoadSource(src); err != nil {
		t.Fatalf("LoadSource: error return %v", err)
	}
	// The verification request is now held at the gate.
	waitFor(t, "Extracting", func() bool { return c.State() == StateExtracting })

	seqA, err := c.Select(pin.Record{ScanNr: 11, Sequence: "ACDK", Charge: 1})
	if err != nil {
		t.Fatalf("Select: error return %v", err)
	}
	seqB, err := c.Select(pin.Record{ScanNr: 12, Sequence: "PEPTIDE", Charge: 1})
	if err != nil {
		t.Fatalf("Select: error return %v", err)
	}
	if seqB <= seqA {
		t.Errorf("request tokens %d then %d, should be increasing", seqA, seqB)
	}

	// Release all three held extractions in one go. Only the response
	// of the newest request may surface.
	for i := 0; i < 3; i++ {
		src.gate <- struct{}{}
	}
	res := waitResult(t, rec.results)
	if res.Request != seqB || res.ScanNr != 12 || res.Sequence != "PEPTIDE" {
		t.Errorf("result %d for scan %d seq %q, should be %d/12/PEPTIDE",
			res.Request, res.ScanNr, res.Sequence, seqB)
	}
	noResult(t, rec.results)
	waitFor(t, "IndexReady", func() bool { return c.State() == StateIndexReady })
}

func TestCoordinatorSelectBeforeLoad(t *testing.T) {
	c := New(Config{})
	if _, err := c.Select(pin.Record{ScanNr: 1}); !errors.Is(err, ErrNotReady) {
		t.Errorf("Select: error return %v, should be ErrNotReady", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close: error return %v", err)
	}
	if _, err := c.Select(pin.Record{ScanNr: 1}); !errors.Is(err, ErrClosed) {
		t.Errorf("Select after Close: error return %v, should be ErrClosed", err)
	}
	if err := c.LoadFile("x.mzML"); !errors.Is(err, ErrClosed) {
		t.Errorf("LoadFile after Close: error return %v, should be ErrClosed", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close: error return %v", err)
	}
}

func TestCoordinatorTimeout(t *testing.T) {
	src := &testSource{
		scans: []int{10},
		peaks: map[int][]mzml.Peak{10: {{Mz: 100, Intens: 1}}},
		gate:  make(chan struct{}),
	}
	defer close(src.gate)
	rec := newRecorder()
	cfg := rec.config()
	cfg.StageTimeout = 100 * time.Millisecond
	c := New(cfg)
	defer c.Close()

	// The verification extraction never returns, so the stage expires.
	if err := c.LoadSource(src); err != nil {
		t.Fatalf("LoadSource: error return %v", err)
	}
	err := waitError(t, rec.errs)
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("error %v, should be ErrTimeout", err)
	}
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Errorf("error %v does not carry its request token", err)
	}
	wantStates := []State{StateIndexBuilding, StateIndexReady, StateExtracting, StateError, StateIndexReady}
	if diff := cmp.Diff(wantStates, readStates(t, rec.states, 5)); diff != "" {
		t.Errorf("state sequence mismatch (-want +got):\n%s", diff)
	}
	noResult(t, rec.results)

	// A fresh load still works after the expiry.
	good := &testSource{
		scans: []int{20},
		peaks: map[int][]mzml.Peak{20: {{Mz: 200, Intens: 1}}},
	}
	if err := c.LoadSource(good); err != nil {
		t.Fatalf("LoadSource: error return %v", err)
	}
	res := waitResult(t, rec.results)
	if res.ScanNr != 20 {
		t.Errorf("verification result scan %d, should be 20", res.ScanNr)
	}
	waitFor(t, "IndexReady", func() bool { return c.State() == StateIndexReady })
}

func TestCoordinatorVerifyError(t *testing.T) {
	src := &testSource{
		scans: []int{10, 11},
		peaks: map[int][]mzml.Peak{11: {{Mz: 175.054123345, Intens: 1}}},
		errs:  map[int]error{10: mzml.ErrBadSpectrum},
	}
	rec := newRecorder()
	c := New(rec.config())
	defer c.Close()

	// Verification hits the broken first scan; the error surfaces but
	// the loaded session survives.
	if err := c.LoadSource(src); err != nil {
		t.Fatalf("LoadSource: error return %v", err)
	}
	if err := waitError(t, rec.errs); !errors.Is(err, mzml.ErrBadSpectrum) {
		t.Errorf("error %v, should be ErrBadSpectrum", err)
	}
	wantStates := []State{StateIndexBuilding, StateIndexReady, StateExtracting, StateError, StateIndexReady}
	if diff := cmp.Diff(wantStates, readStates(t, rec.states, 5)); diff != "" {
		t.Errorf("state sequence mismatch (-want +got):\n%s", diff)
	}

	// Other scans stay selectable without reloading.
	seq, err := c.Select(pin.Record{ScanNr: 11, Sequence: "ACDK", Charge: 1})
	if err != nil {
		t.Fatalf("Select: error return %v", err)
	}
	res := waitResult(t, rec.results)
	if res.Request != seq || res.ScanNr != 11 {
		t.Errorf("result %d for scan %d, should be %d/11", res.Request, res.ScanNr, seq)
	}
	if len(res.Matches) != 1 || res.Matches[0].Label != "b2" {
		t.Errorf("matches %v, should be just b2", res.Matches)
	}
}

func TestCoordinatorEmptySource(t *testing.T) {
	rec := newRecorder()
	c := New(rec.config())
	defer c.Close()

	// No scans is not an error, there is just nothing to verify.
	if err := c.LoadSource(&testSource{}); err != nil {
		t.Fatalf("LoadSource: error return %v", err)
	}
	waitFor(t, "IndexReady", func() bool { return c.State() == StateIndexReady })
	noResult(t, rec.results)

	if _, err := c.Select(pin.Record{ScanNr: 1, Sequence: "ACDK", Charge: 1}); err != nil {
		t.Fatalf("Select: error return %v", err)
	}
	if err := waitError(t, rec.errs); !errors.Is(err, mzml.ErrScanNotFound) {
		t.Errorf("error %v, should be ErrScanNotFound", err)
	}
	waitFor(t, "IndexReady", func() bool { return c.State() == StateIndexReady })
}

func TestCoordinatorSelectionErrors(t *testing.T) {
	src := &testSource{
		scans: []int{10},
		peaks: map[int][]mzml.Peak{10: {{Mz: 175.054123345, Intens: 1}}},
	}
	rec := newRecorder()
	c := New(rec.config())
	defer c.Close()

	if err := c.LoadSource(src); err != nil {
		t.Fatalf("LoadSource: error return %v", err)
	}
	waitResult(t, rec.results) // verification display

	// An unparseable peptide fails in the matching stage; the error is
	// tied to its request token.
	seq, err := c.Select(pin.Record{ScanNr: 10, Sequence: "PEPT1DE", Charge: 1})
	if err != nil {
		t.Fatalf("Select: error return %v", err)
	}
	selErr := waitError(t, rec.errs)
	if !errors.Is(selErr, ions.ErrInvalidSequence) {
		t.Errorf("error %v, should be ErrInvalidSequence", selErr)
	}
	var reqErr *RequestError
	if !errors.As(selErr, &reqErr) || reqErr.Request != seq {
		t.Errorf("error %v not tied to request %d", selErr, seq)
	}
	noResult(t, rec.results)
	waitFor(t, "IndexReady", func() bool { return c.State() == StateIndexReady })

	// The session keeps working afterwards.
	if _, err := c.Select(pin.Record{ScanNr: 10, Sequence: "ACDK", Charge: 1}); err != nil {
		t.Fatalf("Select: error return %v", err)
	}
	res := waitResult(t, rec.results)
	if len(res.Ions) != 8 || len(res.Matches) != 1 {
		t.Errorf("result has %d ions %d matches, should be 8/1", len(res.Ions), len(res.Matches))
	}
	if len(res.Matches) == 1 && res.Matches[0].Label != "b2" {
		t.Errorf("matched %s, should be b2", res.Matches[0].Label)
	}
}
