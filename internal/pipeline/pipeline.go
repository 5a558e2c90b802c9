// Package pipeline drives a spectrum annotation session: load an mzML
// file, build or reuse its scan index, extract spectra and annotate
// them with fragment ion matches. All work runs asynchronously on a
// single event loop, so callers can keep issuing requests while
// earlier ones are still in flight. Responses of superseded requests
// are discarded on arrival.
package pipeline

import (
	"errors"
	"io"
	"log"
	"time"

	"github.com/524D/mzannotate/internal/ions"
	"github.com/524D/mzannotate/internal/mzml"
)

// State is the stage the coordinator is currently in.
type State int32

const (
	StateIdle State = iota
	StateIndexBuilding
	StateIndexReady
	StateExtracting
	StateMatching
	StateError
)

var stateNames = map[State]string{
	StateIdle:          "Idle",
	StateIndexBuilding: "IndexBuilding",
	StateIndexReady:    "IndexReady",
	StateExtracting:    "Extracting",
	StateMatching:      "Matching",
	StateError:         "Error",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "Unknown"
}

var (
	ErrClosed   = errors.New("pipeline: coordinator closed")
	ErrNotReady = errors.New("pipeline: no spectrum source loaded")
	ErrTimeout  = errors.New("pipeline: stage timed out")
)

// RequestError ties a stage failure to the token of the request it
// failed for, so callers that pair results by token can pair errors
// the same way. Load failures are not request scoped and are reported
// without it.
type RequestError struct {
	Request uint64
	Err     error
}

func (e *RequestError) Error() string { return e.Err.Error() }

func (e *RequestError) Unwrap() error { return e.Err }

const (
	defaultTolerance    = 0.5 // Da
	defaultStageTimeout = 30 * time.Second
)

// SpectrumSource supplies peak lists by scan number. *mzml.LazyReader
// implements it; tests can substitute their own.
type SpectrumSource interface {
	ReadScan(scanNr int) ([]mzml.Peak, error)
	Scans() []int
}

var _ SpectrumSource = (*mzml.LazyReader)(nil)

// Matcher computes theoretical fragment ions and matches them against
// observed peaks. The zero value of Config selects the b/y ion matcher
// from the ions package.
type Matcher interface {
	Calculate(sequence string, charge int) ([]ions.Ion, error)
	Match(peaks []ions.Peak, theo []ions.Ion, tol float64, unit ions.Unit) []ions.Match
}

type defaultMatcher struct{}

func (defaultMatcher) Calculate(sequence string, charge int) ([]ions.Ion, error) {
	return ions.Calculate(sequence, charge)
}

func (defaultMatcher) Match(peaks []ions.Peak, theo []ions.Ion, tol float64, unit ions.Unit) []ions.Match {
	return ions.MatchPeaks(peaks, theo, tol, unit)
}

// Config holds the coordinator settings. The zero value works: missing
// fields are filled with defaults when the coordinator is created.
type Config struct {
	Tolerance float64   // match tolerance, 0 means 0.5
	Unit      ions.Unit // tolerance unit for Tolerance

	// StageTimeout bounds how long a single stage (index build,
	// extraction, matching) may run before the coordinator gives up
	// on it. 0 selects 30s, a negative value disables the limit.
	StageTimeout time.Duration

	Matcher Matcher     // nil selects the built-in b/y matcher
	Reader  mzml.Config // passed through when opening mzML files

	// Callbacks run on the coordinator's event loop and must return
	// promptly. They must not call back into the coordinator.
	// OnProgress relays the index build progress of the current load;
	// percentages of a superseded load are never relayed.
	OnResult   func(Result)
	OnError    func(error)
	OnState    func(State)
	OnProgress func(pct float64)
}

func sanatizeConfig(cfg *Config) {
	if cfg.Tolerance == 0 {
		cfg.Tolerance = defaultTolerance
	}
	if cfg.StageTimeout == 0 {
		cfg.StageTimeout = defaultStageTimeout
	}
	if cfg.Matcher == nil {
		cfg.Matcher = defaultMatcher{}
	}
}

// Result is the outcome of one spectrum request. For a plain display
// request (no peptide sequence) Ions and Matches are empty.
type Result struct {
	Request  uint64 // token of the request this result answers
	ScanNr   int
	SpecID   string
	Sequence string
	Charge   int
	Peaks    []ions.Peak
	Ions     []ions.Ion
	Matches  []ions.Match
}

func toIonPeaks(p []mzml.Peak) []ions.Peak {
	out := make([]ions.Peak, len(p))
	for i, pk := range p {
		out[i] = ions.Peak{Mz: pk.Mz, Intens: pk.Intens}
	}
	return out
}

func closeSource(src SpectrumSource) {
	if cl, ok := src.(io.Closer); ok {
		_ = cl.Close()
	}
}

// openSource opens an mzML file, reusing the sidecar index cache when
// one is present and rebuilding (and saving) the index otherwise.
func openSource(path string, cfg mzml.Config) (SpectrumSource, error) {
	if idx, err := mzml.LoadIndexCache(path); err == nil {
		r, err := mzml.OpenWithIndex(path, idx, cfg)
		if err != nil {
			return nil, err
		}
		return r, nil
	}
	r, err := mzml.Open(path, cfg)
	if err != nil {
		return nil, err
	}
	if err := mzml.SaveIndexCache(path, r.Index()); err != nil {
		log.Printf("index cache for %s not written: %v", path, err)
	}
	return r, nil
}
