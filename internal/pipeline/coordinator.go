package pipeline

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/524D/mzannotate/internal/ions"
	"github.com/524D/mzannotate/internal/mzml"
	"github.com/524D/mzannotate/internal/pin"
)

// Coordinator owns one annotation session. All mutable state lives on
// its event loop goroutine; the public methods only exchange messages
// with it. Requests are never cancelled: a newer request simply takes
// over, and the response of the older one is dropped when it arrives.
type Coordinator struct {
	cfg Config

	cmds        chan command
	buildDone   chan buildEvent
	extractDone chan extractEvent
	matchDone   chan matchEvent
	progress    chan progressEvent
	timeouts    chan timeoutEvent

	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once

	state atomic.Int32

	// Event loop state, touched only by run().
	src     SpectrumSource
	buildID uuid.UUID // generation tag of the load in progress
	seq     uint64    // request token counter
	current uint64    // token the loop is waiting on, 0 when none
	timer   *time.Timer
}

type cmdKind int

const (
	cmdLoadFile cmdKind = iota
	cmdLoadSource
	cmdSelect
)

type command struct {
	kind  cmdKind
	path  string
	src   SpectrumSource
	rec   pin.Record
	reply chan cmdReply
}

type cmdReply struct {
	seq uint64
	err error
}

type buildEvent struct {
	id  uuid.UUID
	src SpectrumSource
	err error
}

type extractEvent struct {
	seq    uint64
	rec    pin.Record
	verify bool
	peaks  []mzml.Peak
	err    error
}

type matchEvent struct {
	seq     uint64
	rec     pin.Record
	peaks   []ions.Peak
	theo    []ions.Ion
	matches []ions.Match
	err     error
}

type progressEvent struct {
	id  uuid.UUID
	pct float64
}

type timeoutEvent struct {
	stage State
	seq   uint64
	build uuid.UUID
}

// New starts a coordinator in the Idle state.
func New(cfg Config) *Coordinator {
	sanatizeConfig(&cfg)
	c := &Coordinator{
		cfg:         cfg,
		cmds:        make(chan command),
		buildDone:   make(chan buildEvent),
		extractDone: make(chan extractEvent),
		matchDone:   make(chan matchEvent),
		progress:    make(chan progressEvent),
		timeouts:    make(chan timeoutEvent),
		done:        make(chan struct{}),
		stopped:     make(chan struct{}),
	}
	c.state.Store(int32(StateIdle))
	go c.run()
	return c
}

// LoadFile opens an mzML file and builds (or loads) its scan index.
// It is accepted in any state and supersedes the current session.
// Build progress arrives through Config.OnProgress.
func (c *Coordinator) LoadFile(path string) error {
	_, err := c.send(command{kind: cmdLoadFile, path: path})
	return err
}

// LoadSource starts a session on an already opened spectrum source.
func (c *Coordinator) LoadSource(src SpectrumSource) error {
	_, err := c.send(command{kind: cmdLoadSource, src: src})
	return err
}

// Select requests extraction and annotation of the spectrum named by
// rec and returns the token its Result will carry. A record with an
// empty Sequence displays the raw spectrum without annotation.
// Selecting while a previous request is still in flight is allowed;
// the previous response will be discarded.
func (c *Coordinator) Select(rec pin.Record) (uint64, error) {
	return c.send(command{kind: cmdSelect, rec: rec})
}

// State reports the current stage. It is safe from any goroutine.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// Close shuts the event loop down and releases the spectrum source.
// In-flight workers are left to finish on their own; their responses
// go nowhere.
func (c *Coordinator) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	<-c.stopped
	return nil
}

func (c *Coordinator) send(cmd command) (uint64, error) {
	cmd.reply = make(chan cmdReply, 1)
	select {
	case c.cmds <- cmd:
	case <-c.done:
		return 0, ErrClosed
	}
	select {
	case rep := <-cmd.reply:
		return rep.seq, rep.err
	case <-c.stopped:
		return 0, ErrClosed
	}
}

func (c *Coordinator) run() {
	defer func() {
		c.stopTimer()
		if c.src != nil {
			closeSource(c.src)
		}
		close(c.stopped)
	}()
	for {
		select {
		case <-c.done:
			return
		case cmd := <-c.cmds:
			c.handleCommand(cmd)
		case ev := <-c.buildDone:
			c.handleBuildDone(ev)
		case ev := <-c.extractDone:
			c.handleExtractDone(ev)
		case ev := <-c.matchDone:
			c.handleMatchDone(ev)
		case ev := <-c.progress:
			c.handleProgress(ev)
		case ev := <-c.timeouts:
			c.handleTimeout(ev)
		}
	}
}

func (c *Coordinator) handleCommand(cmd command) {
	switch cmd.kind {
	case cmdLoadFile:
		c.beginLoad()
		go c.buildWorker(c.buildID, cmd.path)
		cmd.reply <- cmdReply{}
	case cmdLoadSource:
		if cmd.src == nil {
			cmd.reply <- cmdReply{err: ErrNotReady}
			return
		}
		c.beginLoad()
		id, src := c.buildID, cmd.src
		go func() {
			ev := buildEvent{id: id, src: src}
			select {
			case c.buildDone <- ev:
			case <-c.done:
			}
		}()
		cmd.reply <- cmdReply{}
	case cmdSelect:
		if c.src == nil {
			cmd.reply <- cmdReply{err: ErrNotReady}
			return
		}
		c.startRequest(cmd.rec, false)
		cmd.reply <- cmdReply{seq: c.current}
	}
}

// beginLoad supersedes the whole session: the old source is closed and
// any in-flight request or build becomes stale.
func (c *Coordinator) beginLoad() {
	if c.src != nil {
		closeSource(c.src)
		c.src = nil
	}
	c.current = 0
	c.buildID = uuid.New()
	c.setState(StateIndexBuilding)
	c.armTimer(timeoutEvent{stage: StateIndexBuilding, build: c.buildID})
}

func (c *Coordinator) startRequest(rec pin.Record, verify bool) {
	c.seq++
	c.current = c.seq
	c.setState(StateExtracting)
	c.armTimer(timeoutEvent{stage: StateExtracting, seq: c.current})
	go c.extractWorker(c.current, c.src, rec, verify)
}

func (c *Coordinator) handleBuildDone(ev buildEvent) {
	if ev.id != c.buildID {
		// A later load superseded this one.
		if ev.src != nil {
			closeSource(ev.src)
		}
		return
	}
	c.stopTimer()
	c.buildID = uuid.UUID{}
	if ev.err != nil {
		c.fail(fmt.Errorf("load: %w", ev.err))
		return
	}
	c.src = ev.src
	c.setState(StateIndexReady)
	// Extract the first spectrum right away to verify the index is
	// usable. An empty index is fine, there is just nothing to show.
	if scans := ev.src.Scans(); len(scans) > 0 {
		c.startRequest(pin.Record{ScanNr: scans[0]}, true)
	}
}

func (c *Coordinator) handleExtractDone(ev extractEvent) {
	if ev.seq != c.current {
		return
	}
	c.stopTimer()
	if ev.err != nil {
		c.current = 0
		msg := "scan %d: %w"
		if ev.verify {
			msg = "verify scan %d: %w"
		}
		c.fail(&RequestError{Request: ev.seq, Err: fmt.Errorf(msg, ev.rec.ScanNr, ev.err)})
		return
	}
	if ev.rec.Sequence == "" {
		c.current = 0
		c.deliver(Result{
			Request: ev.seq,
			ScanNr:  ev.rec.ScanNr,
			SpecID:  ev.rec.SpecID,
			Peaks:   toIonPeaks(ev.peaks),
		})
		c.setState(StateIndexReady)
		return
	}
	c.setState(StateMatching)
	c.armTimer(timeoutEvent{stage: StateMatching, seq: ev.seq})
	go c.matchWorker(ev.seq, ev.rec, toIonPeaks(ev.peaks))
}

func (c *Coordinator) handleMatchDone(ev matchEvent) {
	if ev.seq != c.current {
		return
	}
	c.stopTimer()
	c.current = 0
	if ev.err != nil {
		c.fail(&RequestError{Request: ev.seq, Err: fmt.Errorf("annotate scan %d: %w", ev.rec.ScanNr, ev.err)})
		return
	}
	c.deliver(Result{
		Request:  ev.seq,
		ScanNr:   ev.rec.ScanNr,
		SpecID:   ev.rec.SpecID,
		Sequence: ev.rec.Sequence,
		Charge:   ev.rec.Charge,
		Peaks:    ev.peaks,
		Ions:     ev.theo,
		Matches:  ev.matches,
	})
	c.setState(StateIndexReady)
}

func (c *Coordinator) handleProgress(ev progressEvent) {
	if ev.id != c.buildID {
		return
	}
	if c.cfg.OnProgress != nil {
		c.cfg.OnProgress(ev.pct)
	}
}

func (c *Coordinator) handleTimeout(ev timeoutEvent) {
	if ev.stage != c.State() {
		return
	}
	switch ev.stage {
	case StateIndexBuilding:
		if ev.build != c.buildID {
			return
		}
		c.buildID = uuid.UUID{}
		c.fail(fmt.Errorf("index build: %w", ErrTimeout))
	case StateExtracting, StateMatching:
		if ev.seq != c.current {
			return
		}
		c.current = 0
		c.fail(&RequestError{Request: ev.seq, Err: fmt.Errorf("request %d: %w", ev.seq, ErrTimeout)})
	}
}

func (c *Coordinator) buildWorker(id uuid.UUID, path string) {
	rcfg := c.cfg.Reader
	prev := rcfg.Progress
	rcfg.Progress = func(pct float64) {
		if prev != nil {
			prev(pct)
		}
		select {
		case c.progress <- progressEvent{id: id, pct: pct}:
		case <-c.done:
		}
	}
	ev := buildEvent{id: id}
	ev.src, ev.err = openSource(path, rcfg)
	select {
	case c.buildDone <- ev:
	case <-c.done:
		if ev.src != nil {
			closeSource(ev.src)
		}
	}
}

func (c *Coordinator) extractWorker(seq uint64, src SpectrumSource, rec pin.Record, verify bool) {
	ev := extractEvent{seq: seq, rec: rec, verify: verify}
	ev.peaks, ev.err = src.ReadScan(rec.ScanNr)
	select {
	case c.extractDone <- ev:
	case <-c.done:
	}
}

func (c *Coordinator) matchWorker(seq uint64, rec pin.Record, peaks []ions.Peak) {
	ev := matchEvent{seq: seq, rec: rec, peaks: peaks}
	ev.theo, ev.err = c.cfg.Matcher.Calculate(rec.Sequence, rec.Charge)
	if ev.err == nil {
		ev.matches = c.cfg.Matcher.Match(peaks, ev.theo, c.cfg.Tolerance, c.cfg.Unit)
	}
	select {
	case c.matchDone <- ev:
	case <-c.done:
	}
}

func (c *Coordinator) setState(s State) {
	c.state.Store(int32(s))
	if c.cfg.OnState != nil {
		c.cfg.OnState(s)
	}
}

// fail surfaces err through the Error state and recovers right away:
// to IndexReady when a source is loaded, to Idle when not. The
// coordinator never sticks mid-request.
func (c *Coordinator) fail(err error) {
	c.setState(StateError)
	c.report(err)
	if c.src != nil {
		c.setState(StateIndexReady)
	} else {
		c.setState(StateIdle)
	}
}

func (c *Coordinator) report(err error) {
	if c.cfg.OnError != nil {
		c.cfg.OnError(err)
	}
}

func (c *Coordinator) deliver(res Result) {
	if c.cfg.OnResult != nil {
		c.cfg.OnResult(res)
	}
}

func (c *Coordinator) armTimer(ev timeoutEvent) {
	c.stopTimer()
	if c.cfg.StageTimeout < 0 {
		return
	}
	c.timer = time.AfterFunc(c.cfg.StageTimeout, func() {
		select {
		case c.timeouts <- ev:
		case <-c.done:
		}
	})
}

func (c *Coordinator) stopTimer() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}
