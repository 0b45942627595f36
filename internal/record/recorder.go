// Package record implements the per-source passthrough recorder: a state
// machine that turns a serialized stream of access units into timestamped,
// frame-rate-governed fragmented-MP4 segment files, without re-encoding.
package record

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/aircap/internal/config"
	"github.com/zsiec/aircap/internal/demux"
	"github.com/zsiec/aircap/internal/media"
	"github.com/zsiec/aircap/internal/metrics"
	"github.com/zsiec/aircap/internal/paramset"
)

// State is the recorder lifecycle state.
type State int32

// Recorder states. A recorder moves Idle → Starting → Recording and back
// through Stopping, possibly bouncing between Starting and Recording on
// segment rolls and parameter-set changes.
const (
	StateIdle State = iota
	StateStarting
	StateRecording
	StateStopping
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRecording:
		return "recording"
	case StateStopping:
		return "stopping"
	default:
		return "idle"
	}
}

type ctrlKind int

const (
	ctrlRoll ctrlKind = iota
	ctrlCodec
)

type ctrlMsg struct {
	kind  ctrlKind
	codec media.Codec
}

// Recorder consumes access units for one source and writes them to segment
// files in the source's session directory. All stream processing happens on
// the recorder's own goroutine; Enqueue is the single crossing point, and
// everything sent through it must already be owned by the access unit.
type Recorder struct {
	log *slog.Logger
	cfg config.Config

	source string
	dir    string
	m      *metrics.Metrics

	queue    chan *media.AccessUnit
	ctrl     chan ctrlMsg
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	state    atomic.Int32

	// Goroutine-confined stream state.
	cache        *paramset.Cache
	gov          *Governor
	codec        media.Codec
	seg          *segmentWriter
	firstCapture time.Time
	haveFirst    bool
	lastPTS      int64
}

// New creates a Recorder for one source, allocating its output directory
// under the session directory. The recorder starts in Starting state once
// Start is called and opens a container as soon as a parameter-set pair and
// a keyframe have arrived.
func New(log *slog.Logger, cfg config.Config, source, dir string, m *metrics.Metrics) (*Recorder, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	return &Recorder{
		log:    log.With("component", "recorder", "source", source),
		cfg:    cfg,
		source: source,
		dir:    dir,
		m:      m,
		queue:  make(chan *media.AccessUnit, cfg.QueueSize),
		ctrl:   make(chan ctrlMsg, 4),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		cache:  paramset.New(),
		gov:    NewGovernor(cfg.FrameDivisor),
	}, nil
}

// Start launches the processing goroutine.
func (r *Recorder) Start() {
	r.state.Store(int32(StateStarting))
	go r.run()
}

// State returns the current lifecycle state.
func (r *Recorder) State() State {
	return State(r.state.Load())
}

// Dir returns the source's output directory.
func (r *Recorder) Dir() string {
	return r.dir
}

// Source returns the source name this recorder writes for.
func (r *Recorder) Source() string {
	return r.source
}

// Enqueue hands an access unit to the recorder. When the queue is full it
// retries with a short sleep a bounded number of times, then drops the unit
// and counts it; it never blocks the delivery callback indefinitely.
// Returns false if the unit was dropped.
func (r *Recorder) Enqueue(au *media.AccessUnit) bool {
	for attempt := 0; ; attempt++ {
		select {
		case r.queue <- au:
			return true
		case <-r.stop:
			return false
		default:
		}
		if attempt >= r.cfg.EnqueueRetries {
			break
		}
		time.Sleep(r.cfg.EnqueueRetryDelay)
	}
	r.m.FrameDropped(r.source, metrics.DropQueueFull)
	r.log.Warn("recorder queue full, dropping access unit")
	return false
}

// Roll asks the recorder to finalize the current segment and start a fresh
// one at the next keyframe, so the consolidation engine always has finished
// files to fold. No-op if nothing is being written.
func (r *Recorder) Roll() {
	select {
	case r.ctrl <- ctrlMsg{kind: ctrlRoll}:
	case <-r.stop:
	default:
		// A roll request is already pending; one roll is enough.
	}
}

// SetCodec informs the recorder of the active coding standard. A change
// invalidates the cached parameter sets and finalizes any open segment.
func (r *Recorder) SetCodec(codec media.Codec) {
	select {
	case r.ctrl <- ctrlMsg{kind: ctrlCodec, codec: codec}:
	case <-r.stop:
	}
}

// Stop requests shutdown: the open segment is finalized and published, the
// parameter-set cache cleared, and Done closed. Stop returns immediately;
// await Done for completion.
func (r *Recorder) Stop() {
	r.stopOnce.Do(func() {
		r.state.Store(int32(StateStopping))
		close(r.stop)
	})
}

// Done is closed once the recorder has fully flushed and returned to Idle.
func (r *Recorder) Done() <-chan struct{} {
	return r.done
}

func (r *Recorder) run() {
	defer close(r.done)

	for {
		select {
		case <-r.stop:
			r.drain()
			r.shutdown()
			return
		case msg := <-r.ctrl:
			r.handleCtrl(msg)
		case au := <-r.queue:
			r.handleAccessUnit(au)
		}
	}
}

// drain processes access units already queued when stop was requested, so
// nothing handed over before Stop is lost.
func (r *Recorder) drain() {
	for {
		select {
		case au := <-r.queue:
			r.handleAccessUnit(au)
		default:
			return
		}
	}
}

func (r *Recorder) handleCtrl(msg ctrlMsg) {
	switch msg.kind {
	case ctrlRoll:
		if r.seg != nil {
			r.closeSegment()
			r.state.Store(int32(StateStarting))
		}
	case ctrlCodec:
		if msg.codec == r.codec {
			return
		}
		r.log.Info("codec changed", "codec", msg.codec.String())
		r.codec = msg.codec
		if r.seg != nil {
			r.closeSegment()
		}
		r.cache.Reset()
		r.state.Store(int32(StateStarting))
	}
}

func (r *Recorder) handleAccessUnit(au *media.AccessUnit) {
	if au.Codec != r.codec {
		r.handleCtrl(ctrlMsg{kind: ctrlCodec, codec: au.Codec})
	}

	if len(au.NALUs) == 0 {
		r.m.FrameDropped(r.source, metrics.DropMalformed)
		return
	}

	r.updateParameterSets(au)

	// A parameter-set change invalidates the open container: its init
	// section carries the old sets, so finalize it and reopen at the next
	// keyframe.
	if r.seg != nil && r.cache.NeedsRebuild() {
		r.log.Info("parameter sets changed, rolling segment")
		r.closeSegment()
		r.state.Store(int32(StateStarting))
	}

	// A unit carrying only parameter sets is configuration, already cached
	// above; it is not a frame and is never written or counted as dropped.
	if au.ConfigOnly() {
		return
	}

	if r.seg == nil {
		if !r.openSegment(au) {
			return
		}
	}

	if !r.gov.Keep(au.IsKeyframe) {
		r.m.FrameDropped(r.source, metrics.DropGovernor)
		return
	}

	pts, dur := r.nextTimestamp(au.CaptureTime)
	payload := media.LengthPrefixed(au.NALUs)

	if err := r.seg.writeSample(dur, au.IsKeyframe, payload); err != nil {
		r.log.Error("segment write failed, finalizing segment", "error", err)
		r.closeSegment()
		r.state.Store(int32(StateStarting))
		return
	}
	r.lastPTS = pts
	r.m.FrameRecorded(r.source)
}

// updateParameterSets copies SPS/PPS/VPS NAL units out of the access unit
// into the cache.
func (r *Recorder) updateParameterSets(au *media.AccessUnit) {
	for _, nalu := range au.NALUs {
		if len(nalu) == 0 {
			continue
		}
		if r.codec == media.CodecH265 {
			switch demux.HEVCNALType(nalu[0]) {
			case demux.HEVCNALVPS:
				r.cache.SetVPS(nalu)
			case demux.HEVCNALSPS:
				r.cache.SetSPS(nalu)
			case demux.HEVCNALPPS:
				r.cache.SetPPS(nalu)
			}
		} else {
			switch nalu[0] & 0x1F {
			case demux.NALTypeSPS:
				r.cache.SetSPS(nalu)
			case demux.NALTypePPS:
				r.cache.SetPPS(nalu)
			}
		}
	}
}

// openSegment opens a container for the current interval. It requires a
// complete parameter-set pair and a keyframe; earlier access units are
// dropped, not buffered. Container creation failure is non-fatal: the
// recorder stays eligible and retries on the next keyframe. Returns true
// if the segment is open and the triggering unit should be written.
func (r *Recorder) openSegment(au *media.AccessUnit) bool {
	hevc := r.codec == media.CodecH265
	if !r.cache.Complete(hevc) || !au.IsKeyframe {
		r.m.FrameDropped(r.source, metrics.DropNotReady)
		return false
	}

	seg, err := newSegmentWriter(
		r.log, r.dir, r.source, au.CaptureTime,
		r.cfg.PartDuration, r.codec,
		r.cache.SPS(), r.cache.PPS(), r.cache.VPS(),
	)
	if err != nil {
		r.log.Error("container creation failed, will retry on next keyframe", "error", err)
		r.m.FrameDropped(r.source, metrics.DropNotReady)
		return false
	}

	r.seg = seg
	r.cache.MarkBuilt()
	r.gov.Reset()
	r.haveFirst = false
	r.lastPTS = 0
	r.state.Store(int32(StateRecording))
	r.log.Info("segment opened", "codec", r.codec.String(), "video", describeVideo(r.codec, r.cache.SPS()))
	return true
}

// describeVideo summarizes the active sequence parameter set as
// "<width>x<height> <codec string>" for the segment log line.
func describeVideo(codec media.Codec, sps []byte) string {
	if codec == media.CodecH265 {
		info, err := demux.ParseHEVCSPS(sps)
		if err != nil {
			return "unknown"
		}
		return fmt.Sprintf("%dx%d %s", info.Width, info.Height, info.CodecString())
	}
	info, err := demux.ParseSPS(sps)
	if err != nil {
		return "unknown"
	}
	return fmt.Sprintf("%dx%d %s", info.Width, info.Height, info.CodecString())
}

// nextTimestamp normalizes the capture clock: the first accepted access unit
// of a segment defines time zero, and each sample's duration is the delta
// from the previous accepted unit. The first sample falls back to the
// nominal duration of the target frame rate.
func (r *Recorder) nextTimestamp(capture time.Time) (pts int64, dur uint32) {
	if !r.haveFirst {
		r.firstCapture = capture
		r.haveFirst = true
		return 0, uint32(mp4Timescale / r.cfg.TargetFPS)
	}

	pts = durationToScale(capture.Sub(r.firstCapture), mp4Timescale)
	delta := pts - r.lastPTS
	if delta < 1 {
		// Non-monotonic capture clock; keep the timeline moving.
		delta = 1
	}
	return pts, uint32(delta)
}

func (r *Recorder) closeSegment() {
	if r.seg == nil {
		return
	}
	dur := r.seg.duration()
	path, err := r.seg.close()
	if err != nil {
		r.log.Error("segment finalize failed", "error", err)
	} else {
		r.log.Info("segment finalized", "path", path, "duration", dur)
		r.m.SegmentCreated(r.source)
	}
	r.seg = nil
	r.haveFirst = false
	r.lastPTS = 0
}

func (r *Recorder) shutdown() {
	r.closeSegment()
	r.cache.Reset()
	r.gov.Reset()
	r.state.Store(int32(StateIdle))
}
