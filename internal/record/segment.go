package record

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/aler9/writerseeker"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"

	"github.com/zsiec/aircap/internal/media"
)

// mp4Timescale is the video track timescale of every file this package
// writes. 90 kHz divides evenly into all common frame rates.
const mp4Timescale = 90000

// workDirName is the hidden subdirectory that holds segments still being
// written. Finished segments are renamed into the source directory, so the
// consolidation engine only ever sees finalized files.
const workDirName = ".work"

// segmentNameFormat is the timestamp embedded in segment filenames. Names
// built from it sort chronologically, which fixes the merge order.
const segmentNameFormat = "2006-01-02_15-04-05"

// durationToScale converts a duration to ticks of the given timescale.
func durationToScale(d time.Duration, scale uint32) int64 {
	return int64(d) * int64(scale) / int64(time.Second)
}

// segmentWriter appends one video track of length-prefixed access units to a
// fragmented-MP4 segment file: an init section (ftyp+moov) written at open,
// followed by moof/mdat parts flushed whenever partDuration of media has
// accumulated.
type segmentWriter struct {
	log     *slog.Logger
	dir     string
	name    string
	f       *os.File
	partDur int64

	track     *fmp4.PartTrack
	partStart int64
	timeline  int64
	nextSeq   uint32
}

// newSegmentWriter opens a segment file in the source directory's hidden
// work area and writes the init section from the given parameter sets.
func newSegmentWriter(
	log *slog.Logger,
	dir string,
	source string,
	now time.Time,
	partDuration time.Duration,
	codec media.Codec,
	sps, pps, vps []byte,
) (*segmentWriter, error) {
	var trackCodec mp4.Codec
	if codec == media.CodecH265 {
		trackCodec = &mp4.CodecH265{VPS: vps, SPS: sps, PPS: pps}
	} else {
		trackCodec = &mp4.CodecH264{SPS: sps, PPS: pps}
	}

	init := fmp4.Init{
		Tracks: []*fmp4.InitTrack{{
			ID:        1,
			TimeScale: mp4Timescale,
			Codec:     trackCodec,
		}},
	}

	var ws writerseeker.WriterSeeker
	if err := init.Marshal(&ws); err != nil {
		return nil, fmt.Errorf("marshal init: %w", err)
	}

	workDir := filepath.Join(dir, workDirName)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, err
	}

	name := fmt.Sprintf("%s_segment_%s.mp4", source, now.Format(segmentNameFormat))
	f, err := os.Create(filepath.Join(workDir, name))
	if err != nil {
		return nil, err
	}

	if _, err := f.Write(ws.Bytes()); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("write init: %w", err)
	}

	return &segmentWriter{
		log:     log,
		dir:     dir,
		name:    name,
		f:       f,
		partDur: durationToScale(partDuration, mp4Timescale),
	}, nil
}

// writeSample appends one access unit to the current part, flushing the part
// once it covers partDuration of media time.
func (w *segmentWriter) writeSample(duration uint32, isKeyframe bool, payload []byte) error {
	if w.track == nil {
		w.track = &fmp4.PartTrack{
			ID:       1,
			BaseTime: uint64(w.timeline),
		}
		w.partStart = w.timeline
	}

	w.track.Samples = append(w.track.Samples, &fmp4.Sample{
		Duration:        duration,
		IsNonSyncSample: !isKeyframe,
		Payload:         payload,
	})
	w.timeline += int64(duration)

	if w.timeline-w.partStart >= w.partDur {
		return w.flushPart()
	}
	return nil
}

func (w *segmentWriter) flushPart() error {
	if w.track == nil {
		return nil
	}

	part := fmp4.Part{
		SequenceNumber: w.nextSeq,
		Tracks:         []*fmp4.PartTrack{w.track},
	}

	var ws writerseeker.WriterSeeker
	if err := part.Marshal(&ws); err != nil {
		return fmt.Errorf("marshal part: %w", err)
	}
	if _, err := w.f.Write(ws.Bytes()); err != nil {
		return fmt.Errorf("write part: %w", err)
	}

	w.nextSeq++
	w.track = nil
	return nil
}

// duration returns the media time written so far.
func (w *segmentWriter) duration() time.Duration {
	return time.Duration(w.timeline) * time.Second / mp4Timescale
}

// close flushes the pending part, syncs the file, and renames it from the
// work area into the source directory where the consolidation engine can
// pick it up. If a finished segment from the same second already exists,
// the name is probed forward one second at a time so names stay unique and
// chronologically ordered.
func (w *segmentWriter) close() (string, error) {
	flushErr := w.flushPart()
	if err := w.f.Sync(); err != nil && flushErr == nil {
		flushErr = err
	}
	if err := w.f.Close(); err != nil && flushErr == nil {
		flushErr = err
	}
	if flushErr != nil {
		return "", flushErr
	}

	src := filepath.Join(w.dir, workDirName, w.name)
	dst, err := probeSegmentName(w.dir, w.name)
	if err != nil {
		return "", err
	}

	if err := os.Rename(src, dst); err != nil {
		return "", err
	}
	return dst, nil
}

// probeSegmentName returns an unused destination path for a finished
// segment, advancing the embedded timestamp one second at a time past
// existing files. Any stat failure other than absence is fatal.
func probeSegmentName(dir, name string) (string, error) {
	for {
		dst := filepath.Join(dir, name)
		_, err := os.Stat(dst)
		if os.IsNotExist(err) {
			return dst, nil
		}
		if err != nil {
			return "", fmt.Errorf("probe segment name: %w", err)
		}
		name, err = bumpSegmentTimestamp(name)
		if err != nil {
			return "", err
		}
	}
}

// discard closes and removes the in-progress file without publishing it.
func (w *segmentWriter) discard() {
	w.f.Close()
	os.Remove(filepath.Join(w.dir, workDirName, w.name))
}

// bumpSegmentTimestamp advances the embedded timestamp of a segment filename
// by one second.
func bumpSegmentTimestamp(name string) (string, error) {
	idx := len(name) - len(segmentNameFormat) - len(".mp4")
	if idx <= 0 || name[len(name)-len(".mp4"):] != ".mp4" {
		return "", fmt.Errorf("unexpected segment name %q", name)
	}
	stamp := name[idx : len(name)-len(".mp4")]
	t, err := time.Parse(segmentNameFormat, stamp)
	if err != nil {
		return "", fmt.Errorf("unexpected segment name %q: %w", name, err)
	}
	return name[:idx] + t.Add(time.Second).Format(segmentNameFormat) + ".mp4", nil
}
