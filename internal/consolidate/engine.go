// Package consolidate folds finished segment files into a single growing
// consolidated file per source, without re-encoding. Each pass merges the
// existing consolidated file (if any) and all pending segments into a new
// temporary file, atomically replaces the canonical file, and only then
// deletes the merged segments. A failed pass leaves everything on disk
// untouched, so the next trigger retries with the same inputs.
package consolidate

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/aler9/writerseeker"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"

	"github.com/zsiec/aircap/internal/metrics"
)

// mp4Timescale mirrors the track timescale of the segment writer.
const mp4Timescale = 90000

// ErrInFlight is returned when a pass for the same source directory is
// already running; the caller should simply wait for the next trigger.
var ErrInFlight = errors.New("consolidation already in flight for source")

// consolidatedSuffix names the canonical per-source output file.
const consolidatedSuffix = "_CONSOLIDATED.mp4"

// Engine merges segment files. Passes for different sources may run
// concurrently; passes for the same source directory are never concurrent.
type Engine struct {
	log *slog.Logger
	m   *metrics.Metrics

	mu       sync.Mutex
	inflight map[string]bool
}

// New creates an Engine. If log is nil, slog.Default() is used.
func New(log *slog.Logger, m *metrics.Metrics) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		log:      log.With("component", "consolidate"),
		m:        m,
		inflight: make(map[string]bool),
	}
}

// ConsolidatedPath returns the canonical output filename for a source
// directory.
func ConsolidatedPath(dir, source string) string {
	return filepath.Join(dir, source+consolidatedSuffix)
}

// Consolidate runs one pass over a source directory. With no pending
// segments it is a no-op that touches nothing. Returns ErrInFlight if a
// pass for this directory is still running.
func (e *Engine) Consolidate(dir, source string) error {
	e.mu.Lock()
	if e.inflight[dir] {
		e.mu.Unlock()
		return ErrInFlight
	}
	e.inflight[dir] = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.inflight, dir)
		e.mu.Unlock()
	}()

	err := e.consolidate(dir, source)
	if err != nil {
		e.m.ConsolidationFailed(source)
		e.log.Error("consolidation pass failed", "source", source, "error", err)
		return err
	}
	return nil
}

func (e *Engine) consolidate(dir, source string) error {
	segments, err := listSegments(dir, source)
	if err != nil {
		return err
	}
	if len(segments) == 0 {
		return nil
	}

	consolidated := ConsolidatedPath(dir, source)
	members := make([]string, 0, len(segments)+1)
	if _, err := os.Stat(consolidated); err == nil {
		members = append(members, consolidated)
	}
	members = append(members, segments...)

	start := time.Now()
	tmp := filepath.Join(dir, "."+source+consolidatedSuffix+".tmp")

	if err := mergeMembers(members, tmp); err != nil {
		os.Remove(tmp)
		return err
	}

	// Rename atomically replaces the canonical file, so the previous
	// consolidated footage stays intact until the new file is in place.
	// Inputs are deleted only after publication.
	if err := os.Rename(tmp, consolidated); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("publish consolidated file: %w", err)
	}
	for _, seg := range segments {
		if err := os.Remove(seg); err != nil {
			e.log.Warn("failed to delete merged segment", "path", seg, "error", err)
		}
	}

	e.m.ConsolidationRun(source)
	e.log.Info("consolidated segments",
		"source", source,
		"segments", len(segments),
		"elapsed", time.Since(start),
	)
	return nil
}

// listSegments returns the finished segment files of a source directory in
// chronological order. The embedded timestamp makes lexical order the
// playback order. Open segments live in a hidden work subdirectory and are
// never listed.
func listSegments(dir, source string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list source directory: %w", err)
	}

	prefix := source + "_segment_"
	var out []string
	seen := make(map[string]bool)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || len(name) < len(prefix) || name[:len(prefix)] != prefix {
			continue
		}
		if filepath.Ext(name) != ".mp4" {
			continue
		}
		if seen[name] {
			return nil, fmt.Errorf("duplicate segment name %q", name)
		}
		seen[name] = true
		out = append(out, filepath.Join(dir, name))
	}
	sort.Strings(out)
	return out, nil
}

// movie is one member file read back for merging.
type movie struct {
	init     *fmp4.Init
	parts    fmp4.Parts
	duration uint64
}

// readMovie loads a member file's init section and parts, and computes its
// timeline length in track timescale units.
func readMovie(path string) (*movie, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var init fmp4.Init
	if err := init.Unmarshal(f); err != nil {
		return nil, fmt.Errorf("%s: parse init: %w", filepath.Base(path), err)
	}

	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var parts fmp4.Parts
	if err := parts.Unmarshal(buf); err != nil {
		return nil, fmt.Errorf("%s: parse parts: %w", filepath.Base(path), err)
	}

	var end uint64
	for _, part := range parts {
		for _, track := range part.Tracks {
			t := track.BaseTime
			for _, sample := range track.Samples {
				t += uint64(sample.Duration)
			}
			if t > end {
				end = t
			}
		}
	}

	return &movie{init: &init, parts: parts, duration: end}, nil
}

// compatible reports whether two member files carry concatenable tracks:
// same track count, IDs, and codec family. Parameter sets may differ between
// members; retained in-band sets keep each span decodable.
func compatible(a, b *fmp4.Init) bool {
	if len(a.Tracks) != len(b.Tracks) {
		return false
	}
	for i := range a.Tracks {
		if a.Tracks[i].ID != b.Tracks[i].ID {
			return false
		}
		if fmt.Sprintf("%T", a.Tracks[i].Codec) != fmt.Sprintf("%T", b.Tracks[i].Codec) {
			return false
		}
	}
	return true
}

// mergeMembers concatenates the members' media timelines into a new file at
// tmp. Each member's parts are appended at the running end-time of the
// timeline so far; per-sample timing within a member is preserved exactly.
func mergeMembers(members []string, tmp string) error {
	first, err := readMovie(members[0])
	if err != nil {
		return err
	}

	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	defer out.Close()

	var ws writerseeker.WriterSeeker
	if err := first.init.Marshal(&ws); err != nil {
		return fmt.Errorf("marshal init: %w", err)
	}
	if _, err := out.Write(ws.Bytes()); err != nil {
		return err
	}

	var offset uint64
	var seq uint32
	for i, path := range members {
		var mov *movie
		if i == 0 {
			mov = first
		} else {
			mov, err = readMovie(path)
			if err != nil {
				return err
			}
			if !compatible(first.init, mov.init) {
				return fmt.Errorf("%s: incompatible tracks, refusing to merge", filepath.Base(path))
			}
		}

		for _, part := range mov.parts {
			for _, track := range part.Tracks {
				track.BaseTime += offset
			}
			part.SequenceNumber = seq
			seq++

			var pws writerseeker.WriterSeeker
			if err := part.Marshal(&pws); err != nil {
				return fmt.Errorf("%s: marshal part: %w", filepath.Base(path), err)
			}
			if _, err := out.Write(pws.Bytes()); err != nil {
				return err
			}
		}
		offset += mov.duration
	}

	if err := out.Sync(); err != nil {
		return err
	}
	return out.Close()
}

// Duration reports the total timeline length of a consolidated or segment
// file. Used by callers that surface recording length.
func Duration(path string) (time.Duration, error) {
	mov, err := readMovie(path)
	if err != nil {
		return 0, err
	}
	return time.Duration(mov.duration) * time.Second / mp4Timescale, nil
}
