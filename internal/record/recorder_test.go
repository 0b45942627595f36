package record

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/aircap/internal/config"
	"github.com/zsiec/aircap/internal/media"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.FrameDivisor = 1
	cfg.EnqueueRetries = 1
	cfg.EnqueueRetryDelay = time.Millisecond
	return cfg
}

func keyframeAU(capture time.Time) *media.AccessUnit {
	return &media.AccessUnit{
		CaptureTime: capture,
		Codec:       media.CodecH264,
		IsKeyframe:  true,
		NALUs: [][]byte{
			append([]byte(nil), testSPS...),
			append([]byte(nil), testPPS...),
			{0x65, 0x88, 0x84, 0x00, 0x01},
		},
	}
}

func deltaAU(capture time.Time) *media.AccessUnit {
	return &media.AccessUnit{
		CaptureTime: capture,
		Codec:       media.CodecH264,
		NALUs:       [][]byte{{0x41, 0x9A, 0x02}},
	}
}

func waitState(t *testing.T, r *Recorder, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("recorder never reached state %s (at %s)", want, r.State())
}

func segmentFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var out []string
	for _, e := range entries {
		if !e.IsDir() && strings.Contains(e.Name(), "_segment_") {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	return out
}

func readSampleCount(t *testing.T, path string) int {
	t.Helper()
	buf, err := os.ReadFile(path)
	require.NoError(t, err)
	var parts fmp4.Parts
	require.NoError(t, parts.Unmarshal(buf))
	n := 0
	for _, part := range parts {
		for _, track := range part.Tracks {
			n += len(track.Samples)
		}
	}
	return n
}

func TestRecorderWritesSegment(t *testing.T) {
	dir := t.TempDir()
	r, err := New(testLogger(), testConfig(), "AirCap1", dir, nil)
	require.NoError(t, err)
	r.Start()

	base := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	require.True(t, r.Enqueue(keyframeAU(base)))
	require.True(t, r.Enqueue(deltaAU(base.Add(100*time.Millisecond))))
	require.True(t, r.Enqueue(deltaAU(base.Add(200*time.Millisecond))))
	waitState(t, r, StateRecording)

	r.Stop()
	<-r.Done()
	require.Equal(t, StateIdle, r.State())

	files := segmentFiles(t, dir)
	require.Len(t, files, 1)
	require.Equal(t, 3, readSampleCount(t, files[0]))

	// Sample durations: the first carries the nominal frame duration, the
	// rest the capture-clock delta (100 ms at 90 kHz).
	buf, err := os.ReadFile(files[0])
	require.NoError(t, err)
	var parts fmp4.Parts
	require.NoError(t, parts.Unmarshal(buf))
	var durations []uint32
	for _, part := range parts {
		for _, track := range part.Tracks {
			for _, s := range track.Samples {
				durations = append(durations, s.Duration)
			}
		}
	}
	require.Equal(t, []uint32{6000, 9000, 9000}, durations)
}

func TestRecorderDropsUntilKeyframe(t *testing.T) {
	dir := t.TempDir()
	r, err := New(testLogger(), testConfig(), "AirCap1", dir, nil)
	require.NoError(t, err)
	r.Start()

	base := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	// Parameter sets only arrive with the keyframe; everything before is
	// dropped without opening a container.
	r.Enqueue(deltaAU(base))
	r.Enqueue(deltaAU(base.Add(100 * time.Millisecond)))
	r.Enqueue(keyframeAU(base.Add(200 * time.Millisecond)))
	waitState(t, r, StateRecording)

	r.Stop()
	<-r.Done()

	files := segmentFiles(t, dir)
	require.Len(t, files, 1)
	require.Equal(t, 1, readSampleCount(t, files[0]))
}

func TestRecorderGovernor(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	cfg.FrameDivisor = 2
	r, err := New(testLogger(), cfg, "AirCap1", dir, nil)
	require.NoError(t, err)
	r.Start()

	base := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	r.Enqueue(keyframeAU(base))
	for i := 1; i <= 4; i++ {
		r.Enqueue(deltaAU(base.Add(time.Duration(i) * 100 * time.Millisecond)))
	}
	waitState(t, r, StateRecording)

	r.Stop()
	<-r.Done()

	files := segmentFiles(t, dir)
	require.Len(t, files, 1)
	// Keyframe plus every second non-keyframe: 1 + 2 of 4.
	require.Equal(t, 3, readSampleCount(t, files[0]))
}

func TestRecorderRoll(t *testing.T) {
	dir := t.TempDir()
	r, err := New(testLogger(), testConfig(), "AirCap1", dir, nil)
	require.NoError(t, err)
	r.Start()

	base := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	r.Enqueue(keyframeAU(base))
	waitState(t, r, StateRecording)

	r.Roll()
	waitState(t, r, StateStarting)

	r.Enqueue(keyframeAU(base.Add(2 * time.Second)))
	waitState(t, r, StateRecording)

	r.Stop()
	<-r.Done()

	require.Len(t, segmentFiles(t, dir), 2)
}

func TestRecorderParameterSetChangeRollsSegment(t *testing.T) {
	dir := t.TempDir()
	r, err := New(testLogger(), testConfig(), "AirCap1", dir, nil)
	require.NoError(t, err)
	r.Start()

	base := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	r.Enqueue(keyframeAU(base))
	waitState(t, r, StateRecording)

	// A different SPS invalidates the open container's init section.
	changed := keyframeAU(base.Add(2 * time.Second))
	changed.NALUs[0] = []byte{
		0x67, 0x4d, 0x40, 0x1f, 0xb9, 0x08, 0x08, 0x0c,
		0xd8, 0x0b, 0x50, 0x10, 0x10, 0x14, 0x00, 0x00,
		0x0f, 0xa4, 0x00, 0x02, 0xee, 0x03, 0x81, 0x80,
		0x04, 0x93, 0xc0, 0x02, 0x49, 0xe8, 0xa0, 0xc0,
		0x3a, 0x8e, 0x18, 0xc9,
	}
	r.Enqueue(changed)

	r.Stop()
	<-r.Done()

	require.Len(t, segmentFiles(t, dir), 2)
}

func TestRecorderEnqueueBounded(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	cfg.QueueSize = 1
	r, err := New(testLogger(), cfg, "AirCap1", dir, nil)
	require.NoError(t, err)
	// Not started: the queue fills and the bounded retry gives up.

	base := time.Now()
	require.True(t, r.Enqueue(deltaAU(base)))
	require.False(t, r.Enqueue(deltaAU(base)))
}

func TestRecorderConfigOnlyUnitNotRecorded(t *testing.T) {
	dir := t.TempDir()
	r, err := New(testLogger(), testConfig(), "AirCap1", dir, nil)
	require.NoError(t, err)
	r.Start()

	base := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	// Parameter sets delivered alone ahead of the first picture: cached,
	// but never written as a sample.
	require.True(t, r.Enqueue(&media.AccessUnit{
		CaptureTime: base,
		Codec:       media.CodecH264,
		NALUs: [][]byte{
			append([]byte(nil), testSPS...),
			append([]byte(nil), testPPS...),
		},
	}))
	require.True(t, r.Enqueue(&media.AccessUnit{
		CaptureTime: base.Add(50 * time.Millisecond),
		Codec:       media.CodecH264,
		IsKeyframe:  true,
		NALUs:       [][]byte{{0x65, 0x88, 0x84, 0x00, 0x01}},
	}))
	waitState(t, r, StateRecording)

	r.Stop()
	<-r.Done()

	files := segmentFiles(t, dir)
	require.Len(t, files, 1)
	require.Equal(t, 1, readSampleCount(t, files[0]))
}

func TestDescribeVideo(t *testing.T) {
	require.Equal(t, "1280x720 avc1.64001F", describeVideo(media.CodecH264, testSPS))
	require.Equal(t, "unknown", describeVideo(media.CodecH264, []byte{0x67}))
	require.Equal(t, "unknown", describeVideo(media.CodecH265, []byte{0x42}))
}

func TestRecorderStopWithoutStart(t *testing.T) {
	dir := t.TempDir()
	r, err := New(testLogger(), testConfig(), "AirCap1", dir, nil)
	require.NoError(t, err)
	r.Start()
	r.Stop()
	r.Stop()
	<-r.Done()
	require.Empty(t, segmentFiles(t, dir))
}
