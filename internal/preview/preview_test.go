package preview

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/zsiec/aircap/internal/media"
)

type fakeDecoder struct {
	configures int
	decodes    int
	lastSPS    []byte
	configErr  error
	closed     bool
}

func (d *fakeDecoder) Configure(_ media.Codec, sps, _, _ []byte) error {
	if d.configErr != nil {
		return d.configErr
	}
	d.configures++
	d.lastSPS = sps
	return nil
}

func (d *fakeDecoder) Decode(*media.AccessUnit) error {
	d.decodes++
	return nil
}

func (d *fakeDecoder) Close() error {
	d.closed = true
	return nil
}

func testForwarder(dec Decoder) *Forwarder {
	return NewForwarder(slog.New(slog.NewTextHandler(io.Discard, nil)), dec)
}

func keyframeAU() *media.AccessUnit {
	return &media.AccessUnit{
		CaptureTime: time.Now(),
		Codec:       media.CodecH264,
		IsKeyframe:  true,
		NALUs: [][]byte{
			{0x67, 0x64, 0x00, 0x1F},
			{0x68, 0xCE, 0x3C, 0x80},
			{0x65, 0x88, 0x84},
		},
	}
}

func deltaAU() *media.AccessUnit {
	return &media.AccessUnit{
		CaptureTime: time.Now(),
		Codec:       media.CodecH264,
		NALUs:       [][]byte{{0x41, 0x9A}},
	}
}

func TestForwarderConfiguresOnce(t *testing.T) {
	t.Parallel()
	dec := &fakeDecoder{}
	f := testForwarder(dec)

	f.Frame(0, keyframeAU())
	f.Frame(0, deltaAU())
	f.Frame(0, deltaAU())

	if dec.configures != 1 {
		t.Errorf("configures: got %d, want 1", dec.configures)
	}
	if dec.decodes != 3 {
		t.Errorf("decodes: got %d, want 3", dec.decodes)
	}
}

func TestForwarderWaitsForParameterSets(t *testing.T) {
	t.Parallel()
	dec := &fakeDecoder{}
	f := testForwarder(dec)

	// Nothing can be decoded before the decoder is configured.
	f.Frame(0, deltaAU())
	if dec.decodes != 0 {
		t.Errorf("decoded %d frames before configuration", dec.decodes)
	}

	f.Frame(0, keyframeAU())
	if dec.decodes != 1 {
		t.Errorf("decodes after keyframe: got %d, want 1", dec.decodes)
	}
}

func TestForwarderReconfiguresOnParameterChange(t *testing.T) {
	t.Parallel()
	dec := &fakeDecoder{}
	f := testForwarder(dec)

	f.Frame(0, keyframeAU())

	changed := keyframeAU()
	changed.NALUs[0] = []byte{0x67, 0x64, 0x00, 0x2A}
	f.Frame(0, changed)

	if dec.configures != 2 {
		t.Errorf("configures: got %d, want 2", dec.configures)
	}
	if dec.lastSPS[3] != 0x2A {
		t.Error("decoder not reconfigured with the new SPS")
	}
}

func TestForwarderIsolatesSlots(t *testing.T) {
	t.Parallel()
	dec := &fakeDecoder{}
	f := testForwarder(dec)

	f.Frame(0, keyframeAU())
	f.Frame(1, deltaAU())

	// Slot 1 has no parameter sets yet; only slot 0 decodes.
	if dec.decodes != 1 {
		t.Errorf("decodes: got %d, want 1", dec.decodes)
	}
}

func TestForwarderConfigureFailureSuppressesDecode(t *testing.T) {
	t.Parallel()
	dec := &fakeDecoder{configErr: errors.New("no hardware")}
	f := testForwarder(dec)

	f.Frame(0, keyframeAU())
	if dec.decodes != 0 {
		t.Errorf("decoded %d frames despite configure failure", dec.decodes)
	}
}

func TestForwarderClose(t *testing.T) {
	t.Parallel()
	dec := &fakeDecoder{}
	f := testForwarder(dec)
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	if !dec.closed {
		t.Error("decoder not closed")
	}
}
