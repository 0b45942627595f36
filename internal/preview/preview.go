// Package preview forwards live frames to an externally supplied decoder
// for on-screen display. Delivery is fire-and-forget: decode failures are
// logged and never propagate back into the recording path.
package preview

import (
	"log/slog"
	"sync"

	"github.com/zsiec/aircap/internal/demux"
	"github.com/zsiec/aircap/internal/media"
	"github.com/zsiec/aircap/internal/paramset"
)

// Decoder turns access units into displayed frames. Hardware decode lives
// outside this module; implementations wrap whatever the platform offers.
type Decoder interface {
	// Configure is called whenever the stream's parameter sets change.
	// vps is nil for H.264.
	Configure(codec media.Codec, sps, pps, vps []byte) error
	Decode(au *media.AccessUnit) error
	Close() error
}

// NopDecoder discards everything. Useful headless and in tests.
type NopDecoder struct{}

func (NopDecoder) Configure(media.Codec, []byte, []byte, []byte) error { return nil }
func (NopDecoder) Decode(*media.AccessUnit) error                     { return nil }
func (NopDecoder) Close() error                                       { return nil }

// Forwarder tracks parameter sets per slot and reconfigures the decoder
// when they change, then hands each access unit over. It implements the
// adapter's preview sink.
type Forwarder struct {
	log *slog.Logger
	dec Decoder

	mu    sync.Mutex
	slots map[int]*slotState
}

type slotState struct {
	cache      *paramset.Cache
	codec      media.Codec
	configured bool
}

// NewForwarder creates a Forwarder feeding dec.
func NewForwarder(log *slog.Logger, dec Decoder) *Forwarder {
	if log == nil {
		log = slog.Default()
	}
	if dec == nil {
		dec = NopDecoder{}
	}
	return &Forwarder{
		log:   log.With("component", "preview"),
		dec:   dec,
		slots: make(map[int]*slotState),
	}
}

// Frame receives one access unit for display.
func (f *Forwarder) Frame(slot int, au *media.AccessUnit) {
	f.mu.Lock()
	st, ok := f.slots[slot]
	if !ok || st.codec != au.Codec {
		st = &slotState{cache: paramset.New(), codec: au.Codec}
		f.slots[slot] = st
	}
	f.mu.Unlock()

	changed := false
	for _, nalu := range au.NALUs {
		if len(nalu) == 0 {
			continue
		}
		if au.Codec == media.CodecH265 {
			switch t := demux.HEVCNALType(nalu[0]); {
			case demux.IsHEVCVPS(t):
				changed = st.cache.SetVPS(nalu) || changed
			case demux.IsHEVCSPS(t):
				changed = st.cache.SetSPS(nalu) || changed
			case demux.IsHEVCPPS(t):
				changed = st.cache.SetPPS(nalu) || changed
			}
		} else {
			switch t := nalu[0] & 0x1F; {
			case demux.IsSPS(t):
				changed = st.cache.SetSPS(nalu) || changed
			case demux.IsPPS(t):
				changed = st.cache.SetPPS(nalu) || changed
			}
		}
	}

	if (changed || !st.configured) && st.cache.Complete(au.Codec == media.CodecH265) {
		if err := f.dec.Configure(au.Codec, st.cache.SPS(), st.cache.PPS(), st.cache.VPS()); err != nil {
			f.log.Warn("decoder configure failed", "slot", slot, "error", err)
			return
		}
		st.configured = true
	}
	if !st.configured {
		return
	}

	if err := f.dec.Decode(au); err != nil {
		f.log.Debug("decode failed", "slot", slot, "error", err)
	}
}

// Close shuts the decoder down.
func (f *Forwarder) Close() error {
	return f.dec.Close()
}
