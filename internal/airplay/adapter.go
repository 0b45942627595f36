// Package airplay adapts the receiver library's synchronous callbacks to
// the recording pipeline. The receiver invokes one callback at a time per
// sender with buffers that are only valid for the duration of the call;
// the adapter classifies, deep-copies, and forwards, doing no blocking work
// of its own.
package airplay

import (
	"log/slog"
	"sync"
	"time"

	"github.com/zsiec/aircap/internal/demux"
	"github.com/zsiec/aircap/internal/media"
	"github.com/zsiec/aircap/internal/session"
)

// RecordSink receives classified access units and slot lifecycle events.
// The session orchestrator implements it.
type RecordSink interface {
	Ingest(slot int, au *media.AccessUnit)
	SetCodec(slot int, codec media.Codec)
	HandleConnect(slot int, id session.Identity) error
	HandleDisconnect(slot int, deviceID string)
}

// PreviewSink receives the same access units for live display. Delivery is
// fire-and-forget; a slow preview never holds up recording.
type PreviewSink interface {
	Frame(slot int, au *media.AccessUnit)
}

// Admitter decides whether a connection attempt may proceed. The default
// admits everything; pairing or PIN policy lives outside this package.
type Admitter interface {
	Admit(slot int, id session.Identity) bool
}

type admitAll struct{}

func (admitAll) Admit(int, session.Identity) bool { return true }

// Handler is the callback surface handed to the receiver. One Handler
// serves all slots; the receiver serializes callbacks per sender, so
// per-slot state needs no lock beyond the codec map shared across slots.
type Handler struct {
	log     *slog.Logger
	rec     RecordSink
	preview PreviewSink
	admit   Admitter

	mu    sync.Mutex
	codec map[int]media.Codec
}

// Option configures a Handler.
type Option func(*Handler)

// WithPreview attaches a live preview sink.
func WithPreview(p PreviewSink) Option {
	return func(h *Handler) { h.preview = p }
}

// WithAdmitter replaces the admit-all connection policy.
func WithAdmitter(a Admitter) Option {
	return func(h *Handler) { h.admit = a }
}

// NewHandler creates a Handler forwarding to rec.
func NewHandler(log *slog.Logger, rec RecordSink, opts ...Option) *Handler {
	if log == nil {
		log = slog.Default()
	}
	h := &Handler{
		log:   log.With("component", "airplay"),
		rec:   rec,
		admit: admitAll{},
		codec: make(map[int]media.Codec),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ConnectionAttempt gates an incoming connection before any media flows.
func (h *Handler) ConnectionAttempt(slot int, id session.Identity) bool {
	ok := h.admit.Admit(slot, id)
	if !ok {
		h.log.Info("connection refused", "slot", slot, "device", id.Name)
	}
	return ok
}

// Connect reports a sender having taken a slot.
func (h *Handler) Connect(slot int, id session.Identity) {
	if err := h.rec.HandleConnect(slot, id); err != nil {
		h.log.Error("connect handling failed", "slot", slot, "error", err)
	}
}

// Disconnect reports a sender leaving a slot.
func (h *Handler) Disconnect(slot int, deviceID string) {
	h.rec.HandleDisconnect(slot, deviceID)
}

// SetCodec records the codec the sender negotiated for a slot and informs
// the recording sink so an open segment of the other codec is closed.
func (h *Handler) SetCodec(slot int, codec media.Codec) {
	h.mu.Lock()
	h.codec[slot] = codec
	h.mu.Unlock()
	h.rec.SetCodec(slot, codec)
}

// VideoData handles one Annex-B buffer from the receiver. The buffer is
// only valid for this call; everything forwarded is an owned copy. Buffers
// that yield no complete NAL unit are dropped here.
func (h *Handler) VideoData(slot int, payload []byte, capture time.Time) {
	h.mu.Lock()
	codec, ok := h.codec[slot]
	h.mu.Unlock()
	if !ok {
		codec = media.CodecH264
	}

	var units []demux.NALUnit
	if codec == media.CodecH265 {
		units = demux.ParseAnnexBHEVC(payload)
	} else {
		units = demux.ParseAnnexB(payload)
	}
	if len(units) == 0 {
		h.log.Debug("discarding buffer with no NAL units", "slot", slot, "bytes", len(payload))
		return
	}

	au := media.NewAccessUnit(units, codec, capture)
	h.rec.Ingest(slot, au)
	if h.preview != nil {
		h.preview.Frame(slot, au)
	}
}
