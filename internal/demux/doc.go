// Package demux splits Annex-B H.264/H.265 elementary-stream buffers into
// individual NAL units and extracts codec parameters from SPS NAL units.
//
// Parsed NAL units are views into the caller's buffer: they stay valid only
// as long as the buffer does. Callers that hand units across a goroutine
// boundary must copy them first (see the media package helpers).
package demux
