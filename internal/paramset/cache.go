// Package paramset stores the most recent codec parameter sets (SPS/PPS and,
// for H.265, VPS) for one source and decides when a decode or container
// context has to be (re)built.
//
// A Cache is confined to its source's serialized processing goroutine and
// needs no locking.
package paramset

import "bytes"

// Cache holds the latest parameter sets for one source together with the
// sets last used to build a context.
type Cache struct {
	sps []byte
	pps []byte
	vps []byte

	builtSPS []byte
	builtPPS []byte
	builtVPS []byte
	built    bool
}

// New returns an empty Cache.
func New() *Cache {
	return &Cache{}
}

// SetSPS stores a copy of the SPS payload. Returns true if it differs from
// the previously stored one.
func (c *Cache) SetSPS(data []byte) bool {
	return setIfChanged(&c.sps, data)
}

// SetPPS stores a copy of the PPS payload. Returns true if it differs from
// the previously stored one.
func (c *Cache) SetPPS(data []byte) bool {
	return setIfChanged(&c.pps, data)
}

// SetVPS stores a copy of the VPS payload (H.265 only). Returns true if it
// differs from the previously stored one.
func (c *Cache) SetVPS(data []byte) bool {
	return setIfChanged(&c.vps, data)
}

func setIfChanged(dst *[]byte, data []byte) bool {
	if bytes.Equal(*dst, data) {
		return false
	}
	*dst = make([]byte, len(data))
	copy(*dst, data)
	return true
}

// SPS returns the stored SPS, or nil.
func (c *Cache) SPS() []byte { return c.sps }

// PPS returns the stored PPS, or nil.
func (c *Cache) PPS() []byte { return c.pps }

// VPS returns the stored VPS, or nil.
func (c *Cache) VPS() []byte { return c.vps }

// Complete reports whether a decodable pair is present: SPS and PPS, plus
// VPS when hevc is set.
func (c *Cache) Complete(hevc bool) bool {
	if c.sps == nil || c.pps == nil {
		return false
	}
	if hevc && c.vps == nil {
		return false
	}
	return true
}

// NeedsRebuild is true exactly when no context has ever been built, or when
// any stored parameter set differs byte-for-byte from the one the current
// context was built with.
func (c *Cache) NeedsRebuild() bool {
	if !c.built {
		return true
	}
	return !bytes.Equal(c.sps, c.builtSPS) ||
		!bytes.Equal(c.pps, c.builtPPS) ||
		!bytes.Equal(c.vps, c.builtVPS)
}

// MarkBuilt records the current parameter sets as those backing the live
// context, suppressing rebuilds until one of them changes.
func (c *Cache) MarkBuilt() {
	c.builtSPS = c.sps
	c.builtPPS = c.pps
	c.builtVPS = c.vps
	c.built = true
}

// Invalidate discards the built-context association (codec type change or
// explicit teardown). Stored parameter sets are kept.
func (c *Cache) Invalidate() {
	c.builtSPS = nil
	c.builtPPS = nil
	c.builtVPS = nil
	c.built = false
}

// Reset clears everything, stored sets included. Used when a source's
// recording interval ends.
func (c *Cache) Reset() {
	c.sps = nil
	c.pps = nil
	c.vps = nil
	c.Invalidate()
}
