// Package session owns the active recording session: its name, its
// directory tree under the recordings root, one recorder per capture slot,
// and the rolling timer that rotates segments and folds them into each
// source's consolidated file.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/aircap/internal/config"
	"github.com/zsiec/aircap/internal/consolidate"
	"github.com/zsiec/aircap/internal/media"
	"github.com/zsiec/aircap/internal/metrics"
	"github.com/zsiec/aircap/internal/record"
)

// ErrDraining is returned by Start while a previous session is still
// flushing its recorders to disk.
var ErrDraining = errors.New("previous session still draining")

// Orchestrator coordinates slots, recorders, and consolidation for one
// session at a time. A session starts on demand or on the first sender
// connect, and ends when explicitly stopped.
type Orchestrator struct {
	log   *slog.Logger
	cfg   config.Config
	m     *metrics.Metrics
	cons  *consolidate.Engine
	slots []*SourceSlot

	mu        sync.Mutex
	active    bool
	draining  bool
	name      string
	dir       string
	recorders []*record.Recorder
	stopTick  chan struct{}
	tickDone  chan struct{}
}

// New creates an Orchestrator with cfg.Slots fixed capture slots.
func New(log *slog.Logger, cfg config.Config, m *metrics.Metrics, cons *consolidate.Engine) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	slots := make([]*SourceSlot, cfg.Slots)
	for i := range slots {
		slots[i] = NewSourceSlot(i, cfg.SourcePrefix)
	}
	return &Orchestrator{
		log:   log.With("component", "session"),
		cfg:   cfg,
		m:     m,
		cons:  cons,
		slots: slots,
	}
}

// Slots returns the fixed capture slots.
func (o *Orchestrator) Slots() []*SourceSlot { return o.slots }

// Active reports whether a session is currently recording.
func (o *Orchestrator) Active() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active
}

// Name returns the current session name, or "" when idle.
func (o *Orchestrator) Name() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.name
}

// Start begins a session. An empty name picks the configured default, or a
// generated "session-N" name unique within today's date directory. Starting
// while already active is a no-op; starting while a previous session is
// draining fails.
func (o *Orchestrator) Start(name string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.active {
		return nil
	}
	if o.draining {
		return ErrDraining
	}

	dateDir := filepath.Join(o.cfg.RecordingsRoot, time.Now().Format("2006-01-02"))
	if name == "" {
		name = o.cfg.DefaultSessionName
	}
	if name == "" {
		var err error
		name, err = nextSessionName(dateDir)
		if err != nil {
			return err
		}
	}
	dir := filepath.Join(dateDir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create session directory: %w", err)
	}

	// Recorders come into being when a source takes a slot, so a session
	// never litters the tree with directories for sources that never
	// connected.
	o.active = true
	o.name = name
	o.dir = dir
	o.recorders = make([]*record.Recorder, len(o.slots))
	o.stopTick = make(chan struct{})
	o.tickDone = make(chan struct{})
	go o.tickLoop(o.stopTick, o.tickDone)

	o.m.SetRecordingActive(true)
	o.log.Info("session started", "name", name, "dir", dir)
	return nil
}

// Stop ends the session. Incoming frames are refused immediately; the
// method returns after every recorder has flushed and each source has had a
// final consolidation pass.
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	if !o.active {
		o.mu.Unlock()
		return nil
	}
	o.active = false
	o.draining = true
	name := o.name
	recorders := o.recorders
	stopTick := o.stopTick
	tickDone := o.tickDone
	o.mu.Unlock()

	close(stopTick)
	<-tickDone

	var g errgroup.Group
	for _, rec := range recorders {
		if rec == nil {
			continue
		}
		rec := rec
		g.Go(func() error {
			rec.Stop()
			<-rec.Done()
			if err := o.cons.Consolidate(rec.Dir(), rec.Source()); err != nil && !errors.Is(err, consolidate.ErrInFlight) {
				return err
			}
			return nil
		})
	}
	err := g.Wait()

	o.mu.Lock()
	o.draining = false
	o.name = ""
	o.dir = ""
	o.recorders = nil
	o.mu.Unlock()

	o.m.SetRecordingActive(false)
	o.log.Info("session stopped", "name", name)
	return err
}

// tickLoop rotates segments and triggers consolidation on the configured
// interval. Consolidation runs off the tick goroutine so a slow merge never
// delays the next rotation.
func (o *Orchestrator) tickLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(o.cfg.ConsolidateEvery)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			recorders := o.snapshotRecorders()
			for _, rec := range recorders {
				rec.Roll()
			}
			for _, rec := range recorders {
				rec := rec
				go func() {
					if err := o.cons.Consolidate(rec.Dir(), rec.Source()); err != nil && !errors.Is(err, consolidate.ErrInFlight) {
						o.log.Error("periodic consolidation failed", "source", rec.Source(), "error", err)
					}
				}()
			}
		}
	}
}

// Ingest forwards an access unit to the slot's recorder. Frames arriving
// while no session is active are dropped.
func (o *Orchestrator) Ingest(slot int, au *media.AccessUnit) {
	rec := o.recorder(slot)
	if rec == nil {
		return
	}
	rec.Enqueue(au)
}

// SetCodec tells the slot's recorder which codec the sender negotiated.
func (o *Orchestrator) SetCodec(slot int, codec media.Codec) {
	if rec := o.recorder(slot); rec != nil {
		rec.SetCodec(codec)
	}
}

func (o *Orchestrator) recorder(slot int) *record.Recorder {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.active || slot < 0 || slot >= len(o.recorders) {
		return nil
	}
	return o.recorders[slot]
}

// ensureRecorder returns the slot's recorder, creating and starting one on
// first use. The source directory is created here, not at session start.
func (o *Orchestrator) ensureRecorder(slot int) (*record.Recorder, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.active {
		return nil, nil
	}
	if rec := o.recorders[slot]; rec != nil {
		return rec, nil
	}
	source := o.slots[slot].SourceName
	rec, err := record.New(o.log, o.cfg, source, filepath.Join(o.dir, source), o.m)
	if err != nil {
		return nil, fmt.Errorf("slot %d: %w", slot, err)
	}
	rec.Start()
	o.recorders[slot] = rec
	return rec, nil
}

// takeRecorder detaches the slot's recorder so a reconnect gets a fresh one
// while the old recorder finishes flushing.
func (o *Orchestrator) takeRecorder(slot int) *record.Recorder {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.active || slot >= len(o.recorders) {
		return nil
	}
	rec := o.recorders[slot]
	o.recorders[slot] = nil
	return rec
}

func (o *Orchestrator) snapshotRecorders() []*record.Recorder {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*record.Recorder, 0, len(o.recorders))
	for _, rec := range o.recorders {
		if rec != nil {
			out = append(out, rec)
		}
	}
	return out
}

// HandleConnect records a sender taking a slot, starting a session with the
// default name if none is active. A takeover rolls the slot's segment so
// the previous device's footage is cleanly bounded.
func (o *Orchestrator) HandleConnect(slot int, id Identity) error {
	if slot < 0 || slot >= len(o.slots) {
		return fmt.Errorf("no such slot %d", slot)
	}
	if !o.Active() {
		if err := o.Start(""); err != nil {
			return err
		}
	}

	tr, prev := o.slots[slot].Connect(id)
	rec, err := o.ensureRecorder(slot)
	if err != nil {
		return err
	}

	switch tr {
	case Connected:
		o.m.SourceConnected(1)
		o.log.Info("source connected", "slot", slot, "device", id.Name)
	case Replaced:
		o.m.SourceReplaced()
		o.log.Info("source replaced", "slot", slot, "device", id.Name, "previous", prev.Name)
		if rec != nil {
			rec.Roll()
		}
	case Unchanged:
		o.log.Debug("source reconnected", "slot", slot, "device", id.Name)
	}
	return nil
}

// HandleDisconnect frees a slot and finalizes that source's footage: the
// recorder is stopped, its open segment flushed, and only then does a
// consolidation pass fold the footage in. Other slots are unaffected.
func (o *Orchestrator) HandleDisconnect(slot int, deviceID string) {
	if slot < 0 || slot >= len(o.slots) {
		return
	}
	if !o.slots[slot].Disconnect(deviceID) {
		return
	}
	o.m.SourceConnected(-1)
	o.log.Info("source disconnected", "slot", slot)

	rec := o.takeRecorder(slot)
	if rec == nil {
		return
	}
	// Finalize off the signaling callback. Consolidation waits for the
	// recorder to drain so the final segment is always part of the pass.
	go func() {
		rec.Stop()
		<-rec.Done()
		if err := o.cons.Consolidate(rec.Dir(), rec.Source()); err != nil && !errors.Is(err, consolidate.ErrInFlight) {
			o.log.Error("disconnect consolidation failed", "source", rec.Source(), "error", err)
		}
	}()
}

// nextSessionName scans a date directory for existing "session-N" names and
// returns session-(highest N + 1), starting at session-1.
func nextSessionName(dateDir string) (string, error) {
	entries, err := os.ReadDir(dateDir)
	if err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("scan date directory: %w", err)
	}
	highest := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		var n int
		if _, err := fmt.Sscanf(entry.Name(), "session-%d", &n); err == nil && n > highest {
			highest = n
		}
	}
	return fmt.Sprintf("session-%d", highest+1), nil
}
