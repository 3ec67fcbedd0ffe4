package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"HTTPCaptureBox/src/capture"
)

const snapshotVersion = 1

// snapshot is the on-disk form of the ring. Inline bodies travel with it;
// spill files stay where they are and are referenced by path.
type snapshot struct {
	Version   int                `json:"version"`
	SavedAt   time.Time          `json:"savedAt"`
	Exchanges []capture.Exchange `json:"exchanges"`
}

// saveSnapshot writes list to path atomically (tmp + rename).
func saveSnapshot(path string, list []capture.Exchange) error {
	payload := snapshot{Version: snapshotVersion, SavedAt: time.Now().UTC(), Exchanges: list}
	if payload.Exchanges == nil {
		payload.Exchanges = []capture.Exchange{}
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// loadSnapshot reads a snapshot. Records that were still open when it was
// written come back as truncated.
func loadSnapshot(path string) ([]capture.Exchange, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s snapshot
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("parse snapshot: %w", err)
	}
	if s.Version != snapshotVersion {
		return nil, fmt.Errorf("unrecognized snapshot version %d", s.Version)
	}
	for i := range s.Exchanges {
		e := &s.Exchanges[i]
		if e.State == capture.StateOpen {
			e.State = capture.StateTruncated
			if e.TsEnd.IsZero() {
				e.TsEnd = s.SavedAt
			}
		}
		e.BodiesReady = true
	}
	return s.Exchanges, nil
}

// persister saves the recorder periodically and once more on stop.
type persister struct {
	path     string
	interval time.Duration
	rec      *capture.Recorder
	log      zerolog.Logger
}

// restore seeds the recorder from the snapshot file, if there is one.
func (p *persister) restore() int {
	list, err := loadSnapshot(p.path)
	if err != nil {
		if !os.IsNotExist(err) {
			p.log.Warn().Err(err).Str("file", p.path).Msg("snapshot not loaded")
		}
		return 0
	}
	p.rec.Restore(list)
	p.log.Info().Int("count", len(list)).Str("file", p.path).Msg("snapshot loaded")
	return len(list)
}

func (p *persister) save() {
	if err := saveSnapshot(p.path, p.rec.Exchanges(nil)); err != nil {
		p.log.Error().Err(err).Str("file", p.path).Msg("snapshot save failed")
	}
}

// run saves every interval until ctx is done. The final save on shutdown is
// the caller's, after the session has stopped.
func (p *persister) run(ctx context.Context) {
	interval := p.interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.save()
		}
	}
}
