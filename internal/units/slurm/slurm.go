// Package slurm implements the local-exceptions unit, spec §4.7: applies
// one or more RFC 8416 SLURM files' filter and assertion passes to an
// upstream snapshot, reloading a file whenever its mtime changes.
package slurm

import (
	"context"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/route-beacon/rtr-proxy/internal/comms"
	"github.com/route-beacon/rtr-proxy/internal/metrics"
	"github.com/route-beacon/rtr-proxy/internal/payload"
)

const metricsLabel = "slurm"

// recheckInterval mirrors the 2-second file-watch poll the reference
// implementation uses; cheap enough for a handful of local files.
const recheckInterval = 2 * time.Second

// Config describes one SLURM unit.
type Config struct {
	Files []string
}

type fileState struct {
	path    string
	modTime time.Time
	doc     payload.SLURMDocument
	loaded  bool
}

// Unit subscribes to one upstream link and republishes its payload after
// applying the current set of local exceptions.
type Unit struct {
	cfg    Config
	source *comms.Link
	gate   *comms.Gate
	logger *zap.Logger
}

// New builds a unit reading exceptions from cfg.Files and transforming
// whatever source publishes.
func New(cfg Config, source *comms.Link, logger *zap.Logger) *Unit {
	return &Unit{cfg: cfg, source: source, gate: comms.NewGate(), logger: logger}
}

// Gate returns the unit's publication point.
func (u *Unit) Gate() *comms.Gate { return u.gate }

// Run applies the configured SLURM files to every upstream snapshot,
// reloading files whenever their mtime changes.
func (u *Unit) Run(ctx context.Context) {
	defer u.gate.Close()

	states := make([]fileState, len(u.cfg.Files))
	for i, p := range u.cfg.Files {
		states[i] = fileState{path: p}
	}
	u.reloadAll(states)

	ticker := time.NewTicker(recheckInterval)
	defer ticker.Stop()

	upstream := make(chan comms.State)
	go func() {
		for {
			state, err := u.source.Updated(ctx)
			if err != nil {
				return
			}
			select {
			case upstream <- state:
			case <-ctx.Done():
				return
			}
		}
	}()

	var lastUpstream payload.Payload
	haveUpstream := false

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			if u.reloadAll(states) && haveUpstream {
				u.publish(states, lastUpstream)
			}

		case state := <-upstream:
			if state.Health != comms.Healthy {
				u.gate.SetStalled()
				metrics.GateHealthy.WithLabelValues(metricsLabel).Set(0)
				continue
			}
			lastUpstream = state.Payload
			haveUpstream = true
			u.publish(states, lastUpstream)
		}
	}
}

func (u *Unit) publish(states []fileState, upstream payload.Payload) {
	result := upstream
	totalAdded, totalRemoved := 0, 0
	anyLoaded := false
	for _, fs := range states {
		if !fs.loaded {
			continue
		}
		anyLoaded = true
		var added, removed int
		result, added, removed = fs.doc.Apply(result)
		totalAdded += added
		totalRemoved += removed
		metrics.SLURMAssertedTotal.WithLabelValues(metricsLabel, fs.path).Add(float64(added))
		metrics.SLURMFilteredTotal.WithLabelValues(metricsLabel, fs.path).Add(float64(removed))
	}
	if len(states) > 0 && !anyLoaded {
		u.logger.Warn("slurm: all exception files failed to load, passing upstream payload through unchanged")
	}
	u.logger.Info("slurm: applied local exceptions", zap.Int("added", totalAdded), zap.Int("removed", totalRemoved))
	u.gate.Publish(result)
	metrics.GatePublishTotal.WithLabelValues(metricsLabel).Inc()
}

// reloadAll checks every configured file's mtime and reloads any file
// that changed. Returns true if at least one file's content changed.
func (u *Unit) reloadAll(states []fileState) bool {
	changed := false
	for i := range states {
		if u.reloadOne(&states[i]) {
			changed = true
		}
	}
	return changed
}

func (u *Unit) reloadOne(fs *fileState) bool {
	info, err := os.Stat(fs.path)
	if err != nil {
		u.logger.Warn("slurm: stat failed, skipping file", zap.String("path", fs.path), zap.Error(err))
		return false
	}
	if fs.loaded && info.ModTime().Equal(fs.modTime) {
		return false
	}

	data, err := os.ReadFile(fs.path)
	if err != nil {
		u.logger.Warn("slurm: read failed, skipping file", zap.String("path", fs.path), zap.Error(err))
		return false
	}
	doc, err := payload.DecodeSLURM(data)
	if err != nil {
		u.logger.Warn("slurm: validation failed, skipping file", zap.String("path", fs.path), zap.Error(err))
		return false
	}
	fs.doc = doc
	fs.modTime = info.ModTime()
	fs.loaded = true
	u.logger.Debug("slurm: loaded exception file", zap.String("path", fs.path))
	return true
}
