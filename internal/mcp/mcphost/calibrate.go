package mcphost

import (
	"context"
	"math/rand/v2"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/polyvox/polyvox/internal/mcp"
)

// demoteErrorRate is the windowed error rate above which a server is pulled
// from discovery until it recovers.
const demoteErrorRate = 0.3

// defaultCalibrationInterval spaces calibration rounds when the caller does
// not choose an interval.
const defaultCalibrationInterval = 5 * time.Minute

// Calibrate probes every registered external server once, concurrently, and
// records each round-trip in the server's latency window and the directory's
// health history. It then demotes servers whose windowed error rate exceeds
// demoteErrorRate and restores previously demoted servers that have
// recovered.
//
// The probe lists the server's tools: cheap, read-only, and carried over the
// same transport as real calls. Builtin servers are skipped — an in-process
// server cannot become unreachable, so probing it would only measure
// function-call overhead.
//
// Probe failures are recorded, not returned; Calibrate only returns an error
// if ctx is cancelled before all probes complete.
func (h *Host) Calibrate(ctx context.Context, d *mcp.Directory) error {
	// Snapshot server IDs under a read lock to avoid holding the lock during
	// potentially slow network calls.
	h.mu.RLock()
	ids := make([]string, 0, len(h.servers))
	for id, s := range h.servers {
		if s.builtin != nil {
			continue
		}
		ids = append(ids, id)
	}
	h.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			h.probeServer(gctx, id, d)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	h.applyHealth(d)
	return nil
}

// probeServer lists one server's tools as a liveness check and records the
// outcome.
func (h *Host) probeServer(ctx context.Context, id string, d *mcp.Directory) {
	h.mu.RLock()
	s, ok := h.servers[id]
	h.mu.RUnlock()
	if !ok {
		return
	}

	start := time.Now()
	err := s.probe(ctx)
	rtt := time.Since(start)

	s.window.Record(rtt, err != nil)
	d.RecordOutcome(id, err == nil, rtt)

	if err != nil {
		h.logger.Debug("calibration probe failed",
			"server_id", id,
			"error", err)
	}
}

// probe lists the server's tools over its live transport.
func (s *hostServer) probe(ctx context.Context) error {
	if s.ws != nil {
		_, err := s.ws.listTools(ctx)
		return err
	}
	for _, err := range s.session.Tools(ctx, nil) {
		if err != nil {
			return err
		}
	}
	return nil
}

// applyHealth demotes unhealthy servers and restores recovered ones. Demoted
// servers are removed from discovery so capability selection routes around
// them; their connections stay open so future probes can observe recovery.
func (h *Host) applyHealth(d *mcp.Directory) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, s := range h.servers {
		if s.builtin != nil || s.window.Count() == 0 {
			continue
		}
		rate := s.window.ErrorRate()
		switch {
		case !s.demoted && rate > demoteErrorRate:
			s.demoted = true
			d.Deregister(id)
			h.logger.Warn("mcp server demoted",
				"server_id", id,
				"error_rate", rate)

		case s.demoted && rate <= demoteErrorRate:
			if err := d.Register(s.info(), &serverEndpoint{h: h, serverID: id}); err != nil {
				h.logger.Warn("mcp server re-registration failed",
					"server_id", id,
					"error", err)
				continue
			}
			s.demoted = false
			h.logger.Info("mcp server recovered",
				"server_id", id,
				"error_rate", rate)
		}
	}
}

// RunCalibration calibrates on a jittered interval until ctx is cancelled.
// An interval of 0 or negative defaults to 5 minutes. Jitter (±20%) keeps a
// fleet of engines from probing shared servers in lockstep.
func (h *Host) RunCalibration(ctx context.Context, d *mcp.Directory, every time.Duration) {
	if every <= 0 {
		every = defaultCalibrationInterval
	}
	timer := time.NewTimer(jitter(every))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if err := h.Calibrate(ctx, d); err != nil {
				h.logger.Warn("calibration aborted", "error", err)
			}
			timer.Reset(jitter(every))
		}
	}
}

// jitter spreads d by ±20%.
func jitter(d time.Duration) time.Duration {
	f := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * f)
}
