package browser

// The reaper: a periodic task that scans retired instances and forces a
// kill on any that have been idle too long or whose browser now reports
// only the residual blank page. It never touches active instances. See
// SPEC_FULL.md §4.3.

import (
	"context"
	"time"
)

func (p *Pool) startReaper() {
	p.reaperStop = make(chan struct{})
	p.reaperDone = make(chan struct{})
	go p.reaperLoop()
}

func (p *Pool) stopReaper() {
	if p.reaperStop == nil {
		return
	}
	select {
	case <-p.reaperStop:
		// already stopped
	default:
		close(p.reaperStop)
	}
	<-p.reaperDone
}

func (p *Pool) reaperLoop() {
	defer close(p.reaperDone)
	ticker := time.NewTicker(p.opts.InstanceKillerInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.reaperStop:
			return
		case <-ticker.C:
			p.reapTick()
		}
	}
}

// reapTick examines every retired instance once. Candidates killed during
// this tick are removed from p.retired by killProcedure itself.
func (p *Pool) reapTick() {
	p.mu.Lock()
	ids := make([]int64, 0, len(p.retired))
	for id := range p.retired {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	for _, id := range ids {
		p.mu.Lock()
		inst, ok := p.retired[id]
		if !ok {
			p.mu.Unlock()
			continue
		}
		idleFor := p.now().Sub(inst.lastPageOpenedAt)
		idleExceeded := idleFor > p.opts.KillInstanceAfter
		handle := inst.handle
		launchPending := inst.launchErr == nil && handle == nil
		p.mu.Unlock()

		if launchPending {
			// still launching; give it a chance to finish before reaping
			continue
		}
		if idleExceeded {
			p.killProcedure(id)
			continue
		}
		if handle == nil {
			continue
		}

		pages, err := handle.Pages(context.Background())
		if err != nil {
			p.log.Error().Err(err).Int64("instance_id", id).Msg("failed to list pages; killing instance")
			p.killProcedure(id)
			continue
		}
		if len(pages) <= 1 {
			p.killProcedure(id)
		}
	}
}
