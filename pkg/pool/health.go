package pool

import "time"

// healthLoop runs until Shutdown, recycling what the checks find broken.
func (p *Pool) healthLoop() {
	defer close(p.healthDone)
	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.lifeCtx.Done():
			return
		case <-ticker.C:
			p.checkOnce()
		}
	}
}

// checkOnce pings every idle client and retries failed slots. Busy clients
// are left alone; their own operations surface failures through release.
func (p *Pool) checkOnce() {
	healthy, recycled := 0, 0

	// Take the current idle set; clients acquired meanwhile are simply
	// skipped this round.
	var idle []*process
	for {
		select {
		case proc := <-p.idle:
			idle = append(idle, proc)
			continue
		default:
		}
		break
	}

	for _, proc := range idle {
		if err := proc.client.Ping(p.lifeCtx); err != nil {
			p.logger.Warn("Idle client failed ping", "client", proc.id, "error", err)
			recycled++
			p.recycle(proc)
			continue
		}
		healthy++
		p.idle <- proc
	}

	// Retry slots whose respawn failed earlier.
	p.mu.Lock()
	retry := make([]string, 0, len(p.failed))
	for id := range p.failed {
		retry = append(retry, id)
	}
	p.mu.Unlock()

	for _, id := range retry {
		client, err := p.factory(p.lifeCtx, id)
		if err != nil {
			p.logger.Error("Client respawn failed", "client", id, "error", err)
			continue
		}
		proc := &process{id: id, client: client}
		p.mu.Lock()
		if p.draining {
			p.closeLocked(proc)
			p.mu.Unlock()
			return
		}
		delete(p.failed, id)
		p.procs[id] = proc
		p.mu.Unlock()
		p.idle <- proc
		recycled++
	}

	p.mu.Lock()
	failed := len(p.failed)
	busy := p.busy
	p.mu.Unlock()
	p.logger.Info("Pool health check",
		"healthy", healthy,
		"recycled", recycled,
		"failed", failed,
		"busy", busy)
}
