package pipeline

import "time"

// speedWindow accumulates observed bytes and folds them into a rate once the
// window is at least minSpeedWindow long.
type speedWindow struct {
	windowStart time.Time
	windowBytes int64
	rate        float64 // MiB/s over the last closed window
}

const minSpeedWindow = 500 * time.Millisecond

// ObserveBytes feeds downloaded bytes into the artifact's rolling speed
// estimate.
func (c *Controller) ObserveBytes(id uint, n int64) {
	now := time.Now()

	c.speedMu.Lock()
	defer c.speedMu.Unlock()

	w, ok := c.speeds[id]
	if !ok {
		c.speeds[id] = &speedWindow{windowStart: now, windowBytes: n}
		return
	}

	w.windowBytes += n
	if elapsed := now.Sub(w.windowStart); elapsed >= minSpeedWindow {
		w.rate = float64(w.windowBytes) / (1 << 20) / elapsed.Seconds()
		w.windowStart = now
		w.windowBytes = 0
	}
}

// Speed returns the artifact's last computed download speed in MiB/s, or 0
// when no estimate exists.
func (c *Controller) Speed(id uint) float64 {
	c.speedMu.Lock()
	defer c.speedMu.Unlock()
	if w, ok := c.speeds[id]; ok {
		return w.rate
	}
	return 0
}

// Speeds resolves the speed for each requested artifact.
func (c *Controller) Speeds(ids []uint) map[uint]float64 {
	out := make(map[uint]float64, len(ids))
	c.speedMu.Lock()
	defer c.speedMu.Unlock()
	for _, id := range ids {
		if w, ok := c.speeds[id]; ok {
			out[id] = w.rate
		} else {
			out[id] = 0
		}
	}
	return out
}

// ResetSpeed drops the artifact's speed estimate, returning its reported
// speed to zero.
func (c *Controller) ResetSpeed(id uint) {
	c.speedMu.Lock()
	delete(c.speeds, id)
	c.speedMu.Unlock()
}
