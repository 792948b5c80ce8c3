package session

import (
	"sync"
	"time"
)

// Detector fires its idle callback when no segment has arrived for the
// configured timeout after the last written batch.
type Detector struct {
	timeout time.Duration
	mu      sync.Mutex
	timer   *time.Timer
	onIdle  func()
}

func NewDetector(timeout time.Duration) *Detector {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Detector{timeout: timeout}
}

func (d *Detector) OnIdle(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onIdle = callback
}

// OnSegment cancels the idle countdown.
func (d *Detector) OnSegment() {
	d.Stop()
}

// OnBatch restarts the idle countdown.
func (d *Detector) OnBatch() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
	}

	var timer *time.Timer
	timer = time.AfterFunc(d.timeout, func() {
		d.mu.Lock()
		if d.timer != timer {
			d.mu.Unlock()
			return
		}
		callback := d.onIdle
		d.timer = nil
		d.mu.Unlock()

		if callback != nil {
			callback()
		}
	})
	d.timer = timer
}

func (d *Detector) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
