package responder

import (
	"sync"
	"time"
)

// debounced is a debounced function call.
type debounced func(func())

// debounce returns a function that runs its argument once calls have
// stopped for after. The last function passed wins.
func debounce(after time.Duration) debounced {
	d := &debouncer{after: after}
	return d.add
}

type debouncer struct {
	mx    sync.Mutex
	after time.Duration
	timer *time.Timer
}

func (d *debouncer) add(f func()) {
	d.mx.Lock()
	defer d.mx.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.after, f)
}
