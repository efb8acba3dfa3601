package transaction

import (
	"sync"
)

// dispatcher доставляет асинхронные события Handler'у в порядке постановки
// в очередь, из одной горутины. Постановка в очередь не блокируется.
type dispatcher struct {
	handler Handler

	mu     sync.Mutex
	queue  []Event
	wake   chan struct{}
	closed bool
	done   chan struct{}
}

func newDispatcher(handler Handler) *dispatcher {
	d := &dispatcher{
		handler: handler,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *dispatcher) enqueue(ev Event) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, ev)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run() {
	defer close(d.done)

	for range d.wake {
		for {
			d.mu.Lock()
			if d.closed || len(d.queue) == 0 {
				closed := d.closed
				d.mu.Unlock()
				if closed {
					return
				}
				break
			}
			ev := d.queue[0]
			d.queue[0] = Event{}
			d.queue = d.queue[1:]
			d.mu.Unlock()

			if d.handler != nil {
				d.handler.HandleTransactionEvent(ev)
			}
		}
	}
}

// close останавливает доставку; события в очереди отбрасываются.
// Не ждет завершения обработчика, так как может вызываться из него.
func (d *dispatcher) close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.queue = nil
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}
