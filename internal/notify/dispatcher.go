package notify

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"taskboard/api/internal/store"
	"taskboard/api/internal/util"
)

const (
	KindShareTask    = "share_task"
	KindTaskComplete = "task_complete"
)

// Store is the durable sink for notification records.
type Store interface {
	InsertNotification(ctx context.Context, n store.Notification) error
}

// Dispatcher hands notification records to the queue and runs the worker
// that persists them. With a nil queue every record is written inline.
type Dispatcher struct {
	queue *Queue
	store Store
	log   *logrus.Logger

	done chan struct{}
	wg   sync.WaitGroup
}

func NewDispatcher(queue *Queue, st Store, log *logrus.Logger) *Dispatcher {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Dispatcher{
		queue: queue,
		store: st,
		log:   log,
		done:  make(chan struct{}),
	}
}

// Emit records a notification without ever failing the caller. The record is
// stamped here so queue transit does not affect its id or timestamp. Enqueue
// errors degrade to an inline write; if that also fails the record is lost
// and logged.
func (d *Dispatcher) Emit(n store.Notification) {
	if n.ID == "" {
		n.ID = util.NewID("ntf")
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}

	if d.queue != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := d.queue.Enqueue(ctx, n)
		cancel()
		if err == nil {
			return
		}
		d.log.WithError(err).WithFields(logrus.Fields{
			"notification_id": n.ID,
			"kind":            n.Kind,
		}).Warn("notify: enqueue failed, writing inline")
	}

	d.persist(n)
}

func (d *Dispatcher) persist(n store.Notification) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.store.InsertNotification(ctx, n); err != nil {
		d.log.WithError(err).WithFields(logrus.Fields{
			"notification_id": n.ID,
			"recipient_id":    n.RecipientID,
			"kind":            n.Kind,
		}).Error("notify: dropping notification, persist failed")
	}
}

// Start launches the queue worker. A dispatcher without a queue has nothing
// to drain.
func (d *Dispatcher) Start() {
	if d.queue == nil {
		return
	}
	d.wg.Add(1)
	go d.run()
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	ctx := context.Background()
	for {
		select {
		case <-d.done:
			return
		default:
		}

		n, ok, err := d.queue.Dequeue(ctx, time.Second)
		if err != nil {
			d.log.WithError(err).Warn("notify: dequeue failed")
			select {
			case <-d.done:
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if !ok {
			continue
		}
		d.persist(n)
	}
}

// Stop signals the worker and waits for it to finish its in-flight record.
func (d *Dispatcher) Stop() {
	close(d.done)
	d.wg.Wait()
}
