package results

import (
	"context"
	"encoding/json"

	"github.com/vinayprograms/taskhook/bus"
	"github.com/vinayprograms/taskhook/logging"
	"github.com/vinayprograms/taskhook/tasks"
)

// DefaultSubjectPrefix is the prefix for result notification subjects.
const DefaultSubjectPrefix = "taskhook.results"

// Notifier broadcasts finished tasks over a message bus so that other
// instances can react without polling the store.
type Notifier struct {
	bus    bus.MessageBus
	prefix string
	logger *logging.Logger
}

// NewNotifier creates a notifier publishing under prefix.
func NewNotifier(mb bus.MessageBus, prefix string, logger *logging.Logger) *Notifier {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Notifier{bus: mb, prefix: prefix, logger: logger.WithComponent("notifier")}
}

// Subject returns the subject notifications for taskID are published on.
func (n *Notifier) Subject(taskID string) string {
	return n.prefix + "." + taskID
}

// Notify publishes rec. Failures are logged; the record is already stored.
func (n *Notifier) Notify(ctx context.Context, rec *tasks.Record) {
	if n == nil || n.bus == nil || rec == nil {
		return
	}
	data, err := json.Marshal(rec)
	if err != nil {
		n.logger.Error("encode notification", map[string]interface{}{"task_id": rec.ID, "error": err.Error()})
		return
	}
	if err := n.bus.Publish(n.Subject(rec.ID), data); err != nil {
		n.logger.Warn("publish notification", map[string]interface{}{"task_id": rec.ID, "error": err.Error()})
	}
}

// Subscribe returns finished records for taskID as they are announced.
// The channel closes when ctx is done or the subscription ends.
func (n *Notifier) Subscribe(ctx context.Context, taskID string) (<-chan *tasks.Record, error) {
	sub, err := n.bus.Subscribe(n.Subject(taskID))
	if err != nil {
		return nil, err
	}
	out := make(chan *tasks.Record, 1)
	go func() {
		defer close(out)
		defer sub.Unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub.Messages():
				if !ok {
					return
				}
				var rec tasks.Record
				if err := json.Unmarshal(msg.Data, &rec); err != nil {
					n.logger.Warn("decode notification", map[string]interface{}{"subject": msg.Subject, "error": err.Error()})
					continue
				}
				select {
				case out <- &rec:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
