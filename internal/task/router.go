package task

// Queue names.
const (
	QueueHighPriority = "high-priority"
	QueueLowPriority  = "low-priority"
	QueueSync         = "sync"
	QueueMedia        = "media"
	QueueBatch        = "batch"
	QueueDefault      = "default"
)

// DefaultQueues lists the routed queues in the order workers poll them.
var DefaultQueues = []string{QueueHighPriority, QueueSync, QueueMedia, QueueBatch, QueueDefault, QueueLowPriority}

// Router picks the queue of a task that was not given one explicitly.
type Router struct {
	// HighPriority is the lowest priority routed to QueueHighPriority.
	HighPriority int
	// LowPriority is the highest priority routed to QueueLowPriority.
	LowPriority int
	// ByType maps task types to their queue; unmapped types go to QueueDefault.
	ByType map[Type]string
}

// DefaultRouter routes priority >= 8 to the high-priority queue, <= 3 to the
// low-priority queue and everything else by type.
func DefaultRouter() Router {
	return Router{
		HighPriority: 8,
		LowPriority:  3,
		ByType: map[Type]string{
			TypeSync:         QueueSync,
			TypeMediaProcess: QueueMedia,
			TypeBatchProcess: QueueBatch,
		},
	}
}

// Route returns the queue for t. An explicit queue name wins.
func (r Router) Route(t *Task) string {
	if t.QueueName != "" {
		return t.QueueName
	}
	switch {
	case t.Priority >= r.HighPriority:
		return QueueHighPriority
	case t.Priority <= r.LowPriority:
		return QueueLowPriority
	}
	if q, ok := r.ByType[t.Type]; ok {
		return q
	}
	return QueueDefault
}
