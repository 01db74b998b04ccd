package transaction

// Event is a point in a transaction's lifecycle reported to listeners.
type Event int

const (
	EventBegin    Event = iota // after every component began
	EventPrepare               // before the first CommitPrepare
	EventCommit                // after every component completed a commit
	EventAbort                 // after every component completed an abort
	EventEnd                   // the handle was ended
)

var eventNames = [...]string{"begin", "prepare", "commit", "abort", "end"}

func (e Event) String() string {
	if int(e) < len(eventNames) {
		return eventNames[e]
	}
	return "unknown"
}

// Listener observes transactions without taking part in them. Notify runs on
// the goroutine driving the transaction and must not call back into the
// coordinator for the same transaction.
type Listener interface {
	Notify(event Event, txn *Transaction)
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(event Event, txn *Transaction)

func (f ListenerFunc) Notify(event Event, txn *Transaction) { f(event, txn) }

// ShutdownHook runs once when the coordinator shuts down.
type ShutdownHook func() error
