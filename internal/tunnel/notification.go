package tunnel

// Notification is either Started or Closed.
type Notification interface {
	notification()
}

// Started reports that the tunnel forwards LocalPort.
type Started struct {
	LocalPort int
}

// Closed reports that the tunnel failed. Cause may be nil.
type Closed struct {
	Message string
	Cause   error
}

func (Started) notification() {}
func (Closed) notification()  {}

// Notifier receives lifecycle notifications. It is called from the controller loop and must not block.
type Notifier interface {
	Notify(tunnel string, n Notification)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(tunnel string, n Notification)

func (f NotifierFunc) Notify(tunnel string, n Notification) { f(tunnel, n) }
