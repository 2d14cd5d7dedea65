package orchestrator

type Event interface{}

type EventNodeCreated struct {
	Node     string
	Provider string
	Template string
	Label    string
}

type EventNodeStatusUpdated struct {
	Node   string
	Status NodeStatus
}

type EventNodeConnected struct {
	Node string
}

type EventNodeDisconnected struct {
	Node  string
	Cause string
}

type EventNodeTerminated struct {
	Node   string
	Result string
}
