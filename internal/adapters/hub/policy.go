package hub

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropFrame
	KickClient
)

// Policy decides what happens to a client whose send buffer is full.
type Policy interface {
	OnBackPressure(client ClientID, msgType string) BackpressureAction
}

// SimplePolicy kicks slow clients. A dropped snapshot could hide a terminal
// call status from the peer, so nothing is ever silently dropped. A kicked
// store.Remote closes and reports it through Done; reconnecting is up to its
// owner (callctl exits).
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(ClientID, string) BackpressureAction {
	return KickClient
}
