package webhook

import "fmt"

// UnknownActionError means a delivery of a handled event kind carried
// an action this code does not know. Unknown event kinds are dropped
// quietly because hook subscriptions can outlive deployments, but an
// unknown action on a kind we do handle is a contract break and must
// surface.
type UnknownActionError struct {
	Event  string
	Action string
}

func (e *UnknownActionError) Error() string {
	return fmt.Sprintf("webhook: unknown action %q for event %q", e.Action, e.Event)
}
