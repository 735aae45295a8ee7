package model

// LifecycleState is the local state that drives rendering.
type LifecycleState string

const (
	StateInput      LifecycleState = "input"
	StateProcessing LifecycleState = "processing"
	StateSuccess    LifecycleState = "success"
	StateCancelled  LifecycleState = "cancelled"

	// Finer-grained poll feedback. Collapse maps these onto the four states above.
	StatePending LifecycleState = "pending"
	StateIdle    LifecycleState = "idle"
	StateError   LifecycleState = "error"
)

// Collapse maps extended poll states onto the user-facing lifecycle.
func (s LifecycleState) Collapse() LifecycleState {
	switch s {
	case StatePending:
		return StateProcessing
	case StateIdle:
		return StateInput
	case StateError:
		return StateCancelled
	default:
		return s
	}
}

// Terminal is true for success and cancelled.
func (s LifecycleState) Terminal() bool {
	return s == StateSuccess || s == StateCancelled
}

// FlowKind identifies which orchestration flow a run executes.
type FlowKind string

const (
	FlowBuy     FlowKind = "buy"
	FlowSell    FlowKind = "sell"
	FlowPayBill FlowKind = "paybill"
	FlowSend    FlowKind = "send"
)

// Valid returns true for the supported flows.
func (k FlowKind) Valid() bool {
	switch k {
	case FlowBuy, FlowSell, FlowPayBill, FlowSend:
		return true
	default:
		return false
	}
}

// OnChain reports whether the user pushes tokens as part of the flow.
func (k FlowKind) OnChain() bool {
	return k == FlowSell || k == FlowPayBill || k == FlowSend
}
