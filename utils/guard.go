package utils

// Guard runs a cleanup function when a multi-step construction fails part way through, and does
// nothing once the construction is declared successful:
//
//	guard := NewGuard(func() { graph.Close() })
//	defer guard.OnFail()
//	if err := nextStep(); err != nil { return err }
//	guard.Success()
type Guard struct {
	OnFail  func()
	success bool
}

// NewGuard returns a Guard that calls onFailCleanup from OnFail unless Success was called first.
func NewGuard(onFailCleanup func()) *Guard {
	ret := &Guard{}
	ret.OnFail = func() {
		if !ret.success {
			onFailCleanup()
		}
	}
	return ret
}

// Success marks the guarded construction as complete.
func (guard *Guard) Success() {
	guard.success = true
}
