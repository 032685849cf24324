package app

// TrackedViews reports how many tenant views the flow currently holds.
func (a *AdminFlow) TrackedViews() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.views)
}
