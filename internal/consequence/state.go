package consequence

// EngineState captures everything needed to resume chains after a restart.
// Templates are not included; they reload from tuning on boot.
type EngineState struct {
	Chains     []Chain            `json:"chains,omitempty"`
	Delayed    []pendingDelayed   `json:"delayed,omitempty"`
	Conditions []pendingCondition `json:"conditions,omitempty"`
	NextChain  uint64             `json:"next_chain"`
}

func (e *Engine) Export() EngineState {
	st := EngineState{NextChain: e.nextChain}
	for _, c := range e.chains {
		st.Chains = append(st.Chains, *c)
	}
	st.Delayed = append(st.Delayed, e.delayed...)
	st.Conditions = append(st.Conditions, e.conditions...)
	return st
}

func (e *Engine) Restore(st EngineState) {
	e.nextChain = st.NextChain
	e.chains = map[string]*Chain{}
	for i := range st.Chains {
		c := st.Chains[i]
		if c.Context == nil {
			c.Context = map[string]string{}
		}
		if c.Completed == nil {
			c.Completed = map[string]string{}
		}
		e.chains[c.ID] = &c
	}
	e.delayed = append([]pendingDelayed(nil), st.Delayed...)
	e.conditions = append([]pendingCondition(nil), st.Conditions...)
}
