package engine

// EngineMetrics is a thread-safe read-only view of key runtime signals.
// It is updated from the loop goroutine and read from HTTP handlers/tests.
type EngineMetrics struct {
	Players  int `json:"players"`
	Sessions int `json:"sessions"`

	QueuedMessages      int `json:"queued_messages"`
	ActiveOpportunities int `json:"active_opportunities"`
	ActiveChains        int `json:"active_chains"`

	QueueDepths QueueDepths `json:"queue_depths"`

	SweepMS float64 `json:"sweep_ms"`
}

type QueueDepths struct {
	Inbox int `json:"inbox"`
	Join  int `json:"join"`
	Leave int `json:"leave"`
	API   int `json:"api"`
}

func (e *Engine) Metrics() EngineMetrics {
	if e == nil {
		return EngineMetrics{}
	}
	v := e.metrics.Load()
	if v == nil {
		return EngineMetrics{}
	}
	m, ok := v.(EngineMetrics)
	if !ok {
		return EngineMetrics{}
	}
	return m
}

// publishMetrics runs on the loop goroutine.
func (e *Engine) publishMetrics(sweepMS float64) {
	m := EngineMetrics{
		Players: len(e.players),
		SweepMS: sweepMS,
		QueueDepths: QueueDepths{
			Inbox: len(e.inbox),
			Join:  len(e.join),
			Leave: len(e.leave),
			API:   len(e.api),
		},
	}
	for _, ps := range e.players {
		if ps.session != nil {
			m.Sessions++
		}
		m.QueuedMessages += len(ps.queued)
		m.ActiveOpportunities += ps.opps.ActiveCount()
		m.ActiveChains += ps.chains.ActiveChains()
	}
	e.metrics.Store(m)
}
