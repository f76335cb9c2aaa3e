package whirl

import "expvar"

// nodeMetrics record node activity counters.
type nodeMetrics struct {
	msgRecv     expvar.Int
	msgSent     expvar.Int
	requestsIn  expvar.Int // number of inbound requests dispatched
	responsesIn expvar.Int // number of inbound responses dispatched
	eventsIn    expvar.Int // number of injected events dispatched
	callsOut    expvar.Int // number of blocking calls initiated
	callPending expvar.Int // blocking calls awaiting a response

	emap *expvar.Map
}

var rootMetrics = newNodeMetrics()

func newNodeMetrics() *nodeMetrics {
	nm := &nodeMetrics{emap: new(expvar.Map)}
	nm.emap.Set("messages_received", &nm.msgRecv)
	nm.emap.Set("messages_sent", &nm.msgSent)
	nm.emap.Set("requests_in", &nm.requestsIn)
	nm.emap.Set("responses_in", &nm.responsesIn)
	nm.emap.Set("events_in", &nm.eventsIn)
	nm.emap.Set("calls_out", &nm.callsOut)
	nm.emap.Set("calls_pending", &nm.callPending)
	return nm
}
