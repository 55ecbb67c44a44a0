package proxycore

// forwardBest implements the response-selection priority used once
// every branch has reached a final outcome: a branch that received a real
// final response beats one holding only a synthetic status (timeout or
// send failure); then 6xx beats everything; among 4xx,
// {401,407,415,420,484} beat any other 4xx in that relative order;
// otherwise 4xx beats 5xx; ties keep the first branch seen (stable,
// matching Clients' fork order). If no branch received a real final
// response, the best synthetic status (408 for a timeout, 503 for a send
// failure) is generated locally; if no branch holds any final status at
// all, a 408 is generated.
func (c *ProxyCore) forwardBest() {
	var best *ClientTransaction
	bestRank := 1 << 30

	for _, ct := range c.Clients {
		if ct.state != StateCompleted && ct.state != StateTerminated {
			continue
		}
		if ct.status < 300 {
			continue
		}
		r := responseRank(ct.status)
		if ct.FinalResponse() == nil {
			r += 100
		}
		if r < bestRank {
			bestRank = r
			best = ct
		}
	}

	if best == nil {
		_ = c.Server.GenerateResponse(c.deps.Sender, 408, "")
		return
	}
	if final := best.FinalResponse(); final != nil {
		_ = c.Server.ForwardResponse(c.deps.Sender, final)
		return
	}
	_ = c.Server.GenerateResponse(c.deps.Sender, best.status, "")
}

var preferredClientFailures = []int{401, 407, 415, 420, 484}

func responseRank(status int) int {
	if status >= 600 {
		return 0
	}
	for i, code := range preferredClientFailures {
		if status == code {
			return 1 + i
		}
	}
	switch {
	case status >= 300 && status < 400:
		return 8
	case status >= 400 && status < 500:
		return 10
	case status >= 500 && status < 600:
		return 20
	default:
		return 30
	}
}
