package proxycore

import "github.com/emiago/sipgo/sip"

// followRedirect implements the optional 3xx redirect-following extension,
// disabled unless Config.FollowRedirects is set. Each
// Contact on the redirecting response whose URI is not already the target
// of an existing branch becomes a freshly-started branch retried from
// scratch (new branch id, not_started state); the redirecting
// branch itself is retired without ever reaching `completed`, so it never
// competes in best-response selection.
//
// Returns true when it added at least one replacement branch and the
// caller should treat the 3xx as absorbed rather than a final outcome.
func (c *ProxyCore) followRedirect(ct *ClientTransaction, res *sip.Response) bool {
	contacts := res.GetHeaders("Contact")
	if len(contacts) == 0 {
		return false
	}

	added := false
	for _, h := range contacts {
		contact, ok := h.(*sip.ContactHeader)
		if !ok {
			continue
		}
		target := *contact.Address.Clone()
		dup := false
		for _, existing := range c.Clients {
			if existing.Target.String() == target.String() {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		nct :=newClientTransaction(target, ct.Method, c.deps.Timing.T1)
		c.Clients = append(c.Clients, nct)
		c.clientsByBranch[nct.Branch] = nct
		added = true
	}

	if !added {
		return false
	}

	ct.state = StateTerminated
	ct.status = 0 // retired, not a best-response candidate
	return true
}
