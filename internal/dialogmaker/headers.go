package dialogmaker

import "strings"

// mappedHeaders is the set of headers a control-channel client may set on a
// response to an incoming INVITE, keyed by their canonical (lowercase,
// dash-to-underscore) name and valued by the wire header name to emit.
// Built once and shared by reference; never mutated after init.
var mappedHeaders = map[string]string{
	"user_agent":                 "User-Agent",
	"subject":                    "Subject",
	"max_forwards":               "Max-Forwards",
	"proxy_require":              "Proxy-Require",
	"request_disposition":        "Request-Disposition",
	"accept_contact":             "Accept-Contact",
	"reject_contact":             "Reject-Contact",
	"expires":                    "Expires",
	"date":                       "Date",
	"retry_after":                "Retry-After",
	"timestamp":                  "Timestamp",
	"min_expires":                "Min-Expires",
	"priority":                   "Priority",
	"call_info":                  "Call-Info",
	"organization":               "Organization",
	"server":                     "Server",
	"in_reply_to":                "In-Reply-To",
	"accept":                     "Accept",
	"accept_encoding":            "Accept-Encoding",
	"accept_language":            "Accept-Language",
	"allow":                      "Allow",
	"require":                    "Require",
	"supported":                  "Supported",
	"unsupported":                "Unsupported",
	"event":                      "Event",
	"allow_events":               "Allow-Events",
	"subscription_state":         "Subscription-State",
	"proxy_authenticate":         "Proxy-Authenticate",
	"proxy_authentication_info":  "Proxy-Authentication-Info",
	"proxy_authorization":        "Proxy-Authorization",
	"authorization":             "Authorization",
	"www_authenticate":          "WWW-Authenticate",
	"authentication_info":       "Authentication-Info",
	"error_info":                "Error-Info",
	"warning":                   "Warning",
	"refer_to":                  "Refer-To",
	"referred_by":               "Referred-By",
	"replaces":                  "Replaces",
	"session_expires":           "Session-Expires",
	"min_se":                    "Min-SE",
	"path":                      "Path",
	"service_route":             "Service-Route",
	"reason":                    "Reason",
	"security_client":           "Security-Client",
	"security_server":           "Security-Server",
	"security_verify":           "Security-Verify",
	"privacy":                   "Privacy",
	"etag":                      "ETag",
	"if_match":                  "If-Match",
	"mime_version":              "MIME-Version",
	"content_type":              "Content-Type",
	"content_encoding":          "Content-Encoding",
	"content_language":          "Content-Language",
	"content_disposition":       "Content-Disposition",
	"error":                     "Error",
}

// immutableHeaders cannot be set by a control-channel client: they carry
// transaction identity or values this package computes itself.
var immutableHeaders = map[string]struct{}{
	"from":           {},
	"to":             {},
	"call_id":        {},
	"cseq":           {},
	"via":            {},
	"route":          {},
	"contact":        {},
	"rseq":           {},
	"rack":           {},
	"record_route":   {},
	"content_length": {},
	"payload":        {},
}

// canonicalize lowercases name and turns dashes into underscores, matching
// the table keys above regardless of how the client spelled the header.
func canonicalize(name string) string {
	return strings.ReplaceAll(strings.ToLower(name), "-", "_")
}

// validCustomHeaderName reports whether name is safe to emit as a raw
// header name: letters, digits, dash, underscore only.
func validCustomHeaderName(name string) bool {
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return len(name) > 0
}

// validHeaderValue rejects values that could inject extra header lines.
func validHeaderValue(v string) bool {
	return !strings.ContainsAny(v, "\r\n")
}
