package proxycore

// Option mutates a Config at construction time.
type Option func(*Config)

// WithRedirectFollowing enables the optional 3xx redirect-chasing extension:
// disabled unless requested.
func WithRedirectFollowing() Option {
	return func(c *Config) { c.FollowRedirects = true }
}

// WithLaunchPolicy selects serial or parallel forking.
func WithLaunchPolicy(p LaunchPolicy) Option {
	return func(c *Config) { c.LaunchPolicy = p }
}

// WithRecordRoute requests a Record-Route header on every forwarded
// request; it is a no-op unless Deps.RecordRouteURI is also set.
func WithRecordRoute() Option {
	return func(c *Config) { c.RecordRoute = true }
}

// WithCustomHeaders attaches raw "Name: value" header lines to every
// forwarded request.
func WithCustomHeaders(raw string) Option {
	return func(c *Config) { c.CustomHeaders = raw }
}

// NewConfig builds a Config for id/clientMsgID applying opts over the
// zero-value defaults (serial launch policy, no Record-Route, no redirect
// following).
func NewConfig(id, clientMsgID string, opts ...Option) Config {
	cfg := Config{ID: id, ClientMsgID: clientMsgID}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}
