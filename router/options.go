package router

type Option func(r *Router)

// WithMatcher replaces MatchTopic. The matcher receives the registered pattern first.
func WithMatcher(matcher func(pattern, topic string) bool) Option {
	return func(r *Router) {
		if matcher != nil {
			r.match = matcher
		}
	}
}
