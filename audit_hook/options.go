package audithook

import "log/slog"

// Option configures an Extension.
type Option func(*Extension)

// WithLogger sets the logger used to report recorder failures.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Extension) {
		e.logger = logger
	}
}

// WithEnabledActions restricts auditing to the given actions. Without it
// every action is audited.
func WithEnabledActions(actions ...string) Option {
	return func(e *Extension) {
		e.only = actionSet(actions)
	}
}

// WithDisabledActions skips the given actions. It applies after
// WithEnabledActions.
func WithDisabledActions(actions ...string) Option {
	return func(e *Extension) {
		e.skip = actionSet(actions)
	}
}

func actionSet(actions []string) map[string]struct{} {
	set := make(map[string]struct{}, len(actions))
	for _, a := range actions {
		set[a] = struct{}{}
	}
	return set
}

func (e *Extension) audits(action string) bool {
	if _, skipped := e.skip[action]; skipped {
		return false
	}
	if e.only == nil {
		return true
	}
	_, ok := e.only[action]
	return ok
}
