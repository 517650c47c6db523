package engine

import "strings"

// optionSep joins option strings into the canonical comparison key. The unit
// separator cannot appear in well-formed command-line options, so the join is
// unambiguous even for options containing spaces.
const optionSep = "\x1f"

// Options is the immutable, ordered list of startup options an engine was
// launched with. Order matters: real engines treat startup flags
// positionally, so ["-a", "-b"] and ["-b", "-a"] are distinct configurations.
type Options struct {
	args []string
	key  string
}

// NewOptions builds an Options value from the given startup option strings.
// The input slice is copied; later mutation of it does not affect the result.
func NewOptions(args ...string) Options {
	cp := make([]string, len(args))
	copy(cp, args)
	return Options{
		args: cp,
		key:  strings.Join(cp, optionSep),
	}
}

// Args returns a copy of the option strings in launch order.
func (o Options) Args() []string {
	cp := make([]string, len(o.args))
	copy(cp, o.args)
	return cp
}

// Key returns the canonical comparison key. Two Options are equal iff their
// keys are equal.
func (o Options) Key() string {
	return o.key
}

// Equal reports whether o and other describe the same engine configuration.
func (o Options) Equal(other Options) bool {
	return o.key == other.key
}

// String renders the options for logs and API responses.
func (o Options) String() string {
	return strings.Join(o.args, " ")
}
