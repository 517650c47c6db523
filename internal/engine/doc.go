// Package engine defines the handle type that owns one live external engine
// process, the startup options that made that engine distinct from others,
// and the launcher interface implemented by concrete process backends.
package engine
