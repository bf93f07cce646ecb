package machine

// A Transport is an open line-oriented connection to the controller.
type Transport interface {
	// WriteLine sends line followed by a newline.
	WriteLine(line string) error

	// TryReadLine returns the next complete line if one is available.
	// It never blocks waiting for data.
	TryReadLine() (line string, ok bool, err error)

	Close() error
}
