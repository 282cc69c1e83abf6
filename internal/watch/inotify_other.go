//go:build !linux

package watch

// NewInotify reports ErrUnsupported outside Linux.
func NewInotify() (Facility, error) {
	return nil, ErrUnsupported
}
