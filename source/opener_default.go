//go:build !gocv

package source

// DefaultOpener returns metadata-only opener. Build with tag "gocv" to decode pixels
func DefaultOpener() Opener {
	return BlankOpener{}
}
