//go:build !(linux || darwin || freebsd)

package arena

// Map falls back to a heap region where anonymous mappings are unavailable.
func Map(size int) (*Region, error) {
	return Heap(size)
}
