// Package memimg abstracts the process-introspection capability that the
// real system uses to read LAFW blobs and ephemeral ticket keys out of the
// FS/ES sysmodules' memory (spec §9 "Memory scanning for keys in FS/ES
// program memory"). Production code backs this with an actual debug-memory
// read; tests back it with a static byte image.
package memimg

import "bytes"

// Provider exposes read-only access to a named process's memory image.
type Provider interface {
	// ReadAll returns the full captured memory image for the named process
	// ("fs" or "es"). Implementations may cache; callers must not mutate
	// the returned slice.
	ReadAll(process string) ([]byte, error)
}

// Static is a Provider backed by fixed byte slices, used in tests and by
// any offline analysis of a previously dumped memory image.
type Static struct {
	images map[string][]byte
}

// NewStatic builds a Static provider from a process-name -> image map.
func NewStatic(images map[string][]byte) *Static {
	cp := make(map[string][]byte, len(images))
	for k, v := range images {
		cp[k] = v
	}
	return &Static{images: cp}
}

func (s *Static) ReadAll(process string) ([]byte, error) {
	img, ok := s.images[process]
	if !ok {
		return nil, nil
	}
	return img, nil
}

// FindAll returns the start offsets of every occurrence of needle in haystack.
func FindAll(haystack, needle []byte) []int {
	var out []int
	start := 0
	for {
		idx := bytes.Index(haystack[start:], needle)
		if idx < 0 {
			return out
		}
		out = append(out, start+idx)
		start += idx + 1
	}
}
