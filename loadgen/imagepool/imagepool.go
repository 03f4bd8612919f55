// Package imagepool loads a directory of opaque binary blobs once and hands
// them out round-robin under a lock, for the `-e imagesdir=` attribute
// template source.
package imagepool

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Pool hands out byte slices round-robin. The underlying blobs are read
// once at construction and shared read-only for the life of the process —
// Go's GC makes the original's mmap-for-lifetime-of-process trick
// unnecessary; a plain byte slice has the same "load once, share forever"
// property without the fd-lifetime bookkeeping.
type Pool struct {
	mu     sync.Mutex
	images [][]byte
	names  []string
	next   int
}

// Load reads every regular file directly inside dir (non-recursive) into
// memory, sorted by name for reproducible round-robin order.
func Load(dir string) (*Pool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("imagepool: read dir %q: %w", dir, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	p := &Pool{}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("imagepool: read %q: %w", e.Name(), err)
		}
		p.images = append(p.images, data)
		p.names = append(p.names, e.Name())
	}
	if len(p.images) == 0 {
		return nil, fmt.Errorf("imagepool: %q contains no image files", dir)
	}
	return p, nil
}

// Next returns the next image in round-robin order and its source file
// name (for diagnostics).
func (p *Pool) Next() ([]byte, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	img, name := p.images[p.next], p.names[p.next]
	p.next = (p.next + 1) % len(p.images)
	return img, name
}

// Len returns the number of loaded images.
func (p *Pool) Len() int { return len(p.images) }
