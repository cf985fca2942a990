package imagecheck

import (
	"fmt"
	"image"
	"sync"

	"github.com/corona10/goimagehash"
)

// DefaultDedupThreshold is the maximum Hamming distance between two dHash
// values below which images are considered perceptually identical.
const DefaultDedupThreshold = 10

// DedupFilter drops perceptual near-duplicates from a batch of images.
// It is safe for concurrent use.
type DedupFilter struct {
	mu        sync.Mutex
	threshold int
	hashes    []*goimagehash.ImageHash
}

// NewDedupFilter returns a filter with the given Hamming threshold
// (<= 0 means DefaultDedupThreshold).
func NewDedupFilter(threshold int) *DedupFilter {
	if threshold <= 0 {
		threshold = DefaultDedupThreshold
	}
	return &DedupFilter{threshold: threshold}
}

// IsDuplicate returns true if img is perceptually identical to a previously seen
// image. If hashing fails for any reason, the image is accepted (graceful degradation).
// When the image is accepted as unique, its hash is stored for future comparisons.
func (d *DedupFilter) IsDuplicate(img image.Image) bool {
	hash, err := goimagehash.DifferenceHash(img)
	if err != nil {
		// Graceful degradation: unable to hash, accept the image.
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, h := range d.hashes {
		dist, err := hash.Distance(h)
		if err == nil && dist < d.threshold {
			return true
		}
	}

	d.hashes = append(d.hashes, hash)
	return false
}

// Len returns the number of unique images seen so far.
func (d *DedupFilter) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.hashes)
}

// Fingerprint returns the perceptual difference hash of img as 16 hex digits.
func Fingerprint(img *Image) (string, error) {
	if img == nil {
		return "", errEmptyImage
	}
	hash, err := goimagehash.DifferenceHash(img.RGBA())
	if err != nil {
		return "", fmt.Errorf("fingerprint: %w", err)
	}
	return fmt.Sprintf("%016x", hash.GetHash()), nil
}
