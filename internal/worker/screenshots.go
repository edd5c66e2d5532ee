package worker

import (
	"fmt"
	"sync"
)

// ScreenshotCapacity bounds the capture ring.
const ScreenshotCapacity = 10

// Screenshots is a bounded ring of recent captures so upload_image can
// refer back to them by id. Overflow evicts the oldest entry.
type Screenshots struct {
	mu     sync.Mutex
	order  []string
	images map[string]string // imageId -> base64 data
	nextID int
}

// NewScreenshots builds an empty ring.
func NewScreenshots() *Screenshots {
	return &Screenshots{images: make(map[string]string)}
}

// Put stores a capture and returns its freshly minted image id.
func (s *Screenshots) Put(data string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	imageID := fmt.Sprintf("img_%d", s.nextID)
	if len(s.order) >= ScreenshotCapacity {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.images, oldest)
	}
	s.order = append(s.order, imageID)
	s.images[imageID] = data
	return imageID
}

// Get returns the capture for imageID.
func (s *Screenshots) Get(imageID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.images[imageID]
	return data, ok
}

// Len reports stored captures.
func (s *Screenshots) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}
