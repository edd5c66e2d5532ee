package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/viyv/viyv-browser/internal/protocol"
)

// SimBrowser is an in-memory Browser for local development and tests. It
// keeps a fake tab table and answers every action with canned results; the
// real implementation lives inside the browser.
type SimBrowser struct {
	mu       sync.Mutex
	tabs     map[int]*TabInfo
	nextTab  int
	attached map[int]bool

	// AttachErr, when set, makes every debugger attach fail.
	AttachErr error

	// AttachDelay slows attach down so tests can observe the shared
	// in-flight attach.
	AttachDelay time.Duration

	attachCalls int
	detachCalls int
}

// NewSimBrowser builds an empty simulated browser.
func NewSimBrowser() *SimBrowser {
	return &SimBrowser{
		tabs:     make(map[int]*TabInfo),
		attached: make(map[int]bool),
		nextTab:  1,
	}
}

// AddTab seeds a tab with a fixed id.
func (s *SimBrowser) AddTab(tabID int, url, title string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tabs[tabID] = &TabInfo{ID: tabID, URL: url, Title: title}
	if tabID >= s.nextTab {
		s.nextTab = tabID + 1
	}
}

// AttachCalls reports how many debugger attaches ran.
func (s *SimBrowser) AttachCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attachCalls
}

// DetachCalls reports how many debugger detaches ran.
func (s *SimBrowser) DetachCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detachCalls
}

func (s *SimBrowser) tab(tabID int) (*TabInfo, *protocol.WireError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tab, ok := s.tabs[tabID]
	if !ok {
		return nil, protocol.Errf(protocol.CodeTabNotFound, "tab %d does not exist", tabID)
	}
	return tab, nil
}

func (s *SimBrowser) Navigate(_ context.Context, tabID int, url string) (json.RawMessage, error) {
	tab, werr := s.tab(tabID)
	if werr != nil {
		return nil, werr
	}
	s.mu.Lock()
	tab.URL = url
	tab.Title = "Example Domain"
	s.mu.Unlock()
	return protocol.Marshal(map[string]string{"url": url, "title": tab.Title})
}

func (s *SimBrowser) Click(_ context.Context, tabID int, ref string, x, y *float64) (json.RawMessage, error) {
	if _, werr := s.tab(tabID); werr != nil {
		return nil, werr
	}
	return protocol.Marshal(map[string]any{"clicked": true, "ref": ref})
}

func (s *SimBrowser) TypeText(_ context.Context, tabID int, ref, text string) (json.RawMessage, error) {
	if _, werr := s.tab(tabID); werr != nil {
		return nil, werr
	}
	return protocol.Marshal(map[string]any{"typed": len(text)})
}

func (s *SimBrowser) Screenshot(_ context.Context, tabID int, format string) (string, error) {
	if _, werr := s.tab(tabID); werr != nil {
		return "", werr
	}
	if format == "" {
		format = "png"
	}
	return "ZmFrZS0" + format, nil
}

func (s *SimBrowser) ScrapePage(_ context.Context, tabID int, selector string) (json.RawMessage, error) {
	tab, werr := s.tab(tabID)
	if werr != nil {
		return nil, werr
	}
	return protocol.Marshal(map[string]any{
		"url":      tab.URL,
		"selector": selector,
		"text":     "scraped content",
	})
}

func (s *SimBrowser) WaitFor(ctx context.Context, tabID int, selector string, timeout time.Duration) (json.RawMessage, error) {
	if _, werr := s.tab(tabID); werr != nil {
		return nil, werr
	}
	// The simulator never finds anything; it waits the full duration,
	// which exercises the caller-side deadline paths.
	select {
	case <-ctx.Done():
		return nil, protocol.Errf(protocol.CodeTimeout, "selector %q not found", selector)
	case <-time.After(timeout):
		return nil, protocol.Errf(protocol.CodeTimeout, "selector %q not found", selector)
	}
}

func (s *SimBrowser) Evaluate(_ context.Context, tabID int, expression string) (json.RawMessage, error) {
	if _, werr := s.tab(tabID); werr != nil {
		return nil, werr
	}
	return protocol.Marshal(map[string]any{"value": nil, "expression": expression})
}

func (s *SimBrowser) CreateTab(_ context.Context, url string) (TabInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tabID := s.nextTab
	s.nextTab++
	tab := &TabInfo{ID: tabID, URL: url, Title: fmt.Sprintf("Tab %d", tabID)}
	s.tabs[tabID] = tab
	return *tab, nil
}

func (s *SimBrowser) CloseTab(_ context.Context, tabID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tabs[tabID]; !ok {
		return protocol.Errf(protocol.CodeTabNotFound, "tab %d does not exist", tabID)
	}
	delete(s.tabs, tabID)
	delete(s.attached, tabID)
	return nil
}

func (s *SimBrowser) ListTabs(_ context.Context) ([]TabInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TabInfo, 0, len(s.tabs))
	for _, tab := range s.tabs {
		out = append(out, *tab)
	}
	return out, nil
}

func (s *SimBrowser) AttachDebugger(ctx context.Context, tabID int) error {
	s.mu.Lock()
	delay := s.AttachDelay
	failErr := s.AttachErr
	s.attachCalls++
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	if failErr != nil {
		return failErr
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tabs[tabID]; !ok {
		return protocol.Errf(protocol.CodeTabNotFound, "tab %d does not exist", tabID)
	}
	s.attached[tabID] = true
	return nil
}

func (s *SimBrowser) DetachDebugger(_ context.Context, tabID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detachCalls++
	delete(s.attached, tabID)
	return nil
}
