package worker

import (
	"sort"
	"sync"
	"time"

	"github.com/viyv/viyv-browser/internal/shared/id"
)

// groupColors cycles as agents appear; the browser renders each agent's
// tab group in its color.
var groupColors = []string{"blue", "red", "yellow", "green", "pink", "purple", "cyan", "orange"}

// Group is one agent's exclusive tab set.
type Group struct {
	GroupID   string
	AgentID   string
	AgentName string
	Color     string
	Tabs      map[int]struct{}
	CreatedAt time.Time
}

// Groups maps agents to tab groups. Membership is exclusive: every tab
// belongs to at most one agent, enforced through the reverse index.
type Groups struct {
	mu       sync.Mutex
	byAgent  map[string]*Group
	tabOwner map[int]string
	colorIdx int
}

// NewGroups builds an empty group table.
func NewGroups() *Groups {
	return &Groups{
		byAgent:  make(map[string]*Group),
		tabOwner: make(map[int]string),
	}
}

// Ensure returns the agent's group, creating one on first use.
func (g *Groups) Ensure(agentID, agentName string) *Group {
	g.mu.Lock()
	defer g.mu.Unlock()
	if grp, ok := g.byAgent[agentID]; ok {
		return grp
	}
	grp := &Group{
		GroupID:   id.NewGroupID().String(),
		AgentID:   agentID,
		AgentName: agentName,
		Color:     groupColors[g.colorIdx%len(groupColors)],
		Tabs:      make(map[int]struct{}),
		CreatedAt: time.Now(),
	}
	g.colorIdx++
	g.byAgent[agentID] = grp
	return grp
}

// AddTab claims a tab for an agent. It reports false when another agent
// already owns the tab.
func (g *Groups) AddTab(agentID string, tabID int) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if owner, ok := g.tabOwner[tabID]; ok && owner != agentID {
		return false
	}
	grp, ok := g.byAgent[agentID]
	if !ok {
		return false
	}
	grp.Tabs[tabID] = struct{}{}
	g.tabOwner[tabID] = agentID
	return true
}

// RemoveTab releases a tab from whichever group holds it.
func (g *Groups) RemoveTab(tabID int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if owner, ok := g.tabOwner[tabID]; ok {
		if grp, ok := g.byAgent[owner]; ok {
			delete(grp.Tabs, tabID)
		}
		delete(g.tabOwner, tabID)
	}
}

// Owner returns the agent owning a tab.
func (g *Groups) Owner(tabID int) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	owner, ok := g.tabOwner[tabID]
	return owner, ok
}

// Owns reports whether agentID owns tabID.
func (g *Groups) Owns(agentID string, tabID int) bool {
	owner, ok := g.Owner(tabID)
	return ok && owner == agentID
}

// Tabs returns the agent's tab ids in ascending order.
func (g *Groups) Tabs(agentID string) []int {
	g.mu.Lock()
	defer g.mu.Unlock()
	grp, ok := g.byAgent[agentID]
	if !ok {
		return nil
	}
	tabs := make([]int, 0, len(grp.Tabs))
	for tabID := range grp.Tabs {
		tabs = append(tabs, tabID)
	}
	sort.Ints(tabs)
	return tabs
}

// Remove deletes an agent's group and returns the tabs it held.
func (g *Groups) Remove(agentID string) []int {
	g.mu.Lock()
	defer g.mu.Unlock()
	grp, ok := g.byAgent[agentID]
	if !ok {
		return nil
	}
	tabs := make([]int, 0, len(grp.Tabs))
	for tabID := range grp.Tabs {
		tabs = append(tabs, tabID)
		delete(g.tabOwner, tabID)
	}
	delete(g.byAgent, agentID)
	sort.Ints(tabs)
	return tabs
}

// Get returns the group for agentID.
func (g *Groups) Get(agentID string) (*Group, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	grp, ok := g.byAgent[agentID]
	return grp, ok
}

// Restore rebinds a persisted group verbatim, used by session recovery.
func (g *Groups) Restore(state GroupState) *Group {
	g.mu.Lock()
	defer g.mu.Unlock()
	grp := &Group{
		GroupID:   state.GroupID,
		AgentID:   state.AgentID,
		AgentName: state.AgentName,
		Color:     state.Color,
		Tabs:      make(map[int]struct{}, len(state.Tabs)),
		CreatedAt: time.Now(),
	}
	for _, tabID := range state.Tabs {
		if owner, ok := g.tabOwner[tabID]; ok && owner != state.AgentID {
			continue // tab was claimed by someone else in the meantime
		}
		grp.Tabs[tabID] = struct{}{}
		g.tabOwner[tabID] = state.AgentID
	}
	g.byAgent[state.AgentID] = grp
	return grp
}
