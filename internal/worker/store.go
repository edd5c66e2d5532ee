package worker

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/viyv/viyv-browser/internal/protocol"
)

// GroupState is the persisted shape of one agent's tab group.
type GroupState struct {
	AgentID      string `json:"agentId"`
	AgentName    string `json:"agentName"`
	GroupID      string `json:"groupId"`
	Color        string `json:"color"`
	Tabs         []int  `json:"tabs"`
	Status       string `json:"status"`
	LastActivity int64  `json:"lastActivity"`
}

// Store persists agent-group assignments so session recovery can rebind
// them after a worker restart. One JSON document per agent.
type Store struct {
	db *sql.DB
}

// OpenStore opens (creating if needed) the durable store at path.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS agent_groups (
		agent_id TEXT PRIMARY KEY,
		doc      TEXT NOT NULL,
		updated  INTEGER NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("init store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveGroup upserts one agent's group state.
func (s *Store) SaveGroup(state GroupState) error {
	doc, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal group: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO agent_groups (agent_id, doc, updated) VALUES (?, ?, ?)
		 ON CONFLICT(agent_id) DO UPDATE SET doc = excluded.doc, updated = excluded.updated`,
		state.AgentID, string(doc), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("save group: %w", err)
	}
	return nil
}

// LoadGroup fetches one agent's persisted state.
func (s *Store) LoadGroup(agentID string) (GroupState, bool, error) {
	var doc string
	err := s.db.QueryRow(`SELECT doc FROM agent_groups WHERE agent_id = ?`, agentID).Scan(&doc)
	if err == sql.ErrNoRows {
		return GroupState{}, false, nil
	}
	if err != nil {
		return GroupState{}, false, fmt.Errorf("load group: %w", err)
	}
	var state GroupState
	if err := json.Unmarshal([]byte(doc), &state); err != nil {
		return GroupState{}, false, fmt.Errorf("decode group %s: %w", agentID, err)
	}
	return state, true, nil
}

// LoadAll returns every persisted group keyed by agent id.
func (s *Store) LoadAll() (map[string]GroupState, error) {
	rows, err := s.db.Query(`SELECT doc FROM agent_groups`)
	if err != nil {
		return nil, fmt.Errorf("load groups: %w", err)
	}
	defer rows.Close()

	out := make(map[string]GroupState)
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var state GroupState
		if err := json.Unmarshal([]byte(doc), &state); err != nil {
			continue // a corrupt row must not block the rest
		}
		out[state.AgentID] = state
	}
	return out, rows.Err()
}

// DeleteGroup removes one agent's persisted state.
func (s *Store) DeleteGroup(agentID string) error {
	_, err := s.db.Exec(`DELETE FROM agent_groups WHERE agent_id = ?`, agentID)
	return err
}

// ImportLegacy ingests the prior JSON-file layout. Both shapes of the
// sessions field are accepted: a map keyed by agent id and a plain array.
func (s *Store) ImportLegacy(data []byte) (int, error) {
	var asMap struct {
		Sessions map[string]GroupState `json:"sessions"`
	}
	if err := protocol.Unmarshal(data, &asMap); err == nil && len(asMap.Sessions) > 0 {
		n := 0
		for agentID, state := range asMap.Sessions {
			if state.AgentID == "" {
				state.AgentID = agentID
			}
			if err := s.SaveGroup(state); err != nil {
				return n, err
			}
			n++
		}
		return n, nil
	}

	var asList struct {
		Sessions []GroupState `json:"sessions"`
	}
	if err := protocol.Unmarshal(data, &asList); err != nil {
		return 0, fmt.Errorf("legacy import: %w", err)
	}
	n := 0
	for _, state := range asList.Sessions {
		if state.AgentID == "" {
			continue
		}
		if err := s.SaveGroup(state); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
