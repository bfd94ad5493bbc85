package configdoc

import (
	"encoding/json"
	"fmt"

	"github.com/harunnryd/kanri/internal/sandboxpolicy"
)

// Document is the shared config document. Keys the orchestrator does not
// own are carried in Extra and written back untouched.
type Document struct {
	Agents   Agents                     `json:"agents"`
	Bindings []Binding                  `json:"bindings"`
	Extra    map[string]json.RawMessage `json:"-"`
}

type Agents struct {
	List  []AgentEntry               `json:"list"`
	Extra map[string]json.RawMessage `json:"-"`
}

type AgentEntry struct {
	ID        string                     `json:"id"`
	Name      string                     `json:"name,omitempty"`
	Workspace string                     `json:"workspace,omitempty"`
	AgentDir  string                     `json:"agentDir,omitempty"`
	Sandbox   *sandboxpolicy.Policy      `json:"sandbox,omitempty"`
	Extra     map[string]json.RawMessage `json:"-"`
}

type Binding struct {
	AgentID string       `json:"agentId" yaml:"agent_id"`
	Match   BindingMatch `json:"match" yaml:"match"`
}

type BindingMatch struct {
	Channel string `json:"channel" yaml:"channel"`
	Peer    *Peer  `json:"peer,omitempty" yaml:"peer,omitempty"`
}

type Peer struct {
	Kind string `json:"kind" yaml:"kind"`
	ID   string `json:"id" yaml:"id"`
}

// NewBinding binds a direct-message peer on channel to agentID.
func NewBinding(agentID, channel, identity string) Binding {
	return Binding{
		AgentID: agentID,
		Match: BindingMatch{
			Channel: channel,
			Peer:    &Peer{Kind: "dm", ID: identity},
		},
	}
}

// Identity returns the bound peer id, or "" when the binding has no peer.
func (b Binding) Identity() string {
	if b.Match.Peer == nil {
		return ""
	}
	return b.Match.Peer.ID
}

// AgentIDs returns the set of agent ids in the document.
func (d *Document) AgentIDs() map[string]struct{} {
	ids := make(map[string]struct{}, len(d.Agents.List))
	for _, a := range d.Agents.List {
		ids[a.ID] = struct{}{}
	}
	return ids
}

func (d *Document) FindAgent(id string) (AgentEntry, bool) {
	for _, a := range d.Agents.List {
		if a.ID == id {
			return a, true
		}
	}
	return AgentEntry{}, false
}

// BindingFor returns the agent bound to identity, if any.
func (d *Document) BindingFor(identity string) (Binding, bool) {
	for _, b := range d.Bindings {
		if b.Identity() == identity {
			return b, true
		}
	}
	return Binding{}, false
}

var (
	documentKeys = []string{"agents", "bindings"}
	agentsKeys   = []string{"list"}
)

// sandbox is left in Extra on read so hand-written policies round-trip losslessly.
var entryKeys = []string{"id", "name", "workspace", "agentDir"}

func (d Document) MarshalJSON() ([]byte, error) {
	type plain Document
	bindings := d.Bindings
	if bindings == nil {
		bindings = []Binding{}
	}
	p := plain(d)
	p.Bindings = bindings
	return mergeExtra(p, d.Extra)
}

func (d *Document) UnmarshalJSON(data []byte) error {
	type plain Document
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	extra, err := splitExtra(data, documentKeys)
	if err != nil {
		return err
	}
	*d = Document(p)
	d.Extra = extra
	return nil
}

func (a Agents) MarshalJSON() ([]byte, error) {
	type plain Agents
	p := plain(a)
	if p.List == nil {
		p.List = []AgentEntry{}
	}
	return mergeExtra(p, a.Extra)
}

func (a *Agents) UnmarshalJSON(data []byte) error {
	type plain Agents
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	extra, err := splitExtra(data, agentsKeys)
	if err != nil {
		return err
	}
	*a = Agents(p)
	a.Extra = extra
	return nil
}

func (e AgentEntry) MarshalJSON() ([]byte, error) {
	type plain AgentEntry
	return mergeExtra(plain(e), e.Extra)
}

func (e *AgentEntry) UnmarshalJSON(data []byte) error {
	type plain AgentEntry
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	extra, err := splitExtra(data, entryKeys)
	if err != nil {
		return err
	}
	p.Sandbox = nil
	*e = AgentEntry(p)
	e.Extra = extra
	return nil
}

// Policy decodes the entry's sandbox section.
func (e AgentEntry) Policy() (*sandboxpolicy.Policy, error) {
	if e.Sandbox != nil {
		return e.Sandbox, nil
	}
	raw, ok := e.Extra["sandbox"]
	if !ok {
		return nil, nil
	}
	var p sandboxpolicy.Policy
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode sandbox for %s: %w", e.ID, err)
	}
	return &p, nil
}

// splitExtra returns the top-level members of data not named in known.
func splitExtra(data []byte, known []string) (map[string]json.RawMessage, error) {
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, err
	}
	for _, k := range known {
		delete(all, k)
	}
	if len(all) == 0 {
		return nil, nil
	}
	return all, nil
}

// mergeExtra encodes v and adds the extra members. Known fields win on collision.
func mergeExtra(v any, extra map[string]json.RawMessage) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if len(extra) == 0 {
		return data, nil
	}

	var known map[string]json.RawMessage
	if err := json.Unmarshal(data, &known); err != nil {
		return nil, fmt.Errorf("re-decode known fields: %w", err)
	}

	merged := make(map[string]json.RawMessage, len(known)+len(extra))
	for k, v := range extra {
		merged[k] = v
	}
	for k, v := range known {
		merged[k] = v
	}
	return json.Marshal(merged)
}
