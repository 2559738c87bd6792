// Package subagent implements the sub-agent runtime: named agent
// configurations that run an isolated conversation loop, the process-wide
// tracker of currently-running instances, and the inter-agent/spawned-result
// queues those instances use to talk to each other and to the main loop.
package subagent

import (
	"sync"
	"time"
)

// Instance is one running sub-agent: the tracker's view of a live spawn.
type Instance struct {
	InstanceID string
	AgentID    string
	Name       string
	Prompt     string
	StartedAt  time.Time

	inbox      chan string // injected user messages
	interAgent chan string // messages from sibling agents
}

// Tracker is the process-wide observable registry of running sub-agents
// (spec §4.K), plus the spawned-result queue the main loop drains between
// tool rounds.
type Tracker struct {
	mu        sync.Mutex
	instances map[string]*Instance
	listeners []chan []Instance

	spawnedMu      sync.Mutex
	spawnedResults []SpawnedResult
}

// SpawnedResult is the outcome of a sub-agent spawned by another sub-agent,
// buffered for the main loop to inject as a user turn.
type SpawnedResult struct {
	InstanceID string
	AgentID    string
	Text       string
}

// NewTracker builds an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{instances: make(map[string]*Instance)}
}

// Register adds a new running instance and returns it.
func (t *Tracker) Register(instanceID, agentID, name, prompt string) *Instance {
	inst := &Instance{
		InstanceID: instanceID,
		AgentID:    agentID,
		Name:       name,
		Prompt:     prompt,
		StartedAt:  time.Now(),
		inbox:      make(chan string, 16),
		interAgent: make(chan string, 16),
	}
	t.mu.Lock()
	t.instances[instanceID] = inst
	t.mu.Unlock()
	t.notify()
	return inst
}

// Unregister removes an instance on return, closing its queues.
func (t *Tracker) Unregister(instanceID string) {
	t.mu.Lock()
	inst, ok := t.instances[instanceID]
	if ok {
		delete(t.instances, instanceID)
	}
	t.mu.Unlock()
	if ok {
		close(inst.inbox)
		close(inst.interAgent)
	}
	t.notify()
}

// List returns a referentially-stable snapshot of running instances,
// rebuilt on every mutation so observers can diff cheaply.
func (t *Tracker) List() []Instance {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Instance, 0, len(t.instances))
	for _, inst := range t.instances {
		out = append(out, *inst)
	}
	return out
}

// Count returns the number of currently-running instances.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.instances)
}

// Subscribe returns a channel that receives the current instance list on
// every registration/unregistration.
func (t *Tracker) Subscribe() <-chan []Instance {
	ch := make(chan []Instance, 1)
	t.mu.Lock()
	t.listeners = append(t.listeners, ch)
	t.mu.Unlock()
	return ch
}

func (t *Tracker) notify() {
	snapshot := t.List()
	t.mu.Lock()
	listeners := append([]chan []Instance(nil), t.listeners...)
	t.mu.Unlock()
	for _, ch := range listeners {
		select {
		case ch <- snapshot:
		default:
		}
	}
}

// byAgentID finds the first running instance of the given agent type, used
// to resolve send_message_to_agent targets.
func (t *Tracker) byAgentID(agentID string) (*Instance, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, inst := range t.instances {
		if inst.AgentID == agentID {
			return inst, true
		}
	}
	return nil, false
}

// SendToAgent enqueues msg on the target agent-type's inter-agent queue,
// delivered at the receiver's next iteration boundary. Returns false if no
// instance of that type is currently running.
func (t *Tracker) SendToAgent(agentID, msg string) bool {
	inst, ok := t.byAgentID(agentID)
	if !ok {
		return false
	}
	select {
	case inst.interAgent <- msg:
		return true
	default:
		return false
	}
}

// InjectUserMessage enqueues msg on one instance's inbound queue (e.g. a UI
// nudge), delivered at its next iteration boundary.
func (t *Tracker) InjectUserMessage(instanceID, msg string) bool {
	t.mu.Lock()
	inst, ok := t.instances[instanceID]
	t.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case inst.inbox <- msg:
		return true
	default:
		return false
	}
}

// DrainQueues pulls every pending inbound + inter-agent message for an
// instance, non-blocking, for the sub-agent loop to turn into synthetic
// user turns at the top of its next iteration.
func (inst *Instance) DrainQueues() []string {
	var out []string
	for {
		select {
		case m := <-inst.inbox:
			out = append(out, m)
		case m := <-inst.interAgent:
			out = append(out, m)
		default:
			return out
		}
	}
}

// PushSpawnedResult buffers the outcome of a sub-agent spawned by another
// sub-agent, for the main loop to drain and inject as a user message.
func (t *Tracker) PushSpawnedResult(r SpawnedResult) {
	t.spawnedMu.Lock()
	t.spawnedResults = append(t.spawnedResults, r)
	t.spawnedMu.Unlock()
}

// DrainSpawnedResults returns and clears the buffered spawned results.
func (t *Tracker) DrainSpawnedResults() []SpawnedResult {
	t.spawnedMu.Lock()
	defer t.spawnedMu.Unlock()
	out := t.spawnedResults
	t.spawnedResults = nil
	return out
}

// WaitForSpawnedAgents blocks until no instances with the given id prefix
// remain registered, or timeout elapses.
func (t *Tracker) WaitForSpawnedAgents(prefix string, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		remaining := false
		t.mu.Lock()
		for id := range t.instances {
			if len(id) >= len(prefix) && id[:len(prefix)] == prefix {
				remaining = true
				break
			}
		}
		t.mu.Unlock()
		if !remaining {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}
