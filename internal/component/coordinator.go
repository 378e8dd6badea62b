package component

import (
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/fankserver/audiotranscriber/internal/coreerr"
)

// transitions lists, for each state, the set of states it may move to
// directly. FAILED is reachable from every state via the wildcard check in
// Transition rather than being listed per-entry.
var transitions = map[State][]State{
	StateUnregistered: {StateRegistered},
	StateRegistered:   {StateInitializing},
	StateInitializing: {StateRunning},
	StateRunning:      {StateDegraded, StateStopping},
	StateDegraded:     {StateRunning, StateStopping},
	StateStopping:     {StateStopped},
	StateStopped:      {},
	StateFailed:       {},
}

// Coordinator maintains the component registry and enforces the lifecycle
// state machine over it.
type Coordinator struct {
	mu      sync.Mutex
	records map[string]*Record
	seq     int
	logger  *logrus.Entry
}

// New returns an empty Coordinator.
func New() *Coordinator {
	return &Coordinator{
		records: make(map[string]*Record),
		logger:  logrus.WithField("component", "component-coordinator"),
	}
}

// Register adds a component to the registry. Registering an id that
// already exists is a DuplicateId error unless the existing record is in
// FAILED state, in which case registration is the explicit
// re-registration path out of FAILED: the record is
// replaced and reset to REGISTERED. Every dependency must already be
// registered, and the resulting graph must remain a DAG.
func (c *Coordinator) Register(rec Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	existing, exists := c.records[rec.ID]
	if exists && existing.state != StateFailed {
		return coreerr.New("component.register", coreerr.KindDuplicateID, rec.ID, "component already registered")
	}

	for _, dep := range rec.Dependencies {
		if dep == rec.ID {
			return coreerr.New("component.register", coreerr.KindDependencyCycle, rec.ID, "component depends on itself")
		}
		if _, ok := c.records[dep]; !ok {
			return coreerr.New("component.register", coreerr.KindDependencyCycle, rec.ID, "unknown dependency: "+dep)
		}
	}

	c.seq++
	newRec := &Record{
		ID:              rec.ID,
		Kind:            rec.Kind,
		Dependencies:    append([]string(nil), rec.Dependencies...),
		Component:       rec.Component,
		state:           StateRegistered,
		registrationSeq: c.seq,
	}

	c.records[rec.ID] = newRec
	if cyc := detectCycle(c.records); cyc {
		delete(c.records, rec.ID)
		if exists {
			c.records[rec.ID] = existing
		}
		return coreerr.New("component.register", coreerr.KindDependencyCycle, rec.ID, "registration would introduce a cycle")
	}

	return nil
}

func detectCycle(records map[string]*Record) bool {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(records))

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		rec, ok := records[id]
		if ok {
			for _, dep := range rec.Dependencies {
				switch color[dep] {
				case gray:
					return true
				case white:
					if visit(dep) {
						return true
					}
				}
			}
		}
		color[id] = black
		return false
	}

	for id := range records {
		if color[id] == white {
			if visit(id) {
				return true
			}
		}
	}
	return false
}

// ResolveInitOrder returns registered component ids in dependency order
// (Kahn's algorithm), ties broken by registration order for determinism.
func (c *Coordinator) ResolveInitOrder() ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.topoSort()
}

// ResolveShutdownOrder is the reverse of ResolveInitOrder.
func (c *Coordinator) ResolveShutdownOrder() ([]string, error) {
	order, err := c.ResolveInitOrder()
	if err != nil {
		return nil, err
	}
	reversed := make([]string, len(order))
	for i, id := range order {
		reversed[len(order)-1-i] = id
	}
	return reversed, nil
}

func (c *Coordinator) topoSort() ([]string, error) {
	inDegree := make(map[string]int, len(c.records))
	dependents := make(map[string][]string, len(c.records))

	for id, rec := range c.records {
		if _, ok := inDegree[id]; !ok {
			inDegree[id] = 0
		}
		for _, dep := range rec.Dependencies {
			inDegree[id]++
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var ready []string
	for id, deg := range inDegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		return c.records[ready[i]].registrationSeq < c.records[ready[j]].registrationSeq
	})

	var order []string
	for len(ready) > 0 {
		// Pop the lowest registration-sequence id for determinism.
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		var unlocked []string
		for _, dependent := range dependents[id] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				unlocked = append(unlocked, dependent)
			}
		}
		sort.Slice(unlocked, func(i, j int) bool {
			return c.records[unlocked[i]].registrationSeq < c.records[unlocked[j]].registrationSeq
		})
		ready = append(ready, unlocked...)
		sort.Slice(ready, func(i, j int) bool {
			return c.records[ready[i]].registrationSeq < c.records[ready[j]].registrationSeq
		})
	}

	if len(order) != len(c.records) {
		return nil, coreerr.New("component.resolve_order", coreerr.KindDependencyCycle, "", "cycle detected during sort")
	}
	return order, nil
}

// Transition moves a component to target, enforcing the allowed-edge
// table. FAILED is reachable from any state. Entering RUNNING
// requires every dependency to already be RUNNING or DEGRADED.
func (c *Coordinator) Transition(id string, target State) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.records[id]
	if !ok {
		return coreerr.New("component.transition", coreerr.KindInvalidTransition, id, "unknown component")
	}

	if target == StateFailed {
		rec.state = StateFailed
		return nil
	}

	allowed := transitions[rec.state]
	ok2 := false
	for _, s := range allowed {
		if s == target {
			ok2 = true
			break
		}
	}
	if !ok2 {
		return coreerr.New("component.transition", coreerr.KindInvalidTransition, id,
			"illegal transition "+string(rec.state)+" -> "+string(target))
	}

	if target == StateRunning {
		for _, dep := range rec.Dependencies {
			depRec, depOK := c.records[dep]
			if !depOK || (depRec.state != StateRunning && depRec.state != StateDegraded) {
				return coreerr.New("component.transition", coreerr.KindInvalidTransition, id,
					"dependency "+dep+" not running")
			}
		}
	}

	rec.state = target
	return nil
}

// State returns id's current lifecycle state.
func (c *Coordinator) State(id string) (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[id]
	if !ok {
		return "", false
	}
	return rec.state, true
}

// Snapshot returns an immutable copy of one component's record.
func (c *Coordinator) Snapshot(id string) (Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[id]
	if !ok {
		return Snapshot{}, false
	}
	return Snapshot{
		ID:               rec.ID,
		Kind:             rec.Kind,
		Dependencies:     append([]string(nil), rec.Dependencies...),
		State:            rec.state,
		RecoveryAttempts: rec.recoveryAttempts,
	}, true
}

// Degrade implements monitor.ErrorEscalator: it transitions a RUNNING
// component to DEGRADED. Already-degraded or non-running components are
// left alone (a no-op, not an error) since escalation only ever moves a
// component one step further down, never backward through this path.
func (c *Coordinator) Degrade(id string) error {
	state, ok := c.State(id)
	if !ok || state != StateRunning {
		return nil
	}
	return c.Transition(id, StateDegraded)
}

// Fail implements monitor.ErrorEscalator.
func (c *Coordinator) Fail(id string) error {
	return c.Transition(id, StateFailed)
}
