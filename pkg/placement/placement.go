package placement

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"gridxfer/pkg/types"
)

// ElementHealth represents the health status of a storage element
type ElementHealth int

const (
	ElementHealthy ElementHealth = iota
	ElementDegraded
	ElementUnhealthy
)

func (h ElementHealth) String() string {
	switch h {
	case ElementHealthy:
		return "healthy"
	case ElementDegraded:
		return "degraded"
	default:
		return "unhealthy"
	}
}

const (
	// Consecutive transport failures before an element is skipped
	DefaultUnhealthyAfter = 3
	// How long an unhealthy element is skipped before it is tried again
	DefaultRetryAfter = 30 * time.Second
)

// ElementInfo contains what the engine knows about a storage element
type ElementInfo struct {
	Element types.StorageElement
	Health  ElementHealth
	// Transfers currently running against the element
	Active   int
	failures int
	retryAt  time.Time
}

// Engine ranks storage elements for writes and replicas for reads
type Engine struct {
	mu sync.RWMutex

	elements map[types.ElementName]*ElementInfo

	unhealthyAfter int
	retryAfter     time.Duration
	now            func() time.Time
}

// NewEngine creates a new placement engine
func NewEngine() *Engine {
	return &Engine{
		elements:       make(map[types.ElementName]*ElementInfo),
		unhealthyAfter: DefaultUnhealthyAfter,
		retryAfter:     DefaultRetryAfter,
		now:            time.Now,
	}
}

// RegisterElement adds or updates a storage element
func (e *Engine) RegisterElement(se types.StorageElement) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if info, exists := e.elements[se.Name]; exists {
		info.Element = se
		return
	}
	e.elements[se.Name] = &ElementInfo{Element: se, Health: ElementHealthy}
}

// TransferStarted counts a transfer against the element's load.
func (e *Engine) TransferStarted(name types.ElementName) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if info, exists := e.elements[name]; exists {
		info.Active++
	}
}

// TransferFinished releases the element's load and updates its health. A
// success clears earlier failures. Transport failures degrade the element and
// enough of them in a row take it out of placement for a while. Other errors
// say nothing about the element itself.
func (e *Engine) TransferFinished(name types.ElementName, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	info, exists := e.elements[name]
	if !exists {
		return
	}
	if info.Active > 0 {
		info.Active--
	}

	switch {
	case err == nil:
		info.failures = 0
		info.Health = ElementHealthy
	case types.IsCode(err, types.CodeTransportFailure):
		info.failures++
		if info.failures >= e.unhealthyAfter {
			info.Health = ElementUnhealthy
			info.retryAt = e.now().Add(e.retryAfter)
		} else {
			info.Health = ElementDegraded
		}
	}
}

// Health returns the element's current health.
func (e *Engine) Health(name types.ElementName) ElementHealth {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if info, exists := e.elements[name]; exists {
		return info.Health
	}
	return ElementHealthy
}

// usable reports whether placement may pick the element. Unhealthy elements
// become usable again once their retry time has passed.
func (e *Engine) usable(info *ElementInfo) bool {
	return info.Health != ElementUnhealthy || !e.now().Before(info.retryAt)
}

// Element returns a snapshot of a registered element
func (e *Engine) Element(name types.ElementName) (types.StorageElement, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	info, exists := e.elements[name]
	if !exists {
		return types.StorageElement{}, false
	}
	return info.Element, true
}

// Elements returns snapshots of all registered elements ordered by name
func (e *Engine) Elements() []types.StorageElement {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]types.StorageElement, 0, len(e.elements))
	for _, info := range e.elements {
		out = append(out, info.Element)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Target is one element picked for a write
type Target struct {
	Element  types.StorageElement
	QoSClass string
	Explicit bool
}

// WriteRequest describes a write placement
type WriteRequest struct {
	Include []string
	Exclude []string
	Counts  map[string]int
}

// SelectWriteTargets picks explicit targets first, then count elements per
// QoS class. Elements are never picked twice and excluded elements never at
// all. Fewer targets than requested is not an error; none at all is.
func (e *Engine) SelectWriteTargets(req WriteRequest) ([]Target, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	used := make(map[types.ElementName]bool)
	for _, name := range req.Exclude {
		used[types.ElementName(name)] = true
	}

	var targets []Target

	for _, name := range req.Include {
		info, exists := e.elements[types.ElementName(name)]
		if !exists || used[info.Element.Name] || !e.usable(info) {
			continue
		}
		used[info.Element.Name] = true
		targets = append(targets, Target{Element: info.Element, Explicit: true})
	}

	classes := make([]string, 0, len(req.Counts))
	for c := range req.Counts {
		classes = append(classes, c)
	}
	sort.Strings(classes)

	for _, class := range classes {
		candidates := e.candidatesForClass(class, used)
		for i := 0; i < req.Counts[class] && i < len(candidates); i++ {
			used[candidates[i].Element.Name] = true
			targets = append(targets, Target{Element: candidates[i].Element, QoSClass: class})
		}
	}

	if len(targets) == 0 {
		return nil, fmt.Errorf("no storage element satisfies the request")
	}
	return targets, nil
}

// candidatesForClass returns unused healthy elements offering class, best first
func (e *Engine) candidatesForClass(class string, used map[types.ElementName]bool) []*ElementInfo {
	var nodes []*ElementInfo
	for _, info := range e.elements {
		if used[info.Element.Name] || !e.usable(info) {
			continue
		}
		if !info.Element.Offers(class) {
			continue
		}
		nodes = append(nodes, info)
	}

	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].Health != nodes[j].Health {
			return nodes[i].Health < nodes[j].Health
		}
		if nodes[i].Element.WriteCost != nodes[j].Element.WriteCost {
			return nodes[i].Element.WriteCost < nodes[j].Element.WriteCost
		}
		if nodes[i].Active != nodes[j].Active {
			return nodes[i].Active < nodes[j].Active
		}
		return nodes[i].Element.Name < nodes[j].Element.Name
	})

	return nodes
}

// RankForRead orders replicas for reading: explicitly included elements
// first, then by health, read cost and load. Excluded and unhealthy elements
// are dropped.
func (e *Engine) RankForRead(replicas []types.PhysicalReplica, include, exclude []string) []types.PhysicalReplica {
	e.mu.RLock()
	defer e.mu.RUnlock()

	skip := make(map[types.ElementName]bool)
	for _, name := range exclude {
		skip[types.ElementName(name)] = true
	}
	preferred := make(map[types.ElementName]int)
	for i, name := range include {
		preferred[types.ElementName(name)] = i + 1
	}

	ranked := make([]types.PhysicalReplica, 0, len(replicas))
	for _, r := range replicas {
		if skip[r.Element.Name] {
			continue
		}
		if info, ok := e.elements[r.Element.Name]; ok {
			if !e.usable(info) {
				continue
			}
			r.Element = info.Element
		}
		ranked = append(ranked, r)
	}

	score := func(r types.PhysicalReplica) (int, ElementHealth, float64, int) {
		pref := len(include) + 1
		if p, ok := preferred[r.Element.Name]; ok {
			pref = p
		}
		health := ElementHealthy
		load := 0
		if info, ok := e.elements[r.Element.Name]; ok {
			health = info.Health
			load = info.Active
		}
		return pref, health, r.Element.ReadCost, load
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		pi, hi, ci, li := score(ranked[i])
		pj, hj, cj, lj := score(ranked[j])
		if pi != pj {
			return pi < pj
		}
		if hi != hj {
			return hi < hj
		}
		if ci != cj {
			return ci < cj
		}
		return li < lj
	})

	return ranked
}
