// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package orchestrator

import (
	"fmt"
	"sync"
)

// State is the lifecycle position of a run.
type State int

const (
	StateIdle State = iota
	StatePartitioning
	StateRunning
	StateMerging
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StatePartitioning:
		return "Partitioning"
	case StateRunning:
		return "Running"
	case StateMerging:
		return "Merging"
	case StateDone:
		return "Done"
	case StateFailed:
		return "Failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// IsTerminal reports whether no further transition is possible.
func (s State) IsTerminal() bool {
	return s == StateDone || s == StateFailed
}

func isAllowedTransition(from, to State) bool {
	switch from {
	case StateIdle:
		return to == StatePartitioning
	case StatePartitioning:
		return to == StateRunning || to == StateFailed
	case StateRunning:
		return to == StateMerging || to == StateFailed
	case StateMerging:
		return to == StateDone || to == StateFailed
	default:
		return false
	}
}

// stateMachine records every transition so tests and the report can show
// the path a run took.
type stateMachine struct {
	mu      sync.Mutex
	cur     State
	history []State
}

func newStateMachine() *stateMachine {
	return &stateMachine{cur: StateIdle, history: []State{StateIdle}}
}

// transition moves from -> to. The expected prior state makes misuse visible.
func (m *stateMachine) transition(from, to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur != from {
		return fmt.Errorf("invalid transition: expected %s, got %s", from, m.cur)
	}
	if !isAllowedTransition(from, to) {
		return fmt.Errorf("disallowed transition: %s -> %s", from, to)
	}
	m.cur = to
	m.history = append(m.history, to)
	return nil
}

// fail moves the current state to Failed if that is allowed.
func (m *stateMachine) fail() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if isAllowedTransition(m.cur, StateFailed) {
		m.cur = StateFailed
		m.history = append(m.history, StateFailed)
	}
}

func (m *stateMachine) current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cur
}

func (m *stateMachine) path() []State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]State(nil), m.history...)
}
