package firmware

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattjoyce/motionhost/internal/code"
)

var axes = [...]byte{'X', 'Y', 'Z', 'E'}

// moveState is the coordinate bookkeeping of one motion system.
type moveState struct {
	absoluteCoord   bool
	absoluteExtrude bool
	basePosition    [len(axes)]float64
	lastPosition    [len(axes)]float64
	feedRate        float64
}

func newMoveState() *moveState {
	return &moveState{absoluteCoord: true, absoluteExtrude: true, feedRate: 3000}
}

// position returns the user visible coordinates.
func (m *moveState) position() [len(axes)]float64 {
	var out [len(axes)]float64
	for i := range out {
		out[i] = m.lastPosition[i] - m.basePosition[i]
	}
	return out
}

func (m *moveState) move(c *code.Code) error {
	for i, axis := range axes {
		v, ok, err := c.FloatParam(axis)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		absolute := m.absoluteCoord
		if axis == 'E' && !m.absoluteExtrude {
			absolute = false
		}
		if absolute || c.Flags.Has(code.EnforceAbsolutePosition) {
			m.lastPosition[i] = v + m.basePosition[i]
		} else {
			m.lastPosition[i] += v
		}
	}
	f, ok, err := c.FloatParam('F')
	if err != nil {
		return err
	}
	if ok {
		if f <= 0 {
			return fmt.Errorf("invalid feed rate F%v", f)
		}
		m.feedRate = f
	}
	return nil
}

// setPosition implements G92: the given axes report v without moving.
func (m *moveState) setPosition(c *code.Code) error {
	anySet := false
	for i, axis := range axes {
		v, ok, err := c.FloatParam(axis)
		if err != nil {
			return err
		}
		if ok {
			anySet = true
			m.basePosition[i] = m.lastPosition[i] - v
		}
	}
	if !anySet {
		m.basePosition = m.lastPosition
	}
	return nil
}

func (m *moveState) home(c *code.Code) {
	anyAxis := false
	for i, axis := range axes[:3] {
		if _, ok := c.Param(axis); ok {
			anyAxis = true
			m.lastPosition[i] = 0
			m.basePosition[i] = 0
		}
	}
	if !anyAxis {
		for i := range axes[:3] {
			m.lastPosition[i] = 0
			m.basePosition[i] = 0
		}
	}
}

// MachineStatus is a snapshot of the simulated machine.
type MachineStatus struct {
	Tool     int                  `json:"tool"`
	Absolute bool                 `json:"absolute"`
	Systems  []map[string]float64 `json:"motion_systems"`
	Selected map[string]int       `json:"selected_motion_system,omitempty"`
}

// machine answers codes the way a firmware would, without moving anything.
type machine struct {
	name string

	mu       sync.Mutex
	systems  []*moveState
	selected map[code.Channel]int
	tool     int
}

func newMachine(name string, motionSystems int) *machine {
	if motionSystems < 1 {
		motionSystems = 1
	}
	m := &machine{name: name, selected: make(map[code.Channel]int), tool: -1}
	for i := 0; i < motionSystems; i++ {
		m.systems = append(m.systems, newMoveState())
	}
	return m
}

// execute returns the firmware reply for c. G4 may block for the dwell time.
func (m *machine) execute(ctx context.Context, c *code.Code) (*code.Result, error) {
	if c.Is(code.TypeG, 4) {
		return m.dwell(ctx, c)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	ms := m.systems[m.selected[c.Channel]]

	switch c.Type {
	case code.TypeG:
		switch c.Major {
		case 0, 1:
			if err := ms.move(c); err != nil {
				return code.Errorf("%s: %v", c.ShortString(), err), nil
			}
		case 28:
			ms.home(c)
		case 90:
			ms.absoluteCoord = true
		case 91:
			ms.absoluteCoord = false
		case 92:
			if err := ms.setPosition(c); err != nil {
				return code.Errorf("G92: %v", err), nil
			}
		}
	case code.TypeM:
		switch c.Major {
		case 82:
			ms.absoluteExtrude = true
		case 83:
			ms.absoluteExtrude = false
		case 114:
			return code.Success(formatPosition(ms.position())), nil
		case 115:
			return code.Success(fmt.Sprintf("FIRMWARE_NAME: %s FIRMWARE_ELECTRONICS: loopback MOTION_SYSTEMS: %d", m.name, len(m.systems))), nil
		case 596:
			p, err := c.IntParam('P', 0)
			if err != nil {
				return code.Errorf("M596: %v", err), nil
			}
			if p < 0 || int(p) >= len(m.systems) {
				return code.Errorf("M596: motion system %d out of range", p), nil
			}
			m.selected[c.Channel] = int(p)
		}
	case code.TypeT:
		if c.Major < 0 {
			if m.tool < 0 {
				return code.Success("No tool is selected"), nil
			}
			return code.Success(fmt.Sprintf("Tool %d is selected", m.tool)), nil
		}
		m.tool = c.Major
	}
	return code.Success(""), nil
}

func (m *machine) dwell(ctx context.Context, c *code.Code) (*code.Result, error) {
	d := time.Duration(0)
	if p, ok, err := c.FloatParam('P'); err != nil {
		return code.Errorf("G4: %v", err), nil
	} else if ok {
		d = time.Duration(p * float64(time.Millisecond))
	}
	if s, ok, err := c.FloatParam('S'); err != nil {
		return code.Errorf("G4: %v", err), nil
	} else if ok {
		d = time.Duration(s * float64(time.Second))
	}
	if d <= 0 {
		return code.Success(""), nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return code.Success(""), nil
	case <-c.Context().Done():
		return nil, code.ErrCancelled
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *machine) motionSystems() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.systems)
}

func (m *machine) status() MachineStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := MachineStatus{Tool: m.tool, Absolute: m.systems[0].absoluteCoord}
	for _, ms := range m.systems {
		pos := ms.position()
		entry := make(map[string]float64, len(axes))
		for i, axis := range axes {
			entry[string(axis)] = pos[i]
		}
		st.Systems = append(st.Systems, entry)
	}
	if len(m.selected) > 0 {
		st.Selected = make(map[string]int, len(m.selected))
		for ch, idx := range m.selected {
			st.Selected[ch.String()] = idx
		}
	}
	return st
}

func formatPosition(pos [len(axes)]float64) string {
	parts := make([]string, len(axes))
	for i, axis := range axes {
		parts[i] = fmt.Sprintf("%c:%.3f", axis, pos[i])
	}
	return strings.Join(parts, " ")
}
