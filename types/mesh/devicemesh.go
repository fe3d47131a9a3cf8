// Package mesh defines the logical topology of the set of workers a
// distributed tensor lives on: an N-dimensional grid of devices with named
// axes, per-axis communicators and per-worker coordinates.
package mesh

import (
	"fmt"
	"slices"
	"strings"

	"github.com/pkg/errors"

	"github.com/gomlx/dtensor/internal/utils"
	"github.com/gomlx/dtensor/types/collectives"
)

// DeviceMesh defines the logical topology of a set of devices.
//
// Workers are laid out row-major over the axes: the device at mesh position p
// has coordinate c with p = c[0]*size(1)*...*size(n-1) + ... + c[n-1]. The
// device assignment can remap mesh positions to device ranks (see
// SetDeviceAssignment).
//
// A DeviceMesh value is cheap to share: all accessors treat it as read-only
// after construction.
type DeviceMesh struct {
	name string

	// axesNames are the names of the mesh axes.
	axesNames []string

	// axesSizes defines the number of devices along each mesh axis.
	axesSizes []int

	// nameToAxis maps axis names to their index.
	nameToAxis map[string]int

	// numDevices is the total number of devices in the mesh.
	numDevices int

	// deviceAssignment maps mesh positions (row-major) to device ranks.
	// If nil, position i is device rank i.
	deviceAssignment []int

	// deviceRank is this worker's device rank, or -1 when the mesh is not
	// bound to a worker (see WithCollectives).
	deviceRank int

	// comms holds one communicator per mesh axis, covering the devices that
	// share this worker's coordinates on every other axis. Only set when the
	// mesh is bound to a collectives backend.
	comms []collectives.Comm
}

// NewDeviceMesh creates a new logical topology of a set of devices.
//
//   - name: the name of the mesh; only letters, digits and underscores are
//     allowed (see NormalizeIdentifier in internal/utils).
//   - axesSizes: the number of devices along each mesh axis, one value per
//     axis, all strictly positive.
//   - axesNames: the names of the mesh axes, one per axis.
//
// The returned mesh is not bound to any worker: Coordinate() reports no
// membership and redistribution over it short-circuits to the identity. Use
// WithCollectives to bind it to a worker and a collectives backend.
func NewDeviceMesh(name string, axesSizes []int, axesNames []string) (*DeviceMesh, error) {
	if len(axesSizes) != len(axesNames) {
		return nil, errors.Errorf("axesSizes and axesNames must have the same length, got %d and %d",
			len(axesSizes), len(axesNames))
	}
	if len(axesSizes) == 0 {
		return nil, errors.New("DeviceMesh axesSizes cannot be empty")
	}
	if name != utils.NormalizeIdentifier(name) {
		return nil, errors.Errorf("DeviceMesh name %q is not a valid identifier, suggestion %q",
			name, utils.NormalizeIdentifier(name))
	}
	axesNames = slices.Clone(axesNames)

	numDevices := 1
	nameToAxis := make(map[string]int, len(axesSizes))
	for i, axisName := range axesNames {
		if axisName == "" {
			return nil, errors.Errorf("DeviceMesh axis name at index %d cannot be empty", i)
		}
		if axisName != utils.NormalizeIdentifier(axisName) {
			return nil, errors.Errorf("DeviceMesh axis name %q at index %d is not a valid identifier, suggestion %q",
				axisName, i, utils.NormalizeIdentifier(axisName))
		}
		if _, found := nameToAxis[axisName]; found {
			return nil, errors.Errorf("DeviceMesh axis name %q is duplicated", axisName)
		}
		if axesSizes[i] <= 0 {
			return nil, errors.Errorf("DeviceMesh axis %q must have strictly positive size, got %d",
				axisName, axesSizes[i])
		}
		nameToAxis[axisName] = i
		numDevices *= axesSizes[i]
	}

	m := &DeviceMesh{
		name:       name,
		axesNames:  axesNames,
		axesSizes:  slices.Clone(axesSizes),
		nameToAxis: nameToAxis,
		numDevices: numDevices,
		deviceRank: -1,
	}
	return m, nil
}

func (m *DeviceMesh) Name() string {
	return m.name
}

// NumDevices returns the total number of devices in the mesh.
func (m *DeviceMesh) NumDevices() int {
	return m.numDevices
}

// Rank returns the number of axes in the mesh.
func (m *DeviceMesh) Rank() int {
	return len(m.axesSizes)
}

// AxesNames returns a copy of the mesh's axis names.
func (m *DeviceMesh) AxesNames() []string {
	return slices.Clone(m.axesNames)
}

// AxesSizes returns a copy of the mesh's axis sizes.
func (m *DeviceMesh) AxesSizes() []int {
	return slices.Clone(m.axesSizes)
}

// AxisSize returns the number of devices along the given mesh axis.
func (m *DeviceMesh) AxisSize(axisName string) (int, error) {
	idx, found := m.nameToAxis[axisName]
	if !found {
		return 0, errors.Errorf("mesh axis %q not found", axisName)
	}
	return m.axesSizes[idx], nil
}

// DimSize returns the number of devices along the given mesh axis index.
// The axis must be in [0, Rank()).
func (m *DeviceMesh) DimSize(axis int) int {
	return m.axesSizes[axis]
}

// String implements the fmt.Stringer interface.
func (m *DeviceMesh) String() string {
	var sb strings.Builder
	sb.WriteString("DeviceMesh(axesSizes={")
	for i, name := range m.axesNames {
		if i > 0 {
			sb.WriteString(", ")
		}
		_, _ = fmt.Fprintf(&sb, "%s: %d", name, m.axesSizes[i])
	}
	sb.WriteString("})")
	return sb.String()
}

// Equal reports whether the two meshes describe the same topology: same name,
// axes and device assignment. The bound worker and backend are not compared --
// in an SPMD program every worker constructs its own mesh value for the same
// logical mesh.
func (m *DeviceMesh) Equal(other *DeviceMesh) bool {
	if m == other {
		return true
	}
	if m == nil || other == nil {
		return false
	}
	return m.name == other.name &&
		slices.Equal(m.axesSizes, other.axesSizes) &&
		slices.Equal(m.axesNames, other.axesNames) &&
		slices.Equal(m.deviceAssignment, other.deviceAssignment)
}

// SetDeviceAssignment sets the mapping of mesh positions (row-major order) to
// device ranks.
//
// The length of devices must be equal to NumDevices() and it must include all
// numbers from 0 to NumDevices()-1. Passing no devices resets the default
// sequential assignment.
func (m *DeviceMesh) SetDeviceAssignment(devices ...int) error {
	if len(devices) == 0 {
		m.deviceAssignment = nil
		return nil
	}
	if len(devices) != m.numDevices {
		return errors.Errorf("devices must have %d elements, got %d", m.numDevices, len(devices))
	}
	seen := utils.MakeSet[int](m.numDevices)
	for _, device := range devices {
		if seen.Has(device) {
			return errors.Errorf("device rank #%d is duplicated in mapping", device)
		}
		seen.Insert(device)
		if device < 0 || device >= m.numDevices {
			return errors.Errorf("devices must be between 0 and %d (NumDevices()-1), got device %d",
				m.numDevices-1, device)
		}
	}
	m.deviceAssignment = slices.Clone(devices)
	return nil
}

// DeviceAssignment returns the mapping of mesh positions to device ranks, or
// nil if the default sequential assignment is in effect.
func (m *DeviceMesh) DeviceAssignment() []int {
	if m.deviceAssignment == nil {
		return nil
	}
	return slices.Clone(m.deviceAssignment)
}

// rankAtPosition returns the device rank at the given row-major mesh position.
func (m *DeviceMesh) rankAtPosition(position int) int {
	if m.deviceAssignment == nil {
		return position
	}
	return m.deviceAssignment[position]
}

// positionOfRank returns the row-major mesh position of the given device rank,
// or -1 if the rank is not part of the mesh.
func (m *DeviceMesh) positionOfRank(deviceRank int) int {
	if deviceRank < 0 || deviceRank >= m.numDevices {
		return -1
	}
	if m.deviceAssignment == nil {
		return deviceRank
	}
	return slices.Index(m.deviceAssignment, deviceRank)
}

// coordsOfPosition unravels a row-major mesh position into per-axis coordinates.
func (m *DeviceMesh) coordsOfPosition(position int) []int {
	coords := make([]int, len(m.axesSizes))
	remaining := position
	for i := len(m.axesSizes) - 1; i >= 0; i-- {
		coords[i] = remaining % m.axesSizes[i]
		remaining /= m.axesSizes[i]
	}
	return coords
}

// CoordinateOf returns the mesh coordinates of the given device rank, or
// ok=false if the rank is not part of the mesh.
func (m *DeviceMesh) CoordinateOf(deviceRank int) (coords []int, ok bool) {
	position := m.positionOfRank(deviceRank)
	if position < 0 {
		return nil, false
	}
	return m.coordsOfPosition(position), true
}

// Coordinate returns the mesh coordinates of the worker this mesh is bound to
// (see WithCollectives), or ok=false if the mesh is unbound or the worker is
// not a member. Non-member workers must skip all redistribution over the mesh.
func (m *DeviceMesh) Coordinate() (coords []int, ok bool) {
	if m.deviceRank < 0 {
		return nil, false
	}
	return m.CoordinateOf(m.deviceRank)
}

// DeviceRank returns the device rank this mesh is bound to, or -1.
func (m *DeviceMesh) DeviceRank() int {
	return m.deviceRank
}

// ReplicaGroups returns the groups of devices participating in some collective
// operation given the axes along which the operation is performed.
//
// Each group (a []int of device ranks) includes the devices spanning the given
// axes; the other axes split the mesh into the different groups. Within a
// group, devices are ordered by their coordinates on the given axes, so a
// device's index in its group is its (flattened) coordinate along those axes.
//
// Example:
//
//	m := NewDeviceMesh("m", []int{2, 2}, []string{"batch", "data"})
//	batchGroups, _ := m.ReplicaGroups([]string{"batch"})  // -> [][]int{{0, 2}, {1, 3}}
//	dataGroups, _ := m.ReplicaGroups([]string{"data"})    // -> [][]int{{0, 1}, {2, 3}}
//	allGroups, _ := m.ReplicaGroups([]string{"batch", "data"})  // -> [][]int{{0, 1, 2, 3}}
func (m *DeviceMesh) ReplicaGroups(axes []string) ([][]int, error) {
	// Find indices of the specified axes.
	axisIndices := make([]int, 0, len(axes))
	axisSet := utils.MakeSet[int](len(axes))
	for _, axis := range axes {
		idx, found := m.nameToAxis[axis]
		if !found {
			return nil, errors.Errorf("axis %q not found in mesh", axis)
		}
		if axisSet.Has(idx) {
			return nil, errors.Errorf("axis %q is duplicated: each axis can only appear once", axis)
		}
		axisIndices = append(axisIndices, idx)
		axisSet.Insert(idx)
	}

	nonAxisIndices := make([]int, 0, len(m.axesSizes)-len(axisIndices))
	for i := range m.axesSizes {
		if !axisSet.Has(i) {
			nonAxisIndices = append(nonAxisIndices, i)
		}
	}

	groupSize := 1
	for _, idx := range axisIndices {
		groupSize *= m.axesSizes[idx]
	}
	numGroups := m.numDevices / groupSize

	groups := make([][]int, numGroups)
	for i := range groups {
		groups[i] = make([]int, groupSize)
	}

	for position := 0; position < m.numDevices; position++ {
		coords := m.coordsOfPosition(position)

		// Group index from the non-axis coordinates.
		groupIdx := 0
		multiplier := 1
		for i := len(nonAxisIndices) - 1; i >= 0; i-- {
			axisIdx := nonAxisIndices[i]
			groupIdx += coords[axisIdx] * multiplier
			multiplier *= m.axesSizes[axisIdx]
		}

		// Position within the group from the axis coordinates.
		posInGroup := 0
		multiplier = 1
		for i := len(axisIndices) - 1; i >= 0; i-- {
			axisIdx := axisIndices[i]
			posInGroup += coords[axisIdx] * multiplier
			multiplier *= m.axesSizes[axisIdx]
		}

		groups[groupIdx][posInGroup] = m.rankAtPosition(position)
	}

	return groups, nil
}

// DimGroups returns the replica groups for a single mesh axis, by index.
func (m *DeviceMesh) DimGroups(axis int) ([][]int, error) {
	if axis < 0 || axis >= m.Rank() {
		return nil, errors.Errorf("mesh axis %d out of bounds for mesh rank %d", axis, m.Rank())
	}
	return m.ReplicaGroups([]string{m.axesNames[axis]})
}

// WithCollectives returns a copy of the mesh bound to the given worker and
// collectives backend. It eagerly creates one communicator per mesh axis --
// the group of devices sharing this worker's coordinates on every other axis.
//
// A deviceRank outside [0, NumDevices()) (conventionally -1) binds a
// non-member worker: no communicators are created and Coordinate() reports no
// membership.
func (m *DeviceMesh) WithCollectives(backend collectives.Backend, deviceRank int) (*DeviceMesh, error) {
	bound := *m
	bound.deviceRank = deviceRank
	bound.comms = nil
	coords, ok := bound.Coordinate()
	if !ok {
		bound.deviceRank = -1
		return &bound, nil
	}
	if backend == nil {
		return nil, errors.New("WithCollectives requires a backend for a member worker")
	}
	bound.comms = make([]collectives.Comm, m.Rank())
	for axis := range bound.comms {
		groups, err := m.DimGroups(axis)
		if err != nil {
			return nil, err
		}
		var group []int
		for _, g := range groups {
			if slices.Contains(g, deviceRank) {
				group = g
				break
			}
		}
		comm, err := backend.NewComm(group, coords[axis])
		if err != nil {
			return nil, errors.Wrapf(err, "creating communicator for mesh axis %q", m.axesNames[axis])
		}
		bound.comms[axis] = comm
	}
	return &bound, nil
}

// Comm returns the communicator for the given mesh axis. The mesh must have
// been bound with WithCollectives on a member worker.
func (m *DeviceMesh) Comm(axis int) (collectives.Comm, error) {
	if axis < 0 || axis >= m.Rank() {
		return nil, errors.Errorf("mesh axis %d out of bounds for mesh rank %d", axis, m.Rank())
	}
	if m.comms == nil {
		return nil, errors.Errorf("mesh %q is not bound to a collectives backend (see WithCollectives)", m.name)
	}
	return m.comms[axis], nil
}
