// Package occupancy builds per-camera parking layouts from empty-lot frames
// and classifies each space of a live frame as occupied or free.
package occupancy

import (
	"errors"
	"fmt"

	"github.com/dj-oyu/parkwatch/internal/geometry"
)

var (
	// ErrFrameUnavailable means no usable frame was supplied for a camera.
	ErrFrameUnavailable = errors.New("frame unavailable")
	// ErrDetectorUnavailable wraps any detector failure.
	ErrDetectorUnavailable = errors.New("detector unavailable")
)

const DefaultThreshold = 0.15

// Policy holds the classification tunables.
type Policy struct {
	// Threshold is the minimum overlap ratio at which a vehicle occupies a
	// space. A space is free only when every vehicle overlaps it strictly
	// less than this.
	Threshold float64
	// VehicleClasses are the detector labels treated as vehicles.
	VehicleClasses []string
}

func DefaultPolicy() Policy {
	return Policy{Threshold: DefaultThreshold, VehicleClasses: []string{"car"}}
}

func (p Policy) Validate() error {
	if p.Threshold <= 0 || p.Threshold > 1 {
		return fmt.Errorf("threshold %v outside (0,1]", p.Threshold)
	}
	if len(p.VehicleClasses) == 0 {
		return errors.New("no vehicle classes")
	}
	return nil
}

// Classify returns the indices of spaces whose highest overlap with any
// vehicle is below threshold. Spaces and vehicles must share a coordinate
// space. Indices are ascending.
func Classify(spaces, vehicles []geometry.Box, threshold float64) []int {
	free := make([]int, 0, len(spaces))
	for i, space := range spaces {
		best := 0.0
		for _, v := range vehicles {
			if r := geometry.OverlapRatio(space, v); r > best {
				best = r
			}
		}
		if best < threshold {
			free = append(free, i)
		}
	}
	return free
}

func checkFrame(res geometry.Resolution) error {
	if !res.Valid() {
		return fmt.Errorf("%w: empty frame %s", ErrFrameUnavailable, res)
	}
	return nil
}
