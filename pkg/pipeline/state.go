package pipeline

import "fmt"

// State is the workflow position of the controller.
type State int

const (
	Idle State = iota
	InputSelected
	OutputSelected
	Converting
	Converted
	MethodSelected
	SegmentationRunning
	SegmentationSucceeded
	SegmentationFailed
)

var stateNames = [...]string{
	Idle:                  "Idle",
	InputSelected:         "InputSelected",
	OutputSelected:        "OutputSelected",
	Converting:            "Converting",
	Converted:             "Converted",
	MethodSelected:        "MethodSelected",
	SegmentationRunning:   "SegmentationRunning",
	SegmentationSucceeded: "SegmentationSucceeded",
	SegmentationFailed:    "SegmentationFailed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// hasArtifact reports whether the state implies a valid converted artifact.
func (s State) hasArtifact() bool {
	switch s {
	case Converted, MethodSelected, SegmentationRunning, SegmentationSucceeded, SegmentationFailed:
		return true
	}
	return false
}

// Terminal reports whether s ends a segmentation run.
func (s State) Terminal() bool {
	return s == SegmentationSucceeded || s == SegmentationFailed
}
