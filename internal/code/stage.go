package code

import "fmt"

// Stage is one ordered step of the execution pipeline.
type Stage int

const (
	StageStart Stage = iota
	StagePre
	StageProcessInternally
	StagePost
	StageFirmware
	StageExecuted
)

// StageCount is the number of pipeline stages.
const StageCount = int(StageExecuted) + 1

var stageNames = [StageCount]string{"Start", "Pre", "ProcessInternally", "Post", "Firmware", "Executed"}

// Stages returns every stage in pipeline order.
func Stages() []Stage {
	out := make([]Stage, StageCount)
	for i := range out {
		out[i] = Stage(i)
	}
	return out
}

func (s Stage) String() string {
	if s < 0 || int(s) >= StageCount {
		return fmt.Sprintf("Stage(%d)", int(s))
	}
	return stageNames[s]
}

// HasStack reports whether the stage keeps a stack of frames.
// Executed is flat.
func (s Stage) HasStack() bool {
	return s != StageExecuted
}
