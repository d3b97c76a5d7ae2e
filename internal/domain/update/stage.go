package update

import (
	"errors"
	"fmt"
	"strings"
)

// Stage selects which action set of the updater runs.
type Stage string

const (
	// StageOne runs on the primary root filesystem and applies the in-place overlay.
	StageOne Stage = "stage1"
	// StageTwo runs on the recovery filesystem and flashes partitions.
	StageTwo Stage = "stage2"
	// StagePack builds an update archive instead of applying one.
	StagePack Stage = "pack"
)

// ErrUnknownStage is returned for a stage name outside of stage1, stage2 and pack.
var ErrUnknownStage = errors.New("unknown stage")

// Stages lists every accepted stage name, in the order shown to users.
func Stages() []string {
	return []string{string(StageOne), string(StageTwo), string(StagePack)}
}

// ParseStage converts a command line argument to a Stage.
func ParseStage(s string) (Stage, error) {
	switch stage := Stage(strings.TrimSpace(s)); stage {
	case StageOne, StageTwo, StagePack:
		return stage, nil
	default:
		return "", fmt.Errorf("%w: %q (expected one of %s)", ErrUnknownStage, s, strings.Join(Stages(), ", "))
	}
}

// String implements fmt.Stringer.
func (s Stage) String() string {
	return string(s)
}
