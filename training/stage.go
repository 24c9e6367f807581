package training

// Stage tags which part of the experiment a batch belongs to. The stage
// decides whether parameters update and which searcher decodes hypotheses:
// none during training, greedy during validation, beam search at test time.
type Stage int

const (
	StageTrain Stage = iota
	StageValid
	StageTest
)

func (s Stage) String() string {
	switch s {
	case StageTrain:
		return "train"
	case StageValid:
		return "valid"
	case StageTest:
		return "test"
	default:
		return "unknown"
	}
}
