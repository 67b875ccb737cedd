package learn

import "github.com/scrypster/cloudml/pkg/types"

// Schedule maps a step index to an SGD step size. The step index is the
// number of observations the model had absorbed before the step, so the
// same sequence of observations always yields the same coefficients.
type Schedule struct {
	Rate  float64
	Decay float64
}

// ScheduleFor returns the schedule configured on a model.
func ScheduleFor(hp types.Hyperparameters) Schedule {
	return Schedule{Rate: hp.LearningRate, Decay: hp.LearningRateDecay}
}

// At returns the step size for step t: Rate / (1 + Decay*t).
func (s Schedule) At(t int64) float64 {
	return s.Rate / (1 + s.Decay*float64(t))
}
