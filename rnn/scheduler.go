package rnn

import "math"

// PlateauScheduler shrinks the learning rate when a monitored metric stops
// improving for a configured patience, floored at a minimum rate. It treats
// the metric as minimized (validation log-loss).
type PlateauScheduler struct {
	opt *Optimizer

	// Factor multiplies the learning rate on plateau (0 < Factor < 1).
	Factor float64

	// Patience is how many non-improving epochs are tolerated before a
	// reduction.
	Patience int

	// MinLR is the learning-rate floor.
	MinLR float64

	best   float64
	numBad int
}

// NewPlateauScheduler wires a plateau-reduction policy to an optimizer.
func NewPlateauScheduler(opt *Optimizer, factor float64, patience int, minLR float64) *PlateauScheduler {
	return &PlateauScheduler{
		opt:      opt,
		Factor:   factor,
		Patience: patience,
		MinLR:    minLR,
		best:     math.Inf(1),
	}
}

// Step consumes one epoch's metric value and returns the learning rate in
// effect afterwards. A strict improvement resets the patience counter;
// once more than Patience consecutive epochs fail to improve, the rate is
// multiplied by Factor (floored at MinLR) and the counter restarts.
func (s *PlateauScheduler) Step(metric float64) float64 {
	if metric < s.best {
		s.best = metric
		s.numBad = 0
		return s.opt.LR()
	}
	s.numBad++
	if s.numBad > s.Patience {
		lr := s.opt.LR() * s.Factor
		if lr < s.MinLR {
			lr = s.MinLR
		}
		s.opt.SetLR(lr)
		s.numBad = 0
	}
	return s.opt.LR()
}
