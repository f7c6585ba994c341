// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package policy

import "math"

// Seq tracks an exponentially decaying average and variance of a series of
// samples, weighting recent samples by 1-decay.
type Seq struct {
	decay float64
	n     int
	avg   float64
	vari  float64
	last  float64
}

// NewSeq returns an empty sequence. decay is the weight kept by the history
// on each new sample.
func NewSeq(decay float64) *Seq {
	return &Seq{decay: decay}
}

func (s *Seq) Add(v float64) {
	s.last = v
	if s.n == 0 {
		s.avg = v
		s.vari = 0
	} else {
		d := v - s.avg
		s.avg = (1-s.decay)*v + s.decay*s.avg
		s.vari = s.decay * (s.vari + (1-s.decay)*d*d)
	}
	s.n++
}

func (s *Seq) Len() int {
	return s.n
}

func (s *Seq) Avg() float64 {
	return s.avg
}

func (s *Seq) SD() float64 {
	return math.Sqrt(s.vari)
}

func (s *Seq) Last() float64 {
	return s.last
}

// minSamples is the number of samples below which the standard deviation
// is padded, since a short history understates variance.
const minSamples = 5

// Predict returns a conservative estimate of the next sample: the average
// plus sigma standard deviations. Without history it returns fallback.
func (s *Seq) Predict(sigma, fallback float64) float64 {
	if s.n == 0 {
		return fallback
	}
	sd := s.SD()
	if s.n < minSamples {
		sd = max(sd, s.avg*0.2)
	}
	return max(s.avg+sigma*sd, 0)
}
