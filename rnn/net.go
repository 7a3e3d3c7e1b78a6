package rnn

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/JulienPeloton/SuperNNova/datasets"
)

// NetConfig holds the architecture hyperparameters shared by all registered
// modules.
type NetConfig struct {
	// NbClasses is the output dimensionality K.
	NbClasses int

	// Channels is the per-step flux channel count C the network expects.
	Channels int

	// HiddenSize is the recurrent state width. Default 32.
	HiddenSize int

	// NumEmbeddings is the filter-tag vocabulary size. Default 8.
	NumEmbeddings int

	// MetaDim is the static per-example feature width (0 = no meta input).
	MetaDim int

	// Dropout is the drop probability applied to the pooled hidden state.
	// Default 0.2 for the variational and bayesian modules.
	Dropout float64

	// PriorSigma is the Gaussian prior scale for the bayesian module.
	// Default 1.
	PriorSigma float64

	// Seed drives weight initialization and dropout sampling. Set once at
	// construction.
	Seed int64
}

// Net is a recurrent classifier over masked light-curve batches: a
// per-step input projection plus filter-tag embedding feeds an Elman-style
// recurrence, the hidden states are mean-pooled over observed steps,
// dropout is applied to the pooled vector, and a dense layer produces
// unnormalized class scores.
//
// Three registered modules share this implementation:
//
//	vanilla     - dropout during training only, deterministic inference
//	variational - dropout stays active under ModeSample (MC dropout)
//	bayesian    - MC dropout plus a Gaussian weight-prior divergence term
type Net struct {
	cfg      NetConfig
	inputDim int

	emb, wx, wh, bh, wo, bo *Param

	// stochastic keeps dropout active under ModeSample.
	stochastic bool
	// kl exposes the weight-prior divergence through Regularizer.
	kl bool

	fluxNorm, fluxErrNorm, timeNorm datasets.Norm

	rng  *rand.Rand
	tape *tape
}

// tape records the intermediate state of the last ModeTrain forward that
// Backward needs.
type tape struct {
	batch     *datasets.Batch
	x         [][][]float32 // [N][T][D], nil rows for padded steps
	h         [][][]float32 // [N][T][H]
	maskCount []int
	pooled    [][]float32 // [N][H], pre-dropout
	drop      [][]float32 // [N][H] inverted-dropout factors, nil when inactive
	z         [][]float32 // [N][H+MetaDim], dense-layer input
}

// NewNet builds the shared recurrent classifier. Callers normally go through
// the registry (rnn.New) rather than this constructor.
func NewNet(cfg NetConfig, stochastic, kl bool) (*Net, error) {
	if cfg.NbClasses < 2 {
		return nil, fmt.Errorf("nb_classes must be >= 2, got %d", cfg.NbClasses)
	}
	if cfg.Channels < 1 {
		return nil, fmt.Errorf("channels must be >= 1, got %d", cfg.Channels)
	}
	if cfg.HiddenSize == 0 {
		cfg.HiddenSize = 32
	}
	if cfg.NumEmbeddings == 0 {
		cfg.NumEmbeddings = 8
	}
	if cfg.PriorSigma == 0 {
		cfg.PriorSigma = 1
	}
	if cfg.Dropout < 0 || cfg.Dropout >= 1 {
		return nil, fmt.Errorf("dropout must be in [0, 1), got %g", cfg.Dropout)
	}

	m := &Net{
		cfg:        cfg,
		inputDim:   2*cfg.Channels + 1,
		stochastic: stochastic,
		kl:         kl,
		// identity normalization until dataset statistics are loaded
		fluxNorm:    datasets.Norm{Mean: 0, Std: 1},
		fluxErrNorm: datasets.Norm{Mean: 0, Std: 1},
		timeNorm:    datasets.Norm{Mean: 0, Std: 1},
		rng:         rand.New(rand.NewSource(cfg.Seed)),
	}

	h, d, k := cfg.HiddenSize, m.inputDim, cfg.NbClasses
	zDim := h + cfg.MetaDim
	m.emb = m.newParam("emb", cfg.NumEmbeddings*h, h, h)
	m.wx = m.newParam("wx", h*d, d, h)
	m.wh = m.newParam("wh", h*h, h, h)
	m.bh = m.newParam("bh", h, 0, 0)
	m.wo = m.newParam("wo", k*zDim, zDim, k)
	m.bo = m.newParam("bo", k, 0, 0)
	return m, nil
}

// newParam allocates a parameter buffer. Weight matrices get a
// Xavier/Glorot uniform initialization; fanIn==0 marks a bias initialized
// to zero.
func (m *Net) newParam(name string, size, fanIn, fanOut int) *Param {
	p := &Param{Name: name, W: make([]float32, size), G: make([]float32, size)}
	if fanIn > 0 {
		limit := float32(math.Sqrt(6.0/float64(fanIn+fanOut))) * 0.5
		for i := range p.W {
			p.W[i] = (m.rng.Float32()*2.0 - 1.0) * limit
		}
	}
	return p
}

// NumClasses implements Model.
func (m *Net) NumClasses() int { return m.cfg.NbClasses }

// Params implements Model.
func (m *Net) Params() []*Param {
	return []*Param{m.emb, m.wx, m.wh, m.bh, m.wo, m.bo}
}

// SetNormalization implements Normalized: the per-step inputs are centered
// and scaled with dataset-level statistics before entering the recurrence.
func (m *Net) SetNormalization(flux, fluxErr, deltaTime datasets.Norm) {
	m.fluxNorm, m.fluxErrNorm, m.timeNorm = flux, fluxErr, deltaTime
}

// Regularizer implements Regularized for the bayesian module: the divergence
// of a Gaussian posterior point-estimate against the zero-mean prior reduces
// to sum(w^2) / (2*sigma^2) over all learnable parameters.
func (m *Net) Regularizer() float64 {
	if !m.kl {
		return 0
	}
	sum := 0.0
	for _, p := range m.Params() {
		for _, w := range p.W {
			sum += float64(w) * float64(w)
		}
	}
	return sum / (2 * m.cfg.PriorSigma * m.cfg.PriorSigma)
}

// inputVec builds the normalized per-step input vector [flux..., fluxerr...,
// delta_time].
func (m *Net) inputVec(b *datasets.Batch, n, t int) []float32 {
	c := m.cfg.Channels
	x := make([]float32, m.inputDim)
	for i := 0; i < c; i++ {
		x[i] = (b.Flux[n][t][i] - m.fluxNorm.Mean) / m.fluxNorm.Std
		x[c+i] = (b.FluxErr[n][t][i] - m.fluxErrNorm.Mean) / m.fluxErrNorm.Std
	}
	x[2*c] = (b.DeltaTime[n][t] - m.timeNorm.Mean) / m.timeNorm.Std
	return x
}

// Forward implements Model.
func (m *Net) Forward(b *datasets.Batch, mode Mode) ([][]float32, error) {
	if err := b.Validate(); err != nil {
		return nil, fmt.Errorf("invalid batch: %w", err)
	}
	if got := b.Channels(); got != m.cfg.Channels {
		return nil, fmt.Errorf("batch has %d channels, model expects %d", got, m.cfg.Channels)
	}
	if m.cfg.MetaDim > 0 {
		if b.Meta == nil {
			return nil, fmt.Errorf("model expects %d metadata features but batch has none", m.cfg.MetaDim)
		}
		if len(b.Meta[0]) != m.cfg.MetaDim {
			return nil, fmt.Errorf("batch has %d metadata features, model expects %d", len(b.Meta[0]), m.cfg.MetaDim)
		}
	}

	n, T := b.Size(), b.MaxLen()
	h, d, k := m.cfg.HiddenSize, m.inputDim, m.cfg.NbClasses
	zDim := h + m.cfg.MetaDim

	dropActive := m.cfg.Dropout > 0 &&
		(mode == ModeTrain || (mode == ModeSample && m.stochastic))

	var tp *tape
	if mode == ModeTrain {
		tp = &tape{
			batch:     b,
			x:         make([][][]float32, n),
			h:         make([][][]float32, n),
			maskCount: make([]int, n),
			pooled:    make([][]float32, n),
			z:         make([][]float32, n),
		}
		if dropActive {
			tp.drop = make([][]float32, n)
		}
	}

	scores := make([][]float32, n)
	for i := 0; i < n; i++ {
		hPrev := make([]float32, h)
		var xs [][]float32
		var hs [][]float32
		if tp != nil {
			xs = make([][]float32, T)
			hs = make([][]float32, T)
		}

		pooled := make([]float32, h)
		count := 0
		for t := 0; t < T; t++ {
			hCur := hPrev
			if b.Mask[i][t] {
				x := m.inputVec(b, i, t)
				flt := int(b.FilterID[i][t])
				if flt < 0 || flt >= m.cfg.NumEmbeddings {
					return nil, fmt.Errorf("filter id %d out of embedding range [0,%d)", flt, m.cfg.NumEmbeddings)
				}
				a := make([]float32, h)
				for j := 0; j < h; j++ {
					sum := m.bh.W[j] + m.emb.W[flt*h+j]
					rowX := m.wx.W[j*d : (j+1)*d]
					for p := 0; p < d; p++ {
						sum += rowX[p] * x[p]
					}
					rowH := m.wh.W[j*h : (j+1)*h]
					for p := 0; p < h; p++ {
						sum += rowH[p] * hPrev[p]
					}
					a[j] = sum
				}
				hCur = make([]float32, h)
				for j := 0; j < h; j++ {
					hCur[j] = float32(math.Tanh(float64(a[j])))
				}
				for j := 0; j < h; j++ {
					pooled[j] += hCur[j]
				}
				count++
				if tp != nil {
					xs[t] = x
				}
			}
			if tp != nil {
				hs[t] = hCur
			}
			hPrev = hCur
		}
		if count > 0 {
			inv := 1.0 / float32(count)
			for j := 0; j < h; j++ {
				pooled[j] *= inv
			}
		}

		// Inverted dropout on the pooled state: kept units are scaled by
		// 1/(1-p) so evaluation needs no rescaling.
		var drop []float32
		if dropActive {
			drop = make([]float32, h)
			keep := float32(1.0 / (1.0 - m.cfg.Dropout))
			for j := 0; j < h; j++ {
				if m.rng.Float64() >= m.cfg.Dropout {
					drop[j] = keep
				}
			}
		}

		z := make([]float32, zDim)
		for j := 0; j < h; j++ {
			if drop != nil {
				z[j] = pooled[j] * drop[j]
			} else {
				z[j] = pooled[j]
			}
		}
		if m.cfg.MetaDim > 0 {
			copy(z[h:], b.Meta[i])
		}

		out := make([]float32, k)
		for c := 0; c < k; c++ {
			sum := m.bo.W[c]
			row := m.wo.W[c*zDim : (c+1)*zDim]
			for j := 0; j < zDim; j++ {
				sum += row[j] * z[j]
			}
			out[c] = sum
		}
		scores[i] = out

		if tp != nil {
			tp.x[i] = xs
			tp.h[i] = hs
			tp.maskCount[i] = count
			tp.pooled[i] = pooled
			tp.z[i] = z
			if dropActive {
				tp.drop[i] = drop
			}
		}
	}

	if tp != nil {
		m.tape = tp
	}
	return scores, nil
}

// Backward implements Model: backpropagation through time over the tape of
// the last ModeTrain forward. The tape is consumed; a second Backward
// without a new forward is an error.
func (m *Net) Backward(dScores [][]float32, regScale float32) error {
	tp := m.tape
	if tp == nil {
		return fmt.Errorf("Backward called without a preceding ModeTrain forward")
	}
	m.tape = nil

	b := tp.batch
	n, T := b.Size(), b.MaxLen()
	if len(dScores) != n {
		return fmt.Errorf("dScores has %d rows, batch has %d", len(dScores), n)
	}
	h, d, k := m.cfg.HiddenSize, m.inputDim, m.cfg.NbClasses
	zDim := h + m.cfg.MetaDim

	for i := 0; i < n; i++ {
		if len(dScores[i]) != k {
			return fmt.Errorf("dScores row %d has width %d, expected %d", i, len(dScores[i]), k)
		}

		// Dense output layer.
		dz := make([]float32, zDim)
		for c := 0; c < k; c++ {
			g := dScores[i][c]
			if g == 0 {
				continue
			}
			m.bo.G[c] += g
			row := m.wo.W[c*zDim : (c+1)*zDim]
			gRow := m.wo.G[c*zDim : (c+1)*zDim]
			for j := 0; j < zDim; j++ {
				gRow[j] += g * tp.z[i][j]
				dz[j] += row[j] * g
			}
		}

		// Through dropout back to the pooled state. Meta features are raw
		// inputs; their gradient stops here.
		dPooled := dz[:h]
		if tp.drop != nil && tp.drop[i] != nil {
			for j := 0; j < h; j++ {
				dPooled[j] *= tp.drop[i][j]
			}
		}

		if tp.maskCount[i] == 0 {
			continue
		}
		share := make([]float32, h)
		inv := 1.0 / float32(tp.maskCount[i])
		for j := 0; j < h; j++ {
			share[j] = dPooled[j] * inv
		}

		// BPTT. Padded steps carry the hidden state through unchanged, so
		// their gradient passes through untouched as well.
		dh := make([]float32, h)
		for t := T - 1; t >= 0; t-- {
			if !b.Mask[i][t] {
				continue
			}
			for j := 0; j < h; j++ {
				dh[j] += share[j]
			}
			hCur := tp.h[i][t]
			var hPrev []float32
			if t > 0 {
				hPrev = tp.h[i][t-1]
			}
			x := tp.x[i][t]
			flt := int(b.FilterID[i][t])

			da := make([]float32, h)
			for j := 0; j < h; j++ {
				da[j] = dh[j] * (1 - hCur[j]*hCur[j])
			}

			for j := 0; j < h; j++ {
				g := da[j]
				if g == 0 {
					continue
				}
				m.bh.G[j] += g
				m.emb.G[flt*h+j] += g
				gRowX := m.wx.G[j*d : (j+1)*d]
				for p := 0; p < d; p++ {
					gRowX[p] += g * x[p]
				}
				if hPrev != nil {
					gRowH := m.wh.G[j*h : (j+1)*h]
					for p := 0; p < h; p++ {
						gRowH[p] += g * hPrev[p]
					}
				}
			}

			dhPrev := make([]float32, h)
			for j := 0; j < h; j++ {
				g := da[j]
				if g == 0 {
					continue
				}
				rowH := m.wh.W[j*h : (j+1)*h]
				for p := 0; p < h; p++ {
					dhPrev[p] += rowH[p] * g
				}
			}
			dh = dhPrev
		}
	}

	// Gradient of the weight-prior divergence, scaled the same way the loss
	// side scales the divergence itself.
	if m.kl && regScale != 0 {
		invVar := regScale / float32(m.cfg.PriorSigma*m.cfg.PriorSigma)
		for _, p := range m.Params() {
			for j := range p.W {
				p.G[j] += p.W[j] * invVar
			}
		}
	}
	return nil
}

func init() {
	Register("vanilla", func(cfg NetConfig) (Model, error) {
		return NewNet(cfg, false, false)
	})
	Register("variational", func(cfg NetConfig) (Model, error) {
		if cfg.Dropout == 0 {
			cfg.Dropout = 0.2
		}
		return NewNet(cfg, true, false)
	})
	Register("bayesian", func(cfg NetConfig) (Model, error) {
		if cfg.Dropout == 0 {
			cfg.Dropout = 0.2
		}
		return NewNet(cfg, true, true)
	})
}
