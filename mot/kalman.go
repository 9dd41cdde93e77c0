package mot

import (
	"math"
	"time"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

const (
	// State vector: [cx, cy, w, h, vx, vy, vw, vh] - center position, size, and velocities.
	kalmanStateDim = 8
	// Measurement vector: [cx, cy, w, h]
	kalmanMeasurementDim = 4
)

// KalmanParams holds noise parameters of the bounding box filter.
// Units follow the detection coordinates (pixels) and seconds.
type KalmanParams struct {
	// Standard deviation of the (white noise) acceleration, units per second^2
	AccelStdDev float64 `json:"accel_std_dev" mapstructure:"accel_std_dev" yaml:"accel_std_dev"`
	// Standard deviation of measured center and size
	MeasurementStdDev float64 `json:"measurement_std_dev" mapstructure:"measurement_std_dev" yaml:"measurement_std_dev"`
	// Standard deviation of velocity for a freshly seeded track, units per second
	InitialVelocityStdDev float64 `json:"initial_velocity_std_dev" mapstructure:"initial_velocity_std_dev" yaml:"initial_velocity_std_dev"`
}

// DefaultKalmanParams returns parameters tuned for pixel coordinates.
func DefaultKalmanParams() KalmanParams {
	return KalmanParams{
		AccelStdDev:           100.0,
		MeasurementStdDev:     1.0,
		InitialVelocityStdDev: 100.0,
	}
}

func (params KalmanParams) validate() error {
	if !(params.AccelStdDev > 0) || !(params.MeasurementStdDev > 0) || !(params.InitialVelocityStdDev > 0) {
		return errors.Wrapf(ErrInvalidConfig, "kalman noise must be positive: %+v", params)
	}
	return nil
}

// KalmanBox is constant-velocity / constant-size Kalman filter over a bounding box.
// Predicted and Corrected never mutate the receiver, so a caller may compute a
// whole frame of new states before committing any of them.
type KalmanBox struct {
	params KalmanParams
	x      *mat.VecDense
	p      *mat.SymDense
}

// NewKalmanBox seeds filter from a detected box with zero velocity.
func NewKalmanBox(box Rectangle, params KalmanParams) *KalmanBox {
	center := box.Center()
	x := mat.NewVecDense(kalmanStateDim, []float64{center.X, center.Y, box.Width, box.Height, 0, 0, 0, 0})
	mVar := params.MeasurementStdDev * params.MeasurementStdDev
	vVar := params.InitialVelocityStdDev * params.InitialVelocityStdDev
	p := mat.NewSymDense(kalmanStateDim, nil)
	for i := 0; i < kalmanMeasurementDim; i++ {
		p.SetSym(i, i, mVar)
		p.SetSym(i+kalmanMeasurementDim, i+kalmanMeasurementDim, vVar)
	}
	return &KalmanBox{
		params: params,
		x:      x,
		p:      p,
	}
}

// restoreKalmanBox rebuilds filter from exported mean and row-major covariance.
func restoreKalmanBox(mean, covariance []float64, params KalmanParams) (*KalmanBox, error) {
	if len(mean) != kalmanStateDim || len(covariance) != kalmanStateDim*kalmanStateDim {
		return nil, errors.Wrapf(ErrCorruptSnapshot, "kalman state has %d/%d values", len(mean), len(covariance))
	}
	x := mat.NewVecDense(kalmanStateDim, append([]float64(nil), mean...))
	p := mat.NewSymDense(kalmanStateDim, nil)
	for i := 0; i < kalmanStateDim; i++ {
		for j := i; j < kalmanStateDim; j++ {
			if covariance[i*kalmanStateDim+j] != covariance[j*kalmanStateDim+i] {
				return nil, errors.Wrapf(ErrCorruptSnapshot, "covariance is not symmetric at (%d, %d)", i, j)
			}
			p.SetSym(i, j, covariance[i*kalmanStateDim+j])
		}
	}
	kf := &KalmanBox{
		params: params,
		x:      x,
		p:      p,
	}
	if err := kf.check(); err != nil {
		return nil, errors.Wrap(ErrCorruptSnapshot, err.Error())
	}
	return kf, nil
}

// Predicted returns the filter advanced by dt. Non-positive dt is a numeric anomaly.
func (kf *KalmanBox) Predicted(dt time.Duration) (*KalmanBox, error) {
	if dt <= 0 {
		return nil, errors.Wrapf(ErrNumericAnomaly, "non-positive time step %s", dt)
	}
	s := dt.Seconds()
	x := mat.VecDenseCopyOf(kf.x)
	// Keep predicted size positive
	for i := 2; i < kalmanMeasurementDim; i++ {
		if x.AtVec(i)+s*x.AtVec(i+kalmanMeasurementDim) <= 0 {
			x.SetVec(i+kalmanMeasurementDim, 0)
		}
	}
	f := transitionMatrix(s)

	var xNew mat.VecDense
	xNew.MulVec(f, x)

	var fp, fpf mat.Dense
	fp.Mul(f, kf.p)
	fpf.Mul(&fp, f.T())
	fpf.Add(&fpf, processNoise(s, kf.params.AccelStdDev))

	next := &KalmanBox{
		params: kf.params,
		x:      &xNew,
		p:      symmetrized(&fpf),
	}
	if err := next.check(); err != nil {
		return nil, err
	}
	return next, nil
}

// Corrected returns the filter corrected with measured box.
func (kf *KalmanBox) Corrected(box Rectangle) (*KalmanBox, error) {
	if !box.Valid() {
		return nil, errors.Wrapf(ErrNumericAnomaly, "invalid measurement %+v", box)
	}
	center := box.Center()
	z := mat.NewVecDense(kalmanMeasurementDim, []float64{center.X, center.Y, box.Width, box.Height})
	h := measurementMatrix()
	r := measurementNoise(kf.params.MeasurementStdDev)

	// Innovation
	var hx, y mat.VecDense
	hx.MulVec(h, kf.x)
	y.SubVec(z, &hx)

	var hp, s mat.Dense
	hp.Mul(h, kf.p)
	s.Mul(&hp, h.T())
	s.Add(&s, r)

	var chol mat.Cholesky
	if ok := chol.Factorize(symmetrized(&s)); !ok {
		return nil, errors.Wrap(ErrNumericAnomaly, "innovation covariance is not positive definite")
	}
	// Gain K = P H' S^-1, solved as S K' = H P
	var kt mat.Dense
	if err := chol.SolveTo(&kt, &hp); err != nil {
		return nil, errors.Wrap(ErrNumericAnomaly, err.Error())
	}
	k := mat.DenseCopyOf(kt.T())

	var ky, xNew mat.VecDense
	ky.MulVec(k, &y)
	xNew.AddVec(kf.x, &ky)

	// Joseph form keeps covariance symmetric and positive definite:
	// P = (I - KH) P (I - KH)' + K R K'
	var kh mat.Dense
	kh.Mul(k, h)
	ikh := identityMatrix(kalmanStateDim)
	ikh.Sub(ikh, &kh)
	var ikhp, pNew mat.Dense
	ikhp.Mul(ikh, kf.p)
	pNew.Mul(&ikhp, ikh.T())
	var kr, krk mat.Dense
	kr.Mul(k, r)
	krk.Mul(&kr, k.T())
	pNew.Add(&pNew, &krk)

	next := &KalmanBox{
		params: kf.params,
		x:      &xNew,
		p:      symmetrized(&pNew),
	}
	if err := next.check(); err != nil {
		return nil, err
	}
	return next, nil
}

// Predict advances filter in place
func (kf *KalmanBox) Predict(dt time.Duration) error {
	next, err := kf.Predicted(dt)
	if err != nil {
		return err
	}
	*kf = *next
	return nil
}

// Update corrects filter in place
func (kf *KalmanBox) Update(box Rectangle) error {
	next, err := kf.Corrected(box)
	if err != nil {
		return errors.Wrap(err, "Can't update kalman filter")
	}
	*kf = *next
	return nil
}

// BBox returns bounding box of current state estimate
func (kf *KalmanBox) BBox() Rectangle {
	return newRectCenter(kf.x.AtVec(0), kf.x.AtVec(1), kf.x.AtVec(2), kf.x.AtVec(3))
}

// Velocity returns current velocity estimates (vx, vy, vw, vh)
func (kf *KalmanBox) Velocity() (float64, float64, float64, float64) {
	return kf.x.AtVec(4), kf.x.AtVec(5), kf.x.AtVec(6), kf.x.AtVec(7)
}

// Mean returns copy of the state vector
func (kf *KalmanBox) Mean() []float64 {
	out := make([]float64, kalmanStateDim)
	for i := range out {
		out[i] = kf.x.AtVec(i)
	}
	return out
}

// Covariance returns copy of the state covariance in row-major order
func (kf *KalmanBox) Covariance() []float64 {
	out := make([]float64, kalmanStateDim*kalmanStateDim)
	for i := 0; i < kalmanStateDim; i++ {
		for j := 0; j < kalmanStateDim; j++ {
			out[i*kalmanStateDim+j] = kf.p.At(i, j)
		}
	}
	return out
}

// Uncertainty returns trace of the state covariance
func (kf *KalmanBox) Uncertainty() float64 {
	return mat.Trace(kf.p)
}

// check verifies the state is finite with a positive definite covariance.
func (kf *KalmanBox) check() error {
	for i := 0; i < kalmanStateDim; i++ {
		if v := kf.x.AtVec(i); math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.Wrapf(ErrNumericAnomaly, "state component %d is not finite", i)
		}
		for j := i; j < kalmanStateDim; j++ {
			if v := kf.p.At(i, j); math.IsNaN(v) || math.IsInf(v, 0) {
				return errors.Wrapf(ErrNumericAnomaly, "covariance (%d, %d) is not finite", i, j)
			}
		}
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(kf.p); !ok {
		return errors.Wrap(ErrNumericAnomaly, "covariance is not positive definite")
	}
	return nil
}

func transitionMatrix(dt float64) *mat.Dense {
	f := identityMatrix(kalmanStateDim)
	for i := 0; i < kalmanMeasurementDim; i++ {
		f.Set(i, i+kalmanMeasurementDim, dt)
	}
	return f
}

// processNoise is the discrete white noise acceleration model applied per axis.
func processNoise(dt, accelStdDev float64) *mat.Dense {
	q := mat.NewDense(kalmanStateDim, kalmanStateDim, nil)
	aVar := accelStdDev * accelStdDev
	dt2 := dt * dt
	for i := 0; i < kalmanMeasurementDim; i++ {
		v := i + kalmanMeasurementDim
		q.Set(i, i, dt2*dt2/4.0*aVar)
		q.Set(i, v, dt2*dt/2.0*aVar)
		q.Set(v, i, dt2*dt/2.0*aVar)
		q.Set(v, v, dt2*aVar)
	}
	return q
}

func measurementMatrix() *mat.Dense {
	h := mat.NewDense(kalmanMeasurementDim, kalmanStateDim, nil)
	for i := 0; i < kalmanMeasurementDim; i++ {
		h.Set(i, i, 1)
	}
	return h
}

func measurementNoise(stdDev float64) *mat.Dense {
	r := mat.NewDense(kalmanMeasurementDim, kalmanMeasurementDim, nil)
	for i := 0; i < kalmanMeasurementDim; i++ {
		r.Set(i, i, stdDev*stdDev)
	}
	return r
}

func identityMatrix(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}

func symmetrized(m *mat.Dense) *mat.SymDense {
	n, _ := m.Dims()
	s := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			s.SetSym(i, j, (m.At(i, j)+m.At(j, i))/2.0)
		}
	}
	return s
}
