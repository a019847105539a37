package safe

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"gocv.io/x/gocv"
)

// MemoryTracker is implemented by memory.Budget; declared here to avoid an
// import cycle.
type MemoryTracker interface {
	Reserve(size int64, tag string) error
	Release(size int64, tag string)
}

// Mat owns a gocv.Mat and makes Close idempotent. The native buffer is
// accounted against the tracker, if any, for the Mat's lifetime.
type Mat struct {
	mat        gocv.Mat
	isValid    int32
	mu         sync.RWMutex
	id         uint64
	size       int64
	memTracker MemoryTracker
	tag        string
}

var nextMatID uint64

// NewZeros allocates a zero-filled Mat.
func NewZeros(rows, cols int, matType gocv.MatType, memTracker MemoryTracker, tag string) (*Mat, error) {
	if err := ValidateDimensions(cols, rows, tag); err != nil {
		return nil, err
	}

	size := int64(rows) * int64(cols) * int64(getMatTypeSize(matType))
	if err := reserve(memTracker, size, tag); err != nil {
		return nil, err
	}

	mat := gocv.Zeros(rows, cols, matType)
	if mat.Empty() {
		mat.Close()
		release(memTracker, size, tag)
		return nil, fmt.Errorf("failed to create %s Mat with size %dx%d", tag, cols, rows)
	}

	return wrap(mat, size, memTracker, tag), nil
}

// NewFromBytes copies data into a new Mat.
func NewFromBytes(rows, cols int, matType gocv.MatType, data []byte, memTracker MemoryTracker, tag string) (*Mat, error) {
	if err := ValidateDimensions(cols, rows, tag); err != nil {
		return nil, err
	}

	size := int64(rows) * int64(cols) * int64(getMatTypeSize(matType))
	if int64(len(data)) != size {
		return nil, fmt.Errorf("%s: %d bytes for %dx%d Mat of %d bytes", tag, len(data), cols, rows, size)
	}
	if err := reserve(memTracker, size, tag); err != nil {
		return nil, err
	}

	mat, err := gocv.NewMatFromBytes(rows, cols, matType, data)
	if err != nil {
		release(memTracker, size, tag)
		return nil, fmt.Errorf("%s: %w", tag, err)
	}

	// NewMatFromBytes shares data with the Go slice; clone so the Mat owns
	// its buffer once the caller lets data go.
	owned := mat.Clone()
	mat.Close()

	return wrap(owned, size, memTracker, tag), nil
}

// Derive allocates an empty Mat for gocv to fill as an operation's
// destination. Its size is accounted as rows*cols*channels bytes of the
// expected output.
func Derive(rows, cols, channels int, memTracker MemoryTracker, tag string) (*Mat, error) {
	if err := ValidateDimensions(cols, rows, tag); err != nil {
		return nil, err
	}

	size := int64(rows) * int64(cols) * int64(channels)
	if err := reserve(memTracker, size, tag); err != nil {
		return nil, err
	}

	return wrap(gocv.NewMat(), size, memTracker, tag), nil
}

func wrap(mat gocv.Mat, size int64, memTracker MemoryTracker, tag string) *Mat {
	sm := &Mat{
		mat:        mat,
		isValid:    1,
		id:         atomic.AddUint64(&nextMatID, 1),
		size:       size,
		memTracker: memTracker,
		tag:        tag,
	}

	runtime.SetFinalizer(sm, (*Mat).finalize)

	return sm
}

func (sm *Mat) IsValid() bool {
	return atomic.LoadInt32(&sm.isValid) == 1
}

func (sm *Mat) Empty() bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	return !sm.IsValid() || sm.mat.Empty()
}

// dim reads one property of the underlying Mat, or 0 once closed.
func (sm *Mat) dim(get func(*gocv.Mat) int) int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	if !sm.IsValid() {
		return 0
	}
	return get(&sm.mat)
}

func (sm *Mat) Rows() int     { return sm.dim((*gocv.Mat).Rows) }
func (sm *Mat) Cols() int     { return sm.dim((*gocv.Mat).Cols) }
func (sm *Mat) Channels() int { return sm.dim((*gocv.Mat).Channels) }

// Bytes copies the pixel data out in row-major, channel-interleaved order.
func (sm *Mat) Bytes() ([]byte, error) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	if !sm.IsValid() {
		return nil, fmt.Errorf("%s Mat is invalid", sm.tag)
	}

	return sm.mat.ToBytes(), nil
}

// GetMat exposes the underlying Mat for gocv calls. The result must not
// outlive sm.
func (sm *Mat) GetMat() gocv.Mat {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	return sm.mat
}

// Ptr exposes the underlying Mat as a gocv destination argument.
func (sm *Mat) Ptr() *gocv.Mat {
	return &sm.mat
}

func (sm *Mat) ID() uint64 {
	return sm.id
}

func (sm *Mat) Tag() string {
	return sm.tag
}

func (sm *Mat) Close() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if atomic.CompareAndSwapInt32(&sm.isValid, 1, 0) {
		sm.mat.Close()
		release(sm.memTracker, sm.size, sm.tag)

		runtime.SetFinalizer(sm, nil)
	}
}

// finalize releases Mats that were never closed.
func (sm *Mat) finalize() {
	if atomic.LoadInt32(&sm.isValid) == 1 {
		sm.Close()
	}
}

func reserve(t MemoryTracker, size int64, tag string) error {
	if t == nil {
		return nil
	}
	return t.Reserve(size, tag)
}

func release(t MemoryTracker, size int64, tag string) {
	if t != nil {
		t.Release(size, tag)
	}
}

func getMatTypeSize(matType gocv.MatType) int {
	switch matType {
	case gocv.MatTypeCV8UC1:
		return 1
	case gocv.MatTypeCV8UC3:
		return 3
	case gocv.MatTypeCV8UC4:
		return 4
	case gocv.MatTypeCV32FC1:
		return 4
	default:
		return 1
	}
}
