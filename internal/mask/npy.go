package mask

import (
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"

	"github.com/sbinet/npyio"
)

// Masks are persisted in NumPy's .npy format (dtype bool, shape
// (width, height), C order) so tooling around the training code can np.load
// them directly.

// ErrBadNPY is wrapped by every decode failure.
var ErrBadNPY = errors.New("invalid npy mask")

// Save writes m as a .npy stream.
func Save(w io.Writer, m *Mask) error {
	// a [width][height]bool array has the x-major layout of m.bits and
	// carries the two-dimensional shape into the header
	column := reflect.ArrayOf(m.height, reflect.TypeOf(false))
	grid := reflect.New(reflect.ArrayOf(m.width, column)).Elem()
	for x := 0; x < m.width; x++ {
		reflect.Copy(grid.Index(x), reflect.ValueOf(m.bits[x*m.height:(x+1)*m.height]))
	}

	if err := npyio.Write(w, grid.Interface()); err != nil {
		return fmt.Errorf("encode %dx%d mask: %w", m.width, m.height, err)
	}
	return nil
}

// Load reads a 2-D boolean .npy stream. Both C and Fortran order are
// accepted; the first axis is x.
func Load(r io.Reader) (*Mask, error) {
	nr, err := npyio.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadNPY, err)
	}

	descr := nr.Header.Descr
	switch descr.Type {
	case "|b1", "b1", "?":
	default:
		return nil, fmt.Errorf("%w: dtype %q is not bool", ErrBadNPY, descr.Type)
	}
	if len(descr.Shape) != 2 {
		return nil, fmt.Errorf("%w: shape %v is not two-dimensional", ErrBadNPY, descr.Shape)
	}
	width, height := descr.Shape[0], descr.Shape[1]

	var cells []bool
	if err := nr.Read(&cells); err != nil {
		return nil, fmt.Errorf("%w: reading %dx%d cells: %v", ErrBadNPY, width, height, err)
	}
	if len(cells) != width*height {
		return nil, fmt.Errorf("%w: %d cells for shape (%d, %d)", ErrBadNPY, len(cells), width, height)
	}

	m := New(width, height)
	if !descr.Fortran {
		copy(m.bits, cells)
		return m, nil
	}
	// Fortran order: first axis varies fastest
	for i, v := range cells {
		if v {
			m.Set(i%width, i/width, true)
		}
	}
	return m, nil
}

func WriteFile(path string, m *Mask) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create mask file: %w", err)
	}

	if err := Save(f, m); err != nil {
		f.Close()
		return fmt.Errorf("write mask %s: %w", path, err)
	}
	return f.Close()
}

func ReadFile(path string) (*Mask, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open mask file: %w", err)
	}
	defer f.Close()

	m, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}
