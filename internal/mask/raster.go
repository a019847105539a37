package mask

import (
	"image"
	"image/color"
	"math"

	"slidepatch/internal/annotation"
	"slidepatch/internal/opencv/safe"

	"gocv.io/x/gocv"
)

var fillColor = color.RGBA{R: 255, G: 255, B: 255, A: 255}

// rasterVertices maps a level-0 polygon onto a level with the given
// downsample: vertices are rounded to the nearest level-0 pixel (half to
// even), divided by the downsample and truncated toward zero. Consecutive
// duplicates are merged. It returns nil when fewer than three distinct
// vertices remain or the ring encloses no area.
func rasterVertices(poly annotation.Polygon, downsample float64) []image.Point {
	pts := make([]image.Point, 0, len(poly))
	for _, v := range poly {
		p := image.Pt(
			int(math.RoundToEven(v.X)/downsample),
			int(math.RoundToEven(v.Y)/downsample),
		)
		if n := len(pts); n > 0 && pts[n-1] == p {
			continue
		}
		pts = append(pts, p)
	}
	for len(pts) > 1 && pts[len(pts)-1] == pts[0] {
		pts = pts[:len(pts)-1]
	}

	if len(pts) < 3 || shoelace(pts) == 0 {
		return nil
	}
	return pts
}

// shoelace returns twice the signed area of the ring.
func shoelace(pts []image.Point) int {
	area := 0
	for i, p := range pts {
		q := pts[(i+1)%len(pts)]
		area += p.X*q.Y - q.X*p.Y
	}
	return area
}

func fillPolygon(canvas *safe.Mat, pts []image.Point) error {
	if err := safe.ValidateChannels(canvas, 1, "polygon fill"); err != nil {
		return err
	}

	pv := gocv.NewPointsVectorFromPoints([][]image.Point{pts})
	defer pv.Close()

	gocv.FillPoly(canvas.Ptr(), pv, fillColor)
	return nil
}
