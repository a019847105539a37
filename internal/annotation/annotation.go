// Package annotation reads tumor region polygons from ASAP-style XML
// annotation files:
//
//	<ASAP_Annotations>
//	  <Annotations>
//	    <Annotation Name="_0" Type="Polygon">
//	      <Coordinates>
//	        <Coordinate Order="0" X="15210.5" Y="80233.0"/>
//	        ...
//
// Only the X and Y attributes are used. Coordinates are level-0 pixels.
package annotation

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// ErrMalformed is wrapped by every parse failure.
var ErrMalformed = errors.New("malformed annotation")

// Vertex is a level-0 pixel position.
type Vertex struct {
	X, Y float64
}

// Polygon is an implicitly closed ring of vertices.
type Polygon []Vertex

type document struct {
	Annotations struct {
		Annotation []struct {
			Name        string `xml:"Name,attr"`
			Coordinates struct {
				Coordinate []struct {
					X string `xml:"X,attr"`
					Y string `xml:"Y,attr"`
				} `xml:"Coordinate"`
			} `xml:"Coordinates"`
		} `xml:"Annotation"`
	} `xml:"Annotations"`
}

// Parse decodes every annotation under the root's Annotations element, in
// document order. A document without annotations yields no polygons.
func Parse(r io.Reader) ([]Polygon, error) {
	var doc document
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	polygons := make([]Polygon, 0, len(doc.Annotations.Annotation))
	for i, a := range doc.Annotations.Annotation {
		poly := make(Polygon, 0, len(a.Coordinates.Coordinate))
		for j, c := range a.Coordinates.Coordinate {
			x, err := parseCoordinate(c.X)
			if err != nil {
				return nil, fmt.Errorf("%w: annotation %d coordinate %d X: %v", ErrMalformed, i, j, err)
			}
			y, err := parseCoordinate(c.Y)
			if err != nil {
				return nil, fmt.Errorf("%w: annotation %d coordinate %d Y: %v", ErrMalformed, i, j, err)
			}
			poly = append(poly, Vertex{X: x, Y: y})
		}
		polygons = append(polygons, poly)
	}

	return polygons, nil
}

// Load parses the annotation file at path.
func Load(path string) ([]Polygon, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open annotation: %w", err)
	}
	defer f.Close()

	polygons, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return polygons, nil
}

func parseCoordinate(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("missing value")
	}
	// some exporters write decimal commas
	s = strings.Replace(s, ",", ".", 1)
	return strconv.ParseFloat(s, 64)
}
