// Package preview assembles input images and their control maps into a
// single contact sheet for quick inspection.
package preview

import (
	"fmt"
	"image"
	"image/color"

	"github.com/disintegration/imaging"
)

const (
	// Default tile width in the sheet.
	DefaultTileWidth = 320

	tileGap = 8
	columns = 3
)

// Tile is one named image on the sheet.
type Tile struct {
	Name  string
	Image image.Image
}

// ContactSheet lays tiles out in a fixed-column grid, each scaled to
// tileWidth, and returns the composed sheet. Tile order is preserved.
func ContactSheet(tiles []Tile, tileWidth int) (image.Image, error) {
	if len(tiles) == 0 {
		return nil, fmt.Errorf("no tiles to compose")
	}
	if tileWidth <= 0 {
		tileWidth = DefaultTileWidth
	}

	thumbs := make([]image.Image, len(tiles))
	tileHeight := 0
	for i, t := range tiles {
		if t.Image == nil {
			return nil, fmt.Errorf("tile %q has no image", t.Name)
		}
		thumbs[i] = imaging.Resize(t.Image, tileWidth, 0, imaging.Lanczos)
		if h := thumbs[i].Bounds().Dy(); h > tileHeight {
			tileHeight = h
		}
	}

	cols := columns
	if len(tiles) < cols {
		cols = len(tiles)
	}
	rows := (len(tiles) + cols - 1) / cols

	sheetW := cols*tileWidth + (cols+1)*tileGap
	sheetH := rows*tileHeight + (rows+1)*tileGap

	sheet := imaging.New(sheetW, sheetH, color.Black)
	for i, thumb := range thumbs {
		col := i % cols
		row := i / cols
		x := tileGap + col*(tileWidth+tileGap)
		y := tileGap + row*(tileHeight+tileGap)
		sheet = imaging.Paste(sheet, thumb, image.Pt(x, y))
	}
	return sheet, nil
}

// Save writes the sheet to disk; the format follows the file extension.
func Save(sheet image.Image, path string) error {
	if err := imaging.Save(sheet, path); err != nil {
		return fmt.Errorf("failed to save preview: %w", err)
	}
	return nil
}
