package preview

import (
	"image"
	"image/color"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
)

func solid(w, h int, c color.Color) image.Image {
	return imaging.New(w, h, c)
}

func TestContactSheet_SingleTile(t *testing.T) {
	sheet, err := ContactSheet([]Tile{
		{Name: "input", Image: solid(100, 50, color.White)},
	}, 50)
	if err != nil {
		t.Fatalf("ContactSheet failed: %v", err)
	}

	// One 50x25 thumb with the gap frame around it.
	b := sheet.Bounds()
	if b.Dx() != 50+2*8 || b.Dy() != 25+2*8 {
		t.Errorf("sheet size: got %dx%d, want 66x41", b.Dx(), b.Dy())
	}
}

func TestContactSheet_GridLayout(t *testing.T) {
	tiles := make([]Tile, 5)
	for i := range tiles {
		tiles[i] = Tile{Name: "t", Image: solid(80, 80, color.White)}
	}

	sheet, err := ContactSheet(tiles, 40)
	if err != nil {
		t.Fatalf("ContactSheet failed: %v", err)
	}

	// Five square tiles at width 40: three columns, two rows.
	b := sheet.Bounds()
	wantW := 3*40 + 4*8
	wantH := 2*40 + 3*8
	if b.Dx() != wantW || b.Dy() != wantH {
		t.Errorf("sheet size: got %dx%d, want %dx%d", b.Dx(), b.Dy(), wantW, wantH)
	}
}

func TestContactSheet_PlacesTiles(t *testing.T) {
	sheet, err := ContactSheet([]Tile{
		{Name: "white", Image: solid(40, 40, color.White)},
	}, 40)
	if err != nil {
		t.Fatalf("ContactSheet failed: %v", err)
	}

	// Gap area is black, tile area white.
	r, g, b, _ := sheet.At(1, 1).RGBA()
	if r != 0 || g != 0 || b != 0 {
		t.Errorf("gap pixel not black: %v %v %v", r, g, b)
	}
	r, g, b, _ = sheet.At(8+20, 8+20).RGBA()
	if r == 0 || g == 0 || b == 0 {
		t.Errorf("tile pixel not white: %v %v %v", r, g, b)
	}
}

func TestContactSheet_Errors(t *testing.T) {
	if _, err := ContactSheet(nil, 40); err == nil {
		t.Error("expected error for empty tile list")
	}
	if _, err := ContactSheet([]Tile{{Name: "missing"}}, 40); err == nil {
		t.Error("expected error for nil tile image")
	}
}

func TestSave(t *testing.T) {
	sheet, err := ContactSheet([]Tile{
		{Name: "input", Image: solid(20, 20, color.White)},
	}, 20)
	if err != nil {
		t.Fatalf("ContactSheet failed: %v", err)
	}

	path := filepath.Join(t.TempDir(), "sheet.png")
	if err := Save(sheet, path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := imaging.Open(path)
	if err != nil {
		t.Fatalf("failed to reopen sheet: %v", err)
	}
	if loaded.Bounds() != sheet.Bounds() {
		t.Errorf("round-trip bounds: got %v, want %v", loaded.Bounds(), sheet.Bounds())
	}
}
