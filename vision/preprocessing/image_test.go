package preprocessing

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/image/bmp"
)

func gradientImage(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{R: uint8(10 * x), G: uint8(20 * y), B: uint8(x + y), A: 255})
		}
	}
	return img
}

func TestNormalizeRoundTrip(t *testing.T) {
	for p := 0; p < 256; p++ {
		v := Normalize(uint8(p))
		if v < -1 || v > 1 {
			t.Fatalf("Normalize(%d) = %v outside [-1, 1]", p, v)
		}
		if got := Denormalize(v); got != uint8(p) {
			t.Fatalf("Denormalize(Normalize(%d)) = %d", p, got)
		}
	}
}

func TestDenormalizeClamps(t *testing.T) {
	tests := []struct {
		in   float32
		want uint8
	}{
		{-5, 0},
		{5, 255},
		{0, 128},
		{-127.5 / 128, 0},
	}
	for _, tt := range tests {
		if got := Denormalize(tt.in); got != tt.want {
			t.Errorf("Denormalize(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestCHWRoundTrip(t *testing.T) {
	src := gradientImage(5, 3)
	data, err := ToCHW(src, nil)
	if err != nil {
		t.Fatalf("ToCHW: %v", err)
	}
	if len(data) != 3*5*3 {
		t.Fatalf("got %d values, want 45", len(data))
	}
	// Channel planes come in R, G, B order.
	if data[1] != Normalize(10) || data[15+5] != Normalize(20) || data[30+6] != Normalize(2) {
		t.Errorf("unexpected plane layout: %v %v %v", data[1], data[20], data[36])
	}

	back, err := FromCHW(data, 3, 5)
	if err != nil {
		t.Fatalf("FromCHW: %v", err)
	}
	if !bytes.Equal(back.Pix, src.Pix) {
		t.Errorf("round trip changed pixels")
	}

	if _, err := ToCHW(src, make([]float32, 7)); err == nil {
		t.Errorf("expected error for short destination")
	}
	if _, err := FromCHW(data, 4, 5); err == nil {
		t.Errorf("expected error for mismatched dimensions")
	}
}

func TestResize(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for i := range src.Pix {
		src.Pix[i] = 200
	}
	dst := Resize(src, 2, 4)
	if dst.Bounds().Dx() != 2 || dst.Bounds().Dy() != 4 {
		t.Fatalf("resized to %v", dst.Bounds())
	}
	// A flat image stays flat under any interpolating kernel.
	for i, v := range dst.Pix {
		if v != 200 {
			t.Fatalf("pixel byte %d = %d, want 200", i, v)
		}
	}
}

func TestImageProcessorDecodes(t *testing.T) {
	src := gradientImage(4, 6)
	encoders := map[string]func(*bytes.Buffer) error{
		"png": func(b *bytes.Buffer) error { return png.Encode(b, src) },
		"bmp": func(b *bytes.Buffer) error { return bmp.Encode(b, src) },
		"jpeg": func(b *bytes.Buffer) error {
			return jpeg.Encode(b, src, &jpeg.Options{Quality: 100})
		},
	}

	for name, encode := range encoders {
		t.Run(name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := encode(&buf); err != nil {
				t.Fatalf("encode: %v", err)
			}
			p := NewImageProcessor(4, 6)
			out, err := p.DecodeAndPreprocess(&buf)
			if err != nil {
				t.Fatalf("DecodeAndPreprocess: %v", err)
			}
			if out.Width != 4 || out.Height != 6 || out.Channels != 3 || len(out.Data) != 72 {
				t.Fatalf("unexpected result %dx%dx%d (%d values)", out.Channels, out.Height, out.Width, len(out.Data))
			}
			if name != "jpeg" {
				want, _ := ToCHW(src, nil)
				for i := range want {
					if out.Data[i] != want[i] {
						t.Fatalf("value %d = %v, want %v", i, out.Data[i], want[i])
					}
				}
			}
		})
	}
}

func TestImageProcessorResizesAndCopies(t *testing.T) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, gradientImage(8, 8)); err != nil {
		t.Fatal(err)
	}
	p := NewImageProcessor(4, 4)
	first, err := p.DecodeAndPreprocess(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("DecodeAndPreprocess: %v", err)
	}
	if len(first.Data) != 48 {
		t.Fatalf("got %d values, want 48", len(first.Data))
	}
	saved := first.Data[0]

	if _, err := p.Preprocess(image.NewRGBA(image.Rect(0, 0, 4, 4))); err != nil {
		t.Fatal(err)
	}
	if first.Data[0] != saved {
		t.Errorf("earlier result was overwritten by buffer reuse")
	}
}

func TestImageProcessorRejectsGarbage(t *testing.T) {
	p := NewImageProcessor(4, 4)
	if _, err := p.DecodeAndPreprocess(strings.NewReader("not an image")); err == nil {
		t.Errorf("expected decode error")
	}
	if _, err := p.ProcessFile(filepath.Join(t.TempDir(), "missing.png")); err == nil {
		t.Errorf("expected error for missing file")
	}
}

func TestSaveAndLoadPNG(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.png")
	src := gradientImage(3, 2)
	if err := SavePNG(path, src); err != nil {
		t.Fatalf("SavePNG: %v", err)
	}
	img, err := LoadImage(path)
	if err != nil {
		t.Fatalf("LoadImage: %v", err)
	}
	got, _ := ToCHW(img, nil)
	want, _ := ToCHW(src, nil)
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("value %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestFileNames(t *testing.T) {
	tests := []struct {
		name    string
		isImage bool
		png     string
	}{
		{"a.PNG", true, "a.png"},
		{"dir/face.jpeg", true, "dir/face.png"},
		{"x.jpg", true, "x.png"},
		{"x.bmp", true, "x.png"},
		{"notes.txt", false, "notes.png"},
	}
	for _, tt := range tests {
		if got := IsImageFile(tt.name); got != tt.isImage {
			t.Errorf("IsImageFile(%q) = %v", tt.name, got)
		}
		if got := PNGName(tt.name); got != tt.png {
			t.Errorf("PNGName(%q) = %q, want %q", tt.name, got, tt.png)
		}
	}
}
