package preprocessing

import (
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	"image/png"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
)

// Pixel values are mapped to the network domain with (p - pixelCenter) / pixelScale.
const (
	pixelCenter = 127.5
	pixelScale  = 128.0
)

// Extensions lists the file suffixes treated as images, lower case.
var Extensions = []string{".png", ".jpg", ".jpeg", ".bmp"}

// IsImageFile reports whether name carries one of Extensions.
func IsImageFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range Extensions {
		if ext == e {
			return true
		}
	}
	return false
}

// Normalize maps an 8-bit channel value to the network domain.
func Normalize(p uint8) float32 {
	return (float32(p) - pixelCenter) / pixelScale
}

// Denormalize maps a network value back to an 8-bit channel, rounding and
// clamping to [0, 255].
func Denormalize(v float32) uint8 {
	p := math.Round(float64(v)*pixelScale + pixelCenter)
	if p < 0 || math.IsNaN(p) {
		return 0
	}
	if p > 255 {
		return 255
	}
	return uint8(p)
}

// LoadImage decodes the image at path. PNG, JPEG and BMP are recognised.
func LoadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return img, nil
}

// Resize scales img to width x height with Catmull-Rom (bicubic) filtering.
func Resize(img image.Image, width, height int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

// ToCHW writes img as normalised RGB planes into dst, which must hold
// 3*height*width values, and returns it. A nil dst is allocated.
func ToCHW(img image.Image, dst []float32) ([]float32, error) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	plane := w * h
	if dst == nil {
		dst = make([]float32, 3*plane)
	}
	if len(dst) != 3*plane {
		return nil, fmt.Errorf("destination holds %d values, image needs %d", len(dst), 3*plane)
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			idx := y*w + x
			dst[idx] = Normalize(c.R)
			dst[plane+idx] = Normalize(c.G)
			dst[2*plane+idx] = Normalize(c.B)
		}
	}
	return dst, nil
}

// FromCHW turns normalised RGB planes back into an image.
func FromCHW(data []float32, height, width int) (*image.RGBA, error) {
	plane := height * width
	if len(data) != 3*plane {
		return nil, fmt.Errorf("got %d values for a 3x%dx%d image", len(data), height, width)
	}
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			idx := y*width + x
			img.SetRGBA(x, y, color.RGBA{
				R: Denormalize(data[idx]),
				G: Denormalize(data[plane+idx]),
				B: Denormalize(data[2*plane+idx]),
				A: 255,
			})
		}
	}
	return img, nil
}

// SavePNG encodes img to path, creating or truncating the file.
func SavePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	return f.Close()
}

// PNGName returns name with its extension replaced by .png.
func PNGName(name string) string {
	return strings.TrimSuffix(name, filepath.Ext(name)) + ".png"
}

// ImageProcessor turns encoded images into normalised CHW planes of a fixed
// size, resizing with Catmull-Rom when the source dimensions differ.
type ImageProcessor struct {
	mu            sync.Mutex
	processBuffer []float32
	width         int
	height        int
}

// NewImageProcessor creates a new image processor with the specified target size
func NewImageProcessor(width, height int) *ImageProcessor {
	return &ImageProcessor{
		width:  width,
		height: height,
	}
}

// ProcessedImage represents a preprocessed image ready for neural network input
type ProcessedImage struct {
	Data     []float32
	Width    int
	Height   int
	Channels int
}

// DecodeAndPreprocess decodes an image and returns it in CHW layout in the
// network domain.
func (p *ImageProcessor) DecodeAndPreprocess(reader io.Reader) (*ProcessedImage, error) {
	img, _, err := image.Decode(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return p.Preprocess(img)
}

// Preprocess converts an already decoded image.
func (p *ImageProcessor) Preprocess(img image.Image) (*ProcessedImage, error) {
	b := img.Bounds()
	if b.Dx() != p.width || b.Dy() != p.height {
		img = Resize(img, p.width, p.height)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	required := 3 * p.width * p.height
	if len(p.processBuffer) < required {
		p.processBuffer = make([]float32, required)
	}
	data, err := ToCHW(img, p.processBuffer[:required])
	if err != nil {
		return nil, err
	}

	// The buffer is reused by the next call.
	result := make([]float32, len(data))
	copy(result, data)

	return &ProcessedImage{
		Data:     result,
		Width:    p.width,
		Height:   p.height,
		Channels: 3,
	}, nil
}

// ProcessFile opens and preprocesses the image at path.
func (p *ImageProcessor) ProcessFile(path string) (*ProcessedImage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	out, err := p.DecodeAndPreprocess(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return out, nil
}
