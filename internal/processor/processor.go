package processor

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"

	"github.com/aliskhannn/upload-queue/internal/model"
)

// goRegular is the watermark font used when no font file is configured.
var goRegular = sync.OnceValues(func() (*truetype.Font, error) {
	return truetype.Parse(goregular.TTF)
})

// Processor executes image operations such as resize, rotation,
// thumbnail generation, watermarking and transcoding on in-memory files.
type Processor struct {
	fontPath string
}

// New creates a new Processor. fontPath is a TrueType font used for
// watermarks; when empty the Go Regular font is used.
func New(fontPath string) *Processor {
	return &Processor{fontPath: fontPath}
}

// Supports reports whether op is an image operation handled by Process.
func (p *Processor) Supports(op model.OperationType) bool {
	switch op {
	case model.OperationResizeCrop, model.OperationRotate, model.OperationThumbnailGeneration,
		model.OperationWatermark, model.OperationTranscodeImage:
		return true
	default:
		return false
	}
}

// Process applies op to file and returns the resulting file.
func (p *Processor) Process(ctx context.Context, op model.Operation, file model.File) (model.File, error) {
	if err := ctx.Err(); err != nil {
		return model.File{}, err
	}

	switch op.Type {
	case model.OperationResizeCrop:
		return p.resize(file, op.Args)
	case model.OperationRotate:
		return p.rotate(file, op.Args)
	case model.OperationThumbnailGeneration:
		return p.thumbnail(file, op.Args)
	case model.OperationWatermark:
		return p.watermark(file, op.Args)
	case model.OperationTranscodeImage:
		return p.transcode(file, op.Args)
	default:
		return model.File{}, fmt.Errorf("unknown image operation: %s", op.Type)
	}
}

// resize resizes the image to the specified width and height. With
// crop=true the image is cropped to fill the exact size; a zero width or
// height keeps the aspect ratio.
func (p *Processor) resize(file model.File, args map[string]string) (model.File, error) {
	width, height, err := dimensions(args)
	if err != nil {
		return model.File{}, err
	}

	img, err := decode(file)
	if err != nil {
		return model.File{}, err
	}

	var resized *image.NRGBA
	if crop, _ := strconv.ParseBool(args["crop"]); crop && width > 0 && height > 0 {
		resized = imaging.Fill(img, width, height, imaging.Center, imaging.Lanczos)
	} else {
		resized = imaging.Resize(img, width, height, imaging.Lanczos)
	}

	return encode(resized, file.Name)
}

// rotate rotates the image counter-clockwise by "angle" degrees.
func (p *Processor) rotate(file model.File, args map[string]string) (model.File, error) {
	angle, err := strconv.ParseFloat(args["angle"], 64)
	if err != nil {
		return model.File{}, fmt.Errorf("invalid angle: %v", err)
	}

	img, err := decode(file)
	if err != nil {
		return model.File{}, err
	}

	var rotated *image.NRGBA
	switch angle {
	case 90, -270:
		rotated = imaging.Rotate90(img)
	case 180, -180:
		rotated = imaging.Rotate180(img)
	case 270, -90:
		rotated = imaging.Rotate270(img)
	default:
		rotated = imaging.Rotate(img, angle, color.Transparent)
	}

	return encode(rotated, file.Name)
}

// thumbnail generates a small thumbnail of the image. The result is named
// after the original with a "-<width>x<height>" suffix.
func (p *Processor) thumbnail(file model.File, args map[string]string) (model.File, error) {
	width, height, err := dimensions(args)
	if err != nil {
		return model.File{}, err
	}
	if width == 0 || height == 0 {
		return model.File{}, fmt.Errorf("thumbnail needs both width and height")
	}

	img, err := decode(file)
	if err != nil {
		return model.File{}, err
	}

	thumb := imaging.Thumbnail(img, width, height, imaging.Lanczos)

	ext := filepath.Ext(file.Name)
	name := fmt.Sprintf("%s-%dx%d%s", strings.TrimSuffix(file.Name, ext), width, height, ext)

	return encode(thumb, name)
}

// watermark adds a watermark text to the image in the bottom-right corner.
func (p *Processor) watermark(file model.File, args map[string]string) (model.File, error) {
	text := args["text"]
	if text == "" {
		text = "Watermark"
	}

	img, err := decode(file)
	if err != nil {
		return model.File{}, err
	}

	// Draw watermark text on top of the image.
	dc := gg.NewContextForImage(img)
	dc.SetColor(color.White)

	fontSize := float64(dc.Width()) * 0.05 // 5% of the image width

	face, err := p.fontFace(fontSize)
	if err != nil {
		return model.File{}, fmt.Errorf("failed to load font: %w", err)
	}
	dc.SetFontFace(face)

	margin := 10.0
	x := float64(dc.Width()) - margin
	y := float64(dc.Height()) - margin

	dc.DrawStringAnchored(text, x, y, 1, 1) // bottom-right corner
	dc.Fill()

	return encode(dc.Image(), file.Name)
}

func (p *Processor) fontFace(size float64) (font.Face, error) {
	if p.fontPath != "" {
		return gg.LoadFontFace(p.fontPath, size)
	}

	f, err := goRegular()
	if err != nil {
		return nil, err
	}

	return truetype.NewFace(f, &truetype.Options{Size: size}), nil
}

// transcode re-encodes the image into "format" (jpeg, png, gif, tif, bmp).
func (p *Processor) transcode(file model.File, args map[string]string) (model.File, error) {
	ext := strings.ToLower(strings.TrimPrefix(args["format"], "."))
	if _, err := imaging.FormatFromExtension(ext); err != nil {
		return model.File{}, fmt.Errorf("invalid format %q: %w", args["format"], err)
	}

	img, err := decode(file)
	if err != nil {
		return model.File{}, err
	}

	name := strings.TrimSuffix(file.Name, filepath.Ext(file.Name)) + "." + ext

	return encode(img, name)
}

func dimensions(args map[string]string) (int, int, error) {
	width, err := atoiOrZero(args["width"])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid width: %v", err)
	}
	height, err := atoiOrZero(args["height"])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid height: %v", err)
	}
	if width < 0 || height < 0 || width == 0 && height == 0 {
		return 0, 0, fmt.Errorf("invalid dimensions %dx%d", width, height)
	}

	return width, height, nil
}

func atoiOrZero(s string) (int, error) {
	if s == "" {
		return 0, nil
	}

	return strconv.Atoi(s)
}

// decode decodes the file data, applying EXIF orientation.
func decode(file model.File) (image.Image, error) {
	img, err := imaging.Decode(bytes.NewReader(file.Data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	return img, nil
}

// encode encodes img in the format implied by name (JPEG when unknown) and
// returns it as a new file.
func encode(img image.Image, name string) (model.File, error) {
	format, err := imaging.FormatFromFilename(name)
	if err != nil {
		format = imaging.JPEG
	}

	buf := bytes.NewBuffer(nil)
	if err := imaging.Encode(buf, img, format); err != nil {
		return model.File{}, fmt.Errorf("failed to encode image: %w", err)
	}

	return model.File{
		Name:     name,
		MimeType: mimeTypes[format],
		Size:     int64(buf.Len()),
		Data:     buf.Bytes(),
	}, nil
}

var mimeTypes = map[imaging.Format]string{
	imaging.JPEG: "image/jpeg",
	imaging.PNG:  "image/png",
	imaging.GIF:  "image/gif",
	imaging.TIFF: "image/tiff",
	imaging.BMP:  "image/bmp",
}
