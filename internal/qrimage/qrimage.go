// Package qrimage renders QR codes as grayscale rasters.
//
// Output is a pure function of its inputs so repeated renders of the same
// payload produce identical PNG bytes.
package qrimage

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"strings"

	qrcode "github.com/skip2/go-qrcode"
)

const (
	DefaultBoxSize         = 10
	DefaultBorder          = 4
	DefaultMaxPayloadBytes = 2048
)

var (
	ErrPayloadTooLarge = errors.New("qr payload too large")
	ErrInvalidParams   = errors.New("invalid qr parameters")
)

// Level is the QR error-correction level.
type Level string

const (
	LevelL Level = "L"
	LevelM Level = "M"
	LevelQ Level = "Q"
	LevelH Level = "H"
)

// ParseLevel accepts L, M, Q or H (case-insensitive); empty means L.
func ParseLevel(raw string) (Level, error) {
	switch Level(strings.ToUpper(strings.TrimSpace(raw))) {
	case "", LevelL:
		return LevelL, nil
	case LevelM:
		return LevelM, nil
	case LevelQ:
		return LevelQ, nil
	case LevelH:
		return LevelH, nil
	default:
		return "", fmt.Errorf("%w: unknown error correction level %q", ErrInvalidParams, raw)
	}
}

func (l Level) recovery() (qrcode.RecoveryLevel, error) {
	switch l {
	case LevelL, "":
		return qrcode.Low, nil
	case LevelM:
		return qrcode.Medium, nil
	case LevelQ:
		return qrcode.High, nil
	case LevelH:
		return qrcode.Highest, nil
	default:
		return 0, fmt.Errorf("%w: unknown error correction level %q", ErrInvalidParams, string(l))
	}
}

// Options are the rendering parameters.
type Options struct {
	Level   Level
	BoxSize int
	Border  int
}

// DefaultOptions matches the classic qrcode defaults: level L, 10px modules, 4 module quiet zone.
func DefaultOptions() Options {
	return Options{Level: LevelL, BoxSize: DefaultBoxSize, Border: DefaultBorder}
}

// Encoder renders payloads up to MaxPayloadBytes.
type Encoder struct {
	MaxPayloadBytes int
}

func NewEncoder(maxPayloadBytes int) *Encoder {
	if maxPayloadBytes <= 0 {
		maxPayloadBytes = DefaultMaxPayloadBytes
	}
	return &Encoder{MaxPayloadBytes: maxPayloadBytes}
}

// Encode renders data as a black-on-white grayscale image.
func (e *Encoder) Encode(data string, opts Options) (*image.Gray, error) {
	if data == "" {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidParams)
	}
	if opts.BoxSize < 1 {
		return nil, fmt.Errorf("%w: box size must be at least 1", ErrInvalidParams)
	}
	if opts.Border < 0 {
		return nil, fmt.Errorf("%w: border must not be negative", ErrInvalidParams)
	}
	if e.MaxPayloadBytes > 0 && len(data) > e.MaxPayloadBytes {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrPayloadTooLarge, len(data), e.MaxPayloadBytes)
	}
	level, err := opts.Level.recovery()
	if err != nil {
		return nil, err
	}
	code, err := qrcode.New(data, level)
	if err != nil {
		// the only failure left is exceeding the largest symbol version
		return nil, fmt.Errorf("%w: %v", ErrPayloadTooLarge, err)
	}
	code.DisableBorder = true
	return render(code.Bitmap(), opts.BoxSize, opts.Border), nil
}

// EncodePNG renders data and encodes it as PNG.
func (e *Encoder) EncodePNG(data string, opts Options) ([]byte, error) {
	img, err := e.Encode(data, opts)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.DefaultCompression}
	if err := enc.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

func render(modules [][]bool, boxSize, border int) *image.Gray {
	n := len(modules)
	side := (n + 2*border) * boxSize
	img := image.NewGray(image.Rect(0, 0, side, side))
	for i := range img.Pix {
		img.Pix[i] = 0xff
	}
	for y, row := range modules {
		for x, dark := range row {
			if !dark {
				continue
			}
			x0 := (x + border) * boxSize
			y0 := (y + border) * boxSize
			for dy := 0; dy < boxSize; dy++ {
				for dx := 0; dx < boxSize; dx++ {
					img.SetGray(x0+dx, y0+dy, color.Gray{Y: 0})
				}
			}
		}
	}
	return img
}
