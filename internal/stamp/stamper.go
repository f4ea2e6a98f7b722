// Package stamp places a QR image onto one page of a PDF.
//
// Stamping appends an incremental update: new image and overlay objects plus a
// rewritten copy of the target page object. Bytes of the source file are never
// modified, so every other page stays byte-identical.
package stamp

import (
	"bytes"
	"compress/zlib"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"math"

	"github.com/digitorus/pdf"
)

const (
	DefaultMinSize = 20
	DefaultMaxSize = 500
)

var (
	ErrSourceNotFound = errors.New("source document not found")
	ErrInvalidPage    = errors.New("invalid target page")
	ErrSizeOutOfRange = errors.New("stamp size out of range")
	ErrRenderFailure  = errors.New("stamp render failed")
)

// Config bounds the accepted stamp size in request units.
type Config struct {
	MinSize float64
	MaxSize float64
}

// Request describes where to put the stamp.
type Request struct {
	Page   int
	Box    Box
	Canvas *Space
}

// Result is the stamped file and where the image landed.
type Result struct {
	PDF       []byte
	Placement Box
	PageSize  Space
}

type Stamper struct {
	minSize float64
	maxSize float64
}

func New(cfg Config) (*Stamper, error) {
	if cfg.MinSize <= 0 {
		cfg.MinSize = DefaultMinSize
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	if cfg.MinSize > cfg.MaxSize {
		return nil, fmt.Errorf("stamp min size %.2f exceeds max size %.2f", cfg.MinSize, cfg.MaxSize)
	}
	return &Stamper{minSize: cfg.MinSize, maxSize: cfg.MaxSize}, nil
}

// Check validates a request against the page count and size bounds.
func (s *Stamper) Check(req Request, pageCount int) error {
	if req.Page < 0 || req.Page >= pageCount {
		return fmt.Errorf("%w: page %d not in [0, %d)", ErrInvalidPage, req.Page, pageCount)
	}
	if !s.sizeInRange(req.Box.Width) || !s.sizeInRange(req.Box.Height) {
		return fmt.Errorf("%w: %.2fx%.2f not within [%.0f, %.0f]", ErrSizeOutOfRange, req.Box.Width, req.Box.Height, s.minSize, s.maxSize)
	}
	if math.IsNaN(req.Box.X) || math.IsNaN(req.Box.Y) || math.IsInf(req.Box.X, 0) || math.IsInf(req.Box.Y, 0) {
		return fmt.Errorf("%w: position must be finite", ErrSizeOutOfRange)
	}
	return nil
}

// Place resolves a checked request on a page of the given size.
func (s *Stamper) Place(req Request, pageCount int, page Space) (Box, error) {
	if err := s.Check(req, pageCount); err != nil {
		return Box{}, err
	}
	if !page.valid() {
		return Box{}, fmt.Errorf("%w: page has no usable size", ErrRenderFailure)
	}
	box := Resolve(req.Box, req.Canvas, page)
	if !Fits(box, page) {
		return Box{}, fmt.Errorf("%w: %.2fx%.2f does not fit a %.2fx%.2f page", ErrSizeOutOfRange, box.Width, box.Height, page.Width, page.Height)
	}
	return box, nil
}

func (s *Stamper) sizeInRange(v float64) bool {
	return v >= s.minSize && v <= s.maxSize
}

// Stamp draws qr onto the requested page of src. src is not modified.
func (s *Stamper) Stamp(src []byte, qr image.Image, req Request) (res Result, err error) {
	if len(src) == 0 {
		return Result{}, ErrSourceNotFound
	}
	if qr == nil || qr.Bounds().Empty() {
		return Result{}, fmt.Errorf("%w: empty image", ErrRenderFailure)
	}
	// the reader panics on some malformed inputs
	defer func() {
		if r := recover(); r != nil {
			res = Result{}
			err = fmt.Errorf("%w: %v", ErrRenderFailure, r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(src), int64(len(src)))
	if err != nil {
		return Result{}, fmt.Errorf("%w: open pdf: %v", ErrRenderFailure, err)
	}
	trailer := reader.Trailer()
	if !trailer.Key("Encrypt").IsNull() {
		return Result{}, fmt.Errorf("%w: encrypted documents are not supported", ErrRenderFailure)
	}
	if err := s.Check(req, reader.NumPage()); err != nil {
		return Result{}, err
	}
	page := reader.Page(req.Page + 1).V
	if page.IsNull() {
		return Result{}, fmt.Errorf("%w: page %d missing", ErrInvalidPage, req.Page)
	}
	mediaBox, err := mediaBoxOf(page)
	if err != nil {
		return Result{}, err
	}
	pageSpace := Space{Width: mediaBox.Width, Height: mediaBox.Height}
	box, err := s.Place(req, reader.NumPage(), pageSpace)
	if err != nil {
		return Result{}, err
	}

	prev, err := lastStartXRef(src)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrRenderFailure, err)
	}
	size := trailer.Key("Size").Int64()
	if size <= 0 || size > math.MaxUint32/2 {
		return Result{}, fmt.Errorf("%w: invalid trailer size", ErrRenderFailure)
	}
	info, err := trailerEntries(trailer, prev, usesXRefStream(src, prev))
	if err != nil {
		return Result{}, err
	}

	u := newUpdate(src, uint32(size))
	if err := addStamp(u, page, mediaBox, box, qr); err != nil {
		return Result{}, err
	}
	return Result{
		PDF:       u.write(info),
		Placement: box,
		PageSize:  pageSpace,
	}, nil
}

func trailerEntries(trailer pdf.Value, prev int64, stream bool) (trailerInfo, error) {
	root := trailer.Key("Root")
	if root.Kind() != pdf.Dict || refOf(root).id == 0 {
		return trailerInfo{}, fmt.Errorf("%w: document catalog missing", ErrRenderFailure)
	}
	t := trailerInfo{root: refOf(root), prev: prev, stream: stream}
	if info := trailer.Key("Info"); !info.IsNull() {
		if r := refOf(info); r.id != 0 {
			t.info = &r
		}
	}
	if id := trailer.Key("ID"); id.Kind() == pdf.Array {
		var buf bytes.Buffer
		if err := writeDirect(&buf, id, refOf(trailer), 0); err != nil {
			return trailerInfo{}, fmt.Errorf("%w: %v", ErrRenderFailure, err)
		}
		t.id = buf.Bytes()
	}
	return t, nil
}

// pageBox is a MediaBox: origin plus size.
type pageBox struct {
	X, Y          float64
	Width, Height float64
}

func mediaBoxOf(page pdf.Value) (pageBox, error) {
	mb := inherited(page, "MediaBox")
	if mb.Kind() != pdf.Array || mb.Len() != 4 {
		return pageBox{}, fmt.Errorf("%w: page has no media box", ErrRenderFailure)
	}
	llx, lly := mb.Index(0).Float64(), mb.Index(1).Float64()
	urx, ury := mb.Index(2).Float64(), mb.Index(3).Float64()
	box := pageBox{
		X:      math.Min(llx, urx),
		Y:      math.Min(lly, ury),
		Width:  math.Abs(urx - llx),
		Height: math.Abs(ury - lly),
	}
	if box.Width <= 0 || box.Height <= 0 {
		return pageBox{}, fmt.Errorf("%w: empty media box", ErrRenderFailure)
	}
	return box, nil
}

// inherited looks up key on the page or the nearest ancestor in the page tree.
func inherited(page pdf.Value, key string) pdf.Value {
	v := page
	for i := 0; i < maxObjectDepth && !v.IsNull(); i++ {
		if x := v.Key(key); !x.IsNull() {
			return x
		}
		v = v.Key("Parent")
	}
	return pdf.Value{}
}

func addStamp(u *update, page pdf.Value, mb pageBox, box Box, qr image.Image) error {
	imgRef := u.allocate()
	formRef := u.allocate()
	openRef := u.allocate()
	closeRef := u.allocate()

	imgObj, err := imageXObject(qr)
	if err != nil {
		return err
	}
	u.put(imgRef, imgObj)

	drawOps := fmt.Sprintf("q\n%s 0 0 %s %s %s cm\n/Img Do\nQ\n",
		formatNumber(box.Width), formatNumber(box.Height),
		formatNumber(mb.X+box.X), formatNumber(mb.Y+box.Y))
	form := fmt.Sprintf("<</Type /XObject /Subtype /Form /BBox [%s %s %s %s] /Resources <</XObject <</Img %s>>>> /Length %d>>\nstream\n%s\nendstream",
		formatNumber(mb.X), formatNumber(mb.Y), formatNumber(mb.X+mb.Width), formatNumber(mb.Y+mb.Height),
		imgRef, len(drawOps), drawOps)
	u.put(formRef, []byte(form))

	xobjName := overlayName(inherited(page, "Resources"))
	u.put(openRef, streamObject("q\n"))
	u.put(closeRef, streamObject(fmt.Sprintf("Q\nq\n/%s Do\nQ\n", xobjName)))

	body, err := rewritePage(page, xobjName, formRef, openRef, closeRef)
	if err != nil {
		return err
	}
	u.put(refOf(page), body)
	return nil
}

func streamObject(content string) []byte {
	return []byte(fmt.Sprintf("<</Length %d>>\nstream\n%s\nendstream", len(content), content))
}

func imageXObject(img image.Image) ([]byte, error) {
	b := img.Bounds()
	gray, ok := img.(*image.Gray)
	if !ok || gray.Stride != b.Dx() || b.Min != (image.Point{}) {
		gray = image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(gray, gray.Bounds(), img, b.Min, draw.Src)
	}
	var data bytes.Buffer
	zw := zlib.NewWriter(&data)
	if _, err := zw.Write(gray.Pix); err != nil {
		return nil, fmt.Errorf("%w: compress image: %v", ErrRenderFailure, err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("%w: compress image: %v", ErrRenderFailure, err)
	}
	var obj bytes.Buffer
	fmt.Fprintf(&obj, "<</Type /XObject /Subtype /Image /Width %d /Height %d /ColorSpace /DeviceGray /BitsPerComponent 8 /Filter /FlateDecode /Length %d>>\nstream\n",
		b.Dx(), b.Dy(), data.Len())
	obj.Write(data.Bytes())
	obj.WriteString("\nendstream")
	return obj.Bytes(), nil
}

// overlayName picks an XObject resource name the page does not use yet.
func overlayName(resources pdf.Value) string {
	xobjects := resources.Key("XObject")
	name := "DocsealStamp"
	for i := 1; !xobjects.Key(name).IsNull(); i++ {
		name = fmt.Sprintf("DocsealStamp%d", i)
	}
	return name
}

// rewritePage serializes a copy of the page dictionary whose content is
// wrapped in q/Q and followed by the overlay form. Shared objects such as
// inherited resources are copied into the page rather than edited in place.
func rewritePage(page pdf.Value, xobjName string, form, openRef, closeRef objRef) ([]byte, error) {
	owner := refOf(page)
	var buf bytes.Buffer
	buf.WriteString("<<")
	for _, key := range page.Keys() {
		if key == "Contents" || key == "Resources" {
			continue
		}
		writeName(&buf, key)
		buf.WriteByte(' ')
		if err := writeChild(&buf, page.Key(key), owner, 1); err != nil {
			return nil, fmt.Errorf("%w: copy page /%s: %v", ErrRenderFailure, key, err)
		}
	}

	buf.WriteString("/Contents [")
	buf.WriteString(openRef.String())
	contents := page.Key("Contents")
	switch contents.Kind() {
	case pdf.Stream:
		buf.WriteByte(' ')
		buf.WriteString(refOf(contents).String())
	case pdf.Array:
		for i := 0; i < contents.Len(); i++ {
			part := contents.Index(i)
			if part.Kind() != pdf.Stream {
				continue
			}
			buf.WriteByte(' ')
			buf.WriteString(refOf(part).String())
		}
	}
	buf.WriteByte(' ')
	buf.WriteString(closeRef.String())
	buf.WriteString("]")

	buf.WriteString("/Resources <<")
	resources := inherited(page, "Resources")
	resOwner := refOf(resources)
	if resources.Kind() == pdf.Dict {
		for _, key := range resources.Keys() {
			if key == "XObject" {
				continue
			}
			writeName(&buf, key)
			buf.WriteByte(' ')
			if err := writeChild(&buf, resources.Key(key), resOwner, 1); err != nil {
				return nil, fmt.Errorf("%w: copy resources /%s: %v", ErrRenderFailure, key, err)
			}
		}
	}
	buf.WriteString("/XObject <<")
	xobjects := resources.Key("XObject")
	if xobjects.Kind() == pdf.Dict {
		xOwner := refOf(xobjects)
		for _, key := range xobjects.Keys() {
			writeName(&buf, key)
			buf.WriteByte(' ')
			if err := writeChild(&buf, xobjects.Key(key), xOwner, 2); err != nil {
				return nil, fmt.Errorf("%w: copy xobjects /%s: %v", ErrRenderFailure, key, err)
			}
		}
	}
	writeName(&buf, xobjName)
	buf.WriteByte(' ')
	buf.WriteString(form.String())
	buf.WriteString(">>>>")
	buf.WriteString(">>")
	return buf.Bytes(), nil
}
