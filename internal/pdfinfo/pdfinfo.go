// Package pdfinfo reads page geometry from an uploaded PDF.
package pdfinfo

import (
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/ledongthuc/pdf"

	"docseal/pkg/domain"
)

var ErrNotPDF = errors.New("not a readable pdf")

const maxTreeDepth = 64

// Inspect returns the size of every page, in page order.
func Inspect(r io.ReaderAt, size int64) (pages []domain.PageSize, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			pages = nil
			err = fmt.Errorf("%w: %v", ErrNotPDF, rec)
		}
	}()
	reader, err := pdf.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotPDF, err)
	}
	if !reader.Trailer().Key("Encrypt").IsNull() {
		return nil, fmt.Errorf("%w: encrypted", ErrNotPDF)
	}
	n := reader.NumPage()
	if n == 0 {
		return nil, fmt.Errorf("%w: no pages", ErrNotPDF)
	}
	pages = make([]domain.PageSize, 0, n)
	for i := 1; i <= n; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			return nil, fmt.Errorf("%w: page %d missing", ErrNotPDF, i)
		}
		ps, err := mediaBox(page.V)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", i, err)
		}
		pages = append(pages, ps)
	}
	return pages, nil
}

func mediaBox(v pdf.Value) (domain.PageSize, error) {
	for depth := 0; depth < maxTreeDepth && !v.IsNull(); depth++ {
		mb := v.Key("MediaBox")
		if mb.Kind() == pdf.Array && mb.Len() == 4 {
			w := math.Abs(mb.Index(2).Float64() - mb.Index(0).Float64())
			h := math.Abs(mb.Index(3).Float64() - mb.Index(1).Float64())
			if w <= 0 || h <= 0 {
				return domain.PageSize{}, fmt.Errorf("%w: empty media box", ErrNotPDF)
			}
			return domain.PageSize{Width: w, Height: h}, nil
		}
		v = v.Key("Parent")
	}
	return domain.PageSize{}, fmt.Errorf("%w: media box missing", ErrNotPDF)
}
