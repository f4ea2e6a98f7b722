package qrimage

import (
	"bytes"
	"errors"
	"image/png"
	"strings"
	"testing"
)

func TestEncodePNGDeterministic(t *testing.T) {
	enc := NewEncoder(0)
	payload := "https://docseal.example/verify?token=abc.def.ghi"
	first, err := enc.EncodePNG(payload, DefaultOptions())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	second, err := enc.EncodePNG(payload, DefaultOptions())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatalf("expected byte-identical output")
	}
	other, err := enc.EncodePNG(payload+"x", DefaultOptions())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if bytes.Equal(first, other) {
		t.Fatalf("different payloads must render differently")
	}
}

func TestEncodeGeometry(t *testing.T) {
	enc := NewEncoder(0)
	img, err := enc.Encode("hello", Options{Level: LevelL, BoxSize: 3, Border: 2})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	// "hello" fits a version 1 symbol: 21 modules.
	want := (21 + 2*2) * 3
	if b := img.Bounds(); b.Dx() != want || b.Dy() != want {
		t.Fatalf("size = %dx%d, want %dx%d", b.Dx(), b.Dy(), want, want)
	}
	if img.GrayAt(0, 0).Y != 0xff {
		t.Fatalf("quiet zone must be white")
	}
	// top-left finder pattern starts right after the border
	if img.GrayAt(2*3, 2*3).Y != 0 {
		t.Fatalf("finder pattern corner must be dark")
	}
}

func TestEncodePNGDecodes(t *testing.T) {
	data, err := NewEncoder(0).EncodePNG("token", DefaultOptions())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode png: %v", err)
	}
	if img.Bounds().Dx() != (21+8)*10 {
		t.Fatalf("unexpected width %d", img.Bounds().Dx())
	}
}

func TestEncodePayloadTooLarge(t *testing.T) {
	enc := NewEncoder(16)
	if _, err := enc.Encode(strings.Repeat("a", 17), DefaultOptions()); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("err = %v, want ErrPayloadTooLarge", err)
	}

	// beyond the largest symbol even when the configured cap allows it
	big := NewEncoder(1 << 20)
	if _, err := big.Encode(strings.Repeat("a", 8000), Options{Level: LevelH, BoxSize: 1}); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("err = %v, want ErrPayloadTooLarge", err)
	}
}

func TestEncodeInvalidParams(t *testing.T) {
	enc := NewEncoder(0)
	cases := []Options{
		{Level: LevelL, BoxSize: 0, Border: 4},
		{Level: LevelL, BoxSize: 10, Border: -1},
		{Level: "Z", BoxSize: 10, Border: 4},
	}
	for _, opts := range cases {
		if _, err := enc.Encode("x", opts); !errors.Is(err, ErrInvalidParams) {
			t.Fatalf("opts %+v: err = %v, want ErrInvalidParams", opts, err)
		}
	}
	if _, err := enc.Encode("", DefaultOptions()); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("empty payload: err = %v, want ErrInvalidParams", err)
	}
}

func TestParseLevel(t *testing.T) {
	for raw, want := range map[string]Level{"": LevelL, "l": LevelL, "M": LevelM, " q ": LevelQ, "h": LevelH} {
		got, err := ParseLevel(raw)
		if err != nil {
			t.Fatalf("parse %q: %v", raw, err)
		}
		if got != want {
			t.Fatalf("parse %q = %q, want %q", raw, got, want)
		}
	}
	if _, err := ParseLevel("x"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}
