package stamp

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/digitorus/pdf"
)

const maxObjectDepth = 64

var errObjectTooDeep = errors.New("object nesting too deep")

// objRef identifies an indirect object.
type objRef struct {
	id  uint32
	gen uint16
}

func refOf(v pdf.Value) objRef {
	p := v.GetPtr()
	return objRef{id: p.GetID(), gen: p.GetGen()}
}

func (r objRef) String() string {
	return fmt.Sprintf("%d %d R", r.id, r.gen)
}

// writeChild emits v as it appears inside the object owned by owner: values
// that live in their own indirect object become references, the rest are
// written inline.
func writeChild(buf *bytes.Buffer, v pdf.Value, owner objRef, depth int) error {
	if r := refOf(v); r != owner && r.id != 0 {
		buf.WriteString(r.String())
		return nil
	}
	return writeDirect(buf, v, owner, depth)
}

func writeDirect(buf *bytes.Buffer, v pdf.Value, owner objRef, depth int) error {
	if depth > maxObjectDepth {
		return errObjectTooDeep
	}
	switch v.Kind() {
	case pdf.Null:
		buf.WriteString("null")
	case pdf.Bool:
		buf.WriteString(strconv.FormatBool(v.Bool()))
	case pdf.Integer:
		buf.WriteString(strconv.FormatInt(v.Int64(), 10))
	case pdf.Real:
		buf.WriteString(formatNumber(v.Float64()))
	case pdf.String:
		buf.WriteByte('<')
		buf.WriteString(hex.EncodeToString([]byte(v.RawString())))
		buf.WriteByte('>')
	case pdf.Name:
		writeName(buf, v.Name())
	case pdf.Array:
		buf.WriteByte('[')
		for i := 0; i < v.Len(); i++ {
			if i > 0 {
				buf.WriteByte(' ')
			}
			if err := writeChild(buf, v.Index(i), owner, depth+1); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case pdf.Dict:
		buf.WriteString("<<")
		for _, key := range v.Keys() {
			writeName(buf, key)
			buf.WriteByte(' ')
			if err := writeChild(buf, v.Key(key), owner, depth+1); err != nil {
				return err
			}
		}
		buf.WriteString(">>")
	case pdf.Stream:
		return errors.New("stream cannot be written inline")
	default:
		return fmt.Errorf("unsupported object kind %v", v.Kind())
	}
	return nil
}

// writeName writes /name, escaping bytes that are not regular characters.
func writeName(buf *bytes.Buffer, name string) {
	buf.WriteByte('/')
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c < 0x21 || c > 0x7e || strings.IndexByte("()<>[]{}/%#", c) >= 0 {
			fmt.Fprintf(buf, "#%02X", c)
			continue
		}
		buf.WriteByte(c)
	}
}

func formatNumber(f float64) string {
	s := strconv.FormatFloat(f, 'f', 4, 64)
	s = trimZeros(s)
	if s == "-0" {
		return "0"
	}
	return s
}

func trimZeros(s string) string {
	if !strings.Contains(s, ".") {
		return s
	}
	i := len(s)
	for i > 0 && s[i-1] == '0' {
		i--
	}
	if i > 0 && s[i-1] == '.' {
		i--
	}
	return s[:i]
}
