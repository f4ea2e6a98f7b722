package stamp

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strconv"
)

// update collects objects for one incremental update section. The original
// file is copied untouched and the new section is appended after it, so every
// object that is not rewritten keeps its exact original bytes.
type update struct {
	original []byte
	nextID   uint32
	objects  map[objRef][]byte
}

func newUpdate(original []byte, size uint32) *update {
	return &update{
		original: original,
		nextID:   size,
		objects:  make(map[objRef][]byte),
	}
}

// allocate reserves a fresh object number.
func (u *update) allocate() objRef {
	r := objRef{id: u.nextID}
	u.nextID++
	return r
}

// put sets the body of an object (everything between "obj" and "endobj").
func (u *update) put(r objRef, body []byte) {
	u.objects[r] = body
}

// trailerInfo carries the entries copied forward from the previous trailer.
type trailerInfo struct {
	root   objRef
	info   *objRef
	id     []byte
	prev   int64
	stream bool
}

func (u *update) write(t trailerInfo) []byte {
	var out bytes.Buffer
	out.Grow(len(u.original) + 4096)
	out.Write(u.original)
	if n := len(u.original); n > 0 && u.original[n-1] != '\n' && u.original[n-1] != '\r' {
		out.WriteByte('\n')
	}

	refs := make([]objRef, 0, len(u.objects)+1)
	for r := range u.objects {
		refs = append(refs, r)
	}
	offsets := make(map[objRef]int64, len(refs)+1)
	sort.Slice(refs, func(i, j int) bool { return refs[i].id < refs[j].id })
	for _, r := range refs {
		offsets[r] = int64(out.Len())
		fmt.Fprintf(&out, "%d %d obj\n", r.id, r.gen)
		out.Write(u.objects[r])
		out.WriteString("\nendobj\n")
	}

	if t.stream {
		u.writeXRefStream(&out, refs, offsets, t)
	} else {
		u.writeXRefTable(&out, refs, offsets, t)
	}
	return out.Bytes()
}

func (u *update) writeXRefTable(out *bytes.Buffer, refs []objRef, offsets map[objRef]int64, t trailerInfo) {
	xrefOffset := out.Len()
	out.WriteString("xref\n")
	for _, sub := range subsections(refs) {
		fmt.Fprintf(out, "%d %d\n", sub[0].id, len(sub))
		for _, r := range sub {
			fmt.Fprintf(out, "%010d %05d n \n", offsets[r], r.gen)
		}
	}
	out.WriteString("trailer\n")
	out.WriteString(u.trailerDict(t, u.nextID))
	fmt.Fprintf(out, "\nstartxref\n%d\n%%%%EOF\n", xrefOffset)
}

func (u *update) writeXRefStream(out *bytes.Buffer, refs []objRef, offsets map[objRef]int64, t trailerInfo) {
	self := u.allocate()
	xrefOffset := int64(out.Len())
	offsets[self] = xrefOffset
	refs = append(refs, self)

	var data bytes.Buffer
	var index bytes.Buffer
	for i, sub := range subsections(refs) {
		if i > 0 {
			index.WriteByte(' ')
		}
		fmt.Fprintf(&index, "%d %d", sub[0].id, len(sub))
		for _, r := range sub {
			var entry [7]byte
			entry[0] = 1
			binary.BigEndian.PutUint32(entry[1:5], uint32(offsets[r]))
			binary.BigEndian.PutUint16(entry[5:7], r.gen)
			data.Write(entry[:])
		}
	}

	dict := u.trailerDict(t, u.nextID)
	// splice the xref stream keys into the trailer dictionary
	dict = dict[:len(dict)-2] + fmt.Sprintf("/Type /XRef /W [1 4 2] /Index [%s] /Length %d>>", index.String(), data.Len())
	fmt.Fprintf(out, "%d %d obj\n%s\nstream\n", self.id, self.gen, dict)
	out.Write(data.Bytes())
	out.WriteString("\nendstream\nendobj\n")
	fmt.Fprintf(out, "startxref\n%d\n%%%%EOF\n", xrefOffset)
}

func (u *update) trailerDict(t trailerInfo, size uint32) string {
	var b bytes.Buffer
	fmt.Fprintf(&b, "<</Size %d /Root %s", size, t.root)
	if t.info != nil {
		fmt.Fprintf(&b, " /Info %s", *t.info)
	}
	if len(t.id) > 0 {
		b.WriteString(" /ID ")
		b.Write(t.id)
	}
	fmt.Fprintf(&b, " /Prev %d ", t.prev)
	b.WriteString(">>")
	return b.String()
}

// subsections groups sorted refs into runs of consecutive object numbers.
func subsections(refs []objRef) [][]objRef {
	var out [][]objRef
	for _, r := range refs {
		n := len(out)
		if n > 0 {
			last := out[n-1]
			if last[len(last)-1].id+1 == r.id {
				out[n-1] = append(last, r)
				continue
			}
		}
		out = append(out, []objRef{r})
	}
	return out
}

// lastStartXRef returns the offset recorded by the final startxref keyword.
func lastStartXRef(data []byte) (int64, error) {
	i := bytes.LastIndex(data, []byte("startxref"))
	if i < 0 {
		return 0, errors.New("startxref not found")
	}
	rest := bytes.TrimLeft(data[i+len("startxref"):], " \t\r\n")
	end := 0
	for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0, errors.New("startxref offset missing")
	}
	off, err := strconv.ParseInt(string(rest[:end]), 10, 64)
	if err != nil || off < 0 || off >= int64(len(data)) {
		return 0, fmt.Errorf("invalid startxref offset %q", rest[:end])
	}
	return off, nil
}

// usesXRefStream reports whether the section at off is a cross-reference stream.
func usesXRefStream(data []byte, off int64) bool {
	return !bytes.HasPrefix(bytes.TrimLeft(data[off:], " \t\r\n"), []byte("xref"))
}
