package fetcher

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/klauspost/compress/flate"
)

var (
	errMemberNotFound = errors.New("feed member not found in archive")
	errNotText        = errors.New("payload is not delimited text")
)

type member struct {
	name string
	open func() ([]byte, error)
}

// strategy recovers archive members from a raw payload.
type strategy struct {
	name    string
	members func(data []byte) ([]member, error)
}

var strategies = []strategy{
	{name: "zip", members: zipMembers},
	{name: "local-headers", members: localHeaderMembers},
	{name: "plain-text", members: plainTextMember},
}

// extract returns the content of the member named want, falling back to the
// first .txt member. Strategies are attempted in order until one yields it.
func extract(data []byte, want string) ([]byte, string, error) {
	var errs []error
	for _, s := range strategies {
		members, err := s.members(data)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
			continue
		}
		m, ok := pick(members, want)
		if !ok {
			errs = append(errs, fmt.Errorf("%s: %w", s.name, errMemberNotFound))
			continue
		}
		content, err := m.open()
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
			continue
		}
		return content, s.name, nil
	}
	return nil, "", errors.Join(errs...)
}

func pick(members []member, want string) (member, bool) {
	want = path.Base(strings.ReplaceAll(want, "\\", "/"))
	for _, m := range members {
		if m.name == "" || strings.EqualFold(baseName(m.name), want) {
			return m, true
		}
	}
	for _, m := range members {
		if strings.EqualFold(path.Ext(baseName(m.name)), ".txt") {
			return m, true
		}
	}
	return member{}, false
}

func baseName(name string) string {
	return path.Base(strings.ReplaceAll(name, "\\", "/"))
}

func zipMembers(data []byte) ([]member, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, err
	}
	members := make([]member, 0, len(zr.File))
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		members = append(members, member{
			name: f.Name,
			open: func() ([]byte, error) {
				rc, err := f.Open()
				if err != nil {
					return nil, err
				}
				defer rc.Close()
				return io.ReadAll(rc)
			},
		})
	}
	return members, nil
}

const (
	localHeaderSig  = 0x04034b50
	localHeaderSize = 30
	methodStore     = 0
	methodDeflate   = 8
	flagDescriptor  = 0x8
)

// localHeaderMembers walks local file headers directly. It recovers members
// from archives whose central directory is missing or damaged.
func localHeaderMembers(data []byte) ([]member, error) {
	sig := []byte{0x50, 0x4b, 0x03, 0x04}
	var members []member

	for off := bytes.Index(data, sig); off >= 0 && off+localHeaderSize <= len(data); {
		h := data[off:]
		if binary.LittleEndian.Uint32(h) != localHeaderSig {
			break
		}
		flags := binary.LittleEndian.Uint16(h[6:])
		method := binary.LittleEndian.Uint16(h[8:])
		compSize := int(binary.LittleEndian.Uint32(h[18:]))
		nameLen := int(binary.LittleEndian.Uint16(h[26:]))
		extraLen := int(binary.LittleEndian.Uint16(h[28:]))

		start := off + localHeaderSize + nameLen + extraLen
		if start > len(data) {
			break
		}
		name := string(data[off+localHeaderSize : off+localHeaderSize+nameLen])

		// Sizes are only trustworthy without a data descriptor; a body that runs
		// past the end is a truncated archive.
		end := len(data)
		if flags&flagDescriptor == 0 && start+compSize <= len(data) {
			end = start + compSize
		}
		body := data[start:end]

		switch method {
		case methodStore:
			members = append(members, member{name: name, open: func() ([]byte, error) {
				return body, nil
			}})
		case methodDeflate:
			members = append(members, member{name: name, open: func() ([]byte, error) {
				fr := flate.NewReader(bytes.NewReader(body))
				defer fr.Close()
				return io.ReadAll(fr)
			}})
		}

		from := start
		if end < len(data) {
			from = end
		}
		next := bytes.Index(data[from:], sig)
		if next < 0 {
			break
		}
		off = from + next
	}

	if len(members) == 0 {
		return nil, errors.New("no local file headers found")
	}
	return members, nil
}

// plainTextMember treats the payload itself as the feed when it looks like
// delimited text.
func plainTextMember(data []byte) ([]member, error) {
	if !looksLikeFeed(data) {
		return nil, errNotText
	}
	return []member{{open: func() ([]byte, error) { return data, nil }}}, nil
}

func looksLikeFeed(data []byte) bool {
	sample := data
	if len(sample) > 4096 {
		sample = sample[:4096]
	}
	if len(sample) == 0 || bytes.IndexByte(sample, 0) >= 0 {
		return false
	}
	if bytes.HasPrefix(sample, []byte("PK")) {
		return false
	}
	return bytes.ContainsAny(sample, "|;\t")
}
