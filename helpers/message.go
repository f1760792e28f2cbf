package helpers

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime/quotedprintable"
	"strings"

	"github.com/emersion/go-message"
	"github.com/k3a/html2text"
)

// TextPart is one leaf of a MIME tree as seen by content tests.
type TextPart struct {
	ContentType string
	Content     string
}

// ExtractParts walks the MIME structure of a message and returns its leaves
// with their decoded content. Multipart containers are descended into,
// leaves are returned in document order.
func ExtractParts(msg *message.Entity) ([]TextPart, error) {
	if msg == nil {
		return nil, fmt.Errorf("nil message entity")
	}

	var parts []TextPart
	var walk func(*message.Entity) error
	walk = func(entity *message.Entity) error {
		mediaType, _, err := entity.Header.ContentType()
		if err != nil || mediaType == "" {
			mediaType = "text/plain"
		}

		if strings.HasPrefix(mediaType, "multipart/") {
			mr := entity.MultipartReader()
			if mr == nil {
				return fmt.Errorf("nil multipart reader for multipart content type")
			}
			for {
				part, err := mr.NextPart()
				if err == io.EOF {
					return nil
				}
				if err != nil {
					return fmt.Errorf("error reading multipart: %v", err)
				}
				if err := walk(part); err != nil {
					return err
				}
			}
		}

		content, err := io.ReadAll(entity.Body)
		if err != nil {
			return fmt.Errorf("error reading entity body: %v", err)
		}
		parts = append(parts, TextPart{ContentType: mediaType, Content: string(content)})
		return nil
	}

	if err := walk(msg); err != nil {
		return nil, err
	}
	return parts, nil
}

// ExtractText returns the textual content of a message: text/plain parts
// verbatim and text/html parts converted with html2text. Non-text parts are
// skipped.
func ExtractText(msg *message.Entity) ([]string, error) {
	parts, err := ExtractParts(msg)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, p := range parts {
		switch {
		case p.ContentType == "text/html":
			out = append(out, html2text.HTML2Text(p.Content))
		case strings.HasPrefix(p.ContentType, "text/"):
			out = append(out, p.Content)
		}
	}
	return out, nil
}

// DecodeToBinary decodes the MIME-encoded content (e.g., Base64, Quoted-Printable) into raw binary.
// Entities read through go-message are decoded already; this is for raw parts.
func DecodeToBinary(part *message.Entity) (io.Reader, error) {
	encodingType := strings.ToLower(part.Header.Get("Content-Transfer-Encoding"))

	switch encodingType {
	case "base64":
		return base64.NewDecoder(base64.StdEncoding, part.Body), nil
	case "quoted-printable":
		return quotedprintable.NewReader(part.Body), nil
	case "", "7bit", "8bit", "binary":
		return part.Body, nil
	default:
		return nil, fmt.Errorf("unsupported encoding: %s", encodingType)
	}
}

// ReadEntity parses raw message bytes. Unknown charsets are not fatal.
func ReadEntity(raw []byte) (*message.Entity, error) {
	e, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
		return nil, err
	}
	return e, nil
}
