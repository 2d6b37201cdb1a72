package mailbox

import (
	"errors"
	"fmt"
	"io"
	"strings"

	gomessage "github.com/emersion/go-message"
	gomail "github.com/emersion/go-message/mail"
	htmlcharset "golang.org/x/net/html/charset"
)

const maxBodyBytes = 2 << 20

func init() {
	gomessage.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		return htmlcharset.NewReaderLabel(charset, input)
	}
}

// ReadBody decodes an RFC 822 message and returns its HTML part, or the
// plain text part when there is no HTML.
func ReadBody(r io.Reader) (string, error) {
	reader, err := gomail.CreateReader(r)
	if err != nil && !gomessage.IsUnknownCharset(err) {
		return "", fmt.Errorf("parse message: %w", err)
	}

	var html, plain string
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if gomessage.IsUnknownCharset(err) {
				continue
			}
			if html != "" || plain != "" {
				break
			}
			return "", fmt.Errorf("read part: %w", err)
		}

		header, ok := part.Header.(*gomail.InlineHeader)
		if !ok {
			continue
		}
		mediaType, _, err := header.ContentType()
		if err != nil || mediaType == "" {
			mediaType = "text/plain"
		}

		b, err := io.ReadAll(io.LimitReader(part.Body, maxBodyBytes))
		if err != nil {
			return "", fmt.Errorf("read part body: %w", err)
		}
		text := string(b)
		if strings.TrimSpace(text) == "" {
			continue
		}

		switch strings.ToLower(mediaType) {
		case "text/html":
			if html == "" {
				html = text
			}
		case "text/plain":
			if plain == "" {
				plain = text
			}
		}
	}

	if html != "" {
		return html, nil
	}
	return plain, nil
}
