package mailparser

import (
	"io"
	"mime"
	"strings"

	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/japanese"
)

var wordDecoder = &mime.WordDecoder{
	CharsetReader: func(charset string, input io.Reader) (io.Reader, error) {
		switch strings.ToLower(charset) {
		case "iso-2022-jp":
			return japanese.ISO2022JP.NewDecoder().Reader(input), nil
		}
		enc, err := htmlindex.Get(charset)
		if err != nil {
			// 未知の文字コードはそのまま読む
			return input, nil
		}
		return enc.NewDecoder().Reader(input), nil
	},
}

// DecodeHeader decodes RFC 2047 encoded-words. The result is valid UTF-8
// even when a word carries bytes its label does not describe.
func DecodeHeader(header string) (string, error) {
	decoded, err := wordDecoder.DecodeHeader(header)
	if err != nil {
		return "", err
	}
	return CleanUTF8(decoded), nil
}

// DecodeHeaderOr decodes header, falling back to the cleaned raw value.
func DecodeHeaderOr(header string) string {
	decoded, err := DecodeHeader(header)
	if err != nil {
		return CleanUTF8(header)
	}
	return decoded
}
