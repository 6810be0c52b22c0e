package pgsession

import (
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/korean"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"
	"golang.org/x/text/encoding/unicode"
)

// serverEncodings maps PostgreSQL client_encoding names to text encodings.
// UTF8 and SQL_ASCII are handled without a conversion pass.
var serverEncodings = map[string]encoding.Encoding{
	"UTF8":     unicode.UTF8,
	"LATIN1":   charmap.ISO8859_1,
	"LATIN2":   charmap.ISO8859_2,
	"LATIN3":   charmap.ISO8859_3,
	"LATIN4":   charmap.ISO8859_4,
	"LATIN5":   charmap.ISO8859_9,
	"LATIN7":   charmap.ISO8859_13,
	"LATIN9":   charmap.ISO8859_15,
	"ISO88595": charmap.ISO8859_5,
	"ISO88596": charmap.ISO8859_6,
	"ISO88597": charmap.ISO8859_7,
	"ISO88598": charmap.ISO8859_8,
	"KOI8R":    charmap.KOI8R,
	"KOI8U":    charmap.KOI8U,
	"WIN1250":  charmap.Windows1250,
	"WIN1251":  charmap.Windows1251,
	"WIN1252":  charmap.Windows1252,
	"WIN1253":  charmap.Windows1253,
	"WIN1254":  charmap.Windows1254,
	"WIN1255":  charmap.Windows1255,
	"WIN1256":  charmap.Windows1256,
	"WIN1257":  charmap.Windows1257,
	"WIN1258":  charmap.Windows1258,
	"WIN866":   charmap.CodePage866,
	"SJIS":     japanese.ShiftJIS,
	"EUCJP":    japanese.EUCJP,
	"EUCKR":    korean.EUCKR,
	"EUCCN":    simplifiedchinese.GBK,
	"GBK":      simplifiedchinese.GBK,
	"GB18030":  simplifiedchinese.GB18030,
	"BIG5":     traditionalchinese.Big5,
	"SQLASCII": nil,
}

func normalizeEncodingName(name string) string {
	var b strings.Builder
	for _, r := range name {
		if r == '-' || r == '_' || r == ' ' {
			continue
		}
		b.WriteRune(r)
	}
	s := strings.ToUpper(b.String())
	switch s {
	case "UNICODE":
		return "UTF8"
	case "ISO88591":
		return "LATIN1"
	}
	return s
}

// textCodec converts between the connection's client encoding and Go
// strings. The zero value passes bytes through, which is correct for UTF8
// and SQL_ASCII.
type textCodec struct {
	enc encoding.Encoding
}

func codecForEncoding(name string) textCodec {
	enc, ok := serverEncodings[normalizeEncodingName(name)]
	if !ok {
		return textCodec{}
	}
	if enc == unicode.UTF8 {
		enc = nil
	}
	return textCodec{enc: enc}
}

func (c textCodec) Decode(src []byte) (string, error) {
	if c.enc == nil {
		return string(src), nil
	}
	out, err := c.enc.NewDecoder().Bytes(src)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func (c textCodec) Encode(src string) ([]byte, error) {
	if c.enc == nil {
		return []byte(src), nil
	}
	return c.enc.NewEncoder().Bytes([]byte(src))
}
