package transport

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"
	"golang.org/x/text/transform"
)

// Decoder 增量解码器：把设备输出字节转为 UTF-8 文本。
// 跨块截断的多字节序列保留到下一块再解码。
type Decoder struct {
	tr    transform.Transformer
	carry []byte
}

// NewDecoder 按字符集名称创建解码器；空、utf-8 使用 UTF-8 模式
func NewDecoder(charset string) (*Decoder, error) {
	name := strings.ToLower(strings.TrimSpace(charset))
	if name == "" || name == "utf-8" || name == "utf8" {
		return &Decoder{}, nil
	}
	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil, fmt.Errorf("unsupported charset %q: %w", charset, err)
	}
	return &Decoder{tr: enc.NewDecoder()}, nil
}

// Decode 解码一块数据
func (d *Decoder) Decode(p []byte) string {
	if len(p) == 0 && len(d.carry) == 0 {
		return ""
	}
	data := append(d.carry, p...)
	d.carry = nil
	if d.tr != nil {
		return d.decodeLegacy(data)
	}

	cut := len(data)
	for i := len(data) - 1; i >= 0 && i >= len(data)-utf8.UTFMax; i-- {
		if utf8.RuneStart(data[i]) {
			if !utf8.FullRune(data[i:]) {
				cut = i
			}
			break
		}
	}
	if cut < len(data) {
		d.carry = append([]byte(nil), data[cut:]...)
	}
	return EnsureUTF8Bytes(data[:cut])
}

// Flush 输出残留字节
func (d *Decoder) Flush() string {
	if len(d.carry) == 0 {
		return ""
	}
	rest := d.carry
	d.carry = nil
	if d.tr != nil {
		out, _, err := transform.Bytes(d.tr, rest)
		if err != nil {
			return string(rest)
		}
		return string(out)
	}
	return EnsureUTF8Bytes(rest)
}

func (d *Decoder) decodeLegacy(data []byte) string {
	dst := make([]byte, len(data)*4+16)
	nDst, nSrc, err := d.tr.Transform(dst, data, false)
	if err != nil && err != transform.ErrShortSrc {
		d.tr.Reset()
		return string(data)
	}
	if nSrc < len(data) {
		d.carry = append([]byte(nil), data[nSrc:]...)
	}
	return string(dst[:nDst])
}

// fallbackEncodings UTF-8 非法时依次尝试的旧编码
var fallbackEncodings = []encoding.Encoding{
	simplifiedchinese.GB18030,
	simplifiedchinese.GBK,
	traditionalchinese.Big5,
	charmap.Windows874,
	charmap.Windows1252,
	charmap.ISO8859_1,
}

// EnsureUTF8Bytes 合法 UTF-8 原样返回，否则按常见旧编码解码，全部失败时直接转换
func EnsureUTF8Bytes(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	if utf8.Valid(b) {
		return string(b)
	}
	for _, enc := range fallbackEncodings {
		if s, ok := tryDecode(enc, b); ok {
			return s
		}
	}
	return string(b)
}

func tryDecode(enc encoding.Encoding, b []byte) (string, bool) {
	reader := transform.NewReader(bytes.NewReader(b), enc.NewDecoder())
	decoded, err := io.ReadAll(reader)
	if err != nil {
		return "", false
	}
	if utf8.Valid(decoded) {
		return string(decoded), true
	}
	return "", false
}
