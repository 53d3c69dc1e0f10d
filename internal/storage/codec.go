package storage

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"
)

// Codec 描述 bundle 文件外层的压缩格式。
type Codec string

const (
	CodecNone Codec = "none"
	CodecZstd Codec = "zstd"
	CodecLZ4  Codec = "lz4"
	CodecXZ   Codec = "xz"
)

var (
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
	lz4Magic  = []byte{0x04, 0x22, 0x4d, 0x18}
	xzMagic   = []byte{0xfd, 0x37, 0x7a, 0x58, 0x5a, 0x00}
)

// ParseCodec 将 CLI/配置中的字符串标准化为 Codec。
func ParseCodec(raw string) (Codec, error) {
	switch normalized := Codec(strings.ToLower(strings.TrimSpace(raw))); normalized {
	case "", CodecNone:
		return CodecNone, nil
	case CodecZstd, CodecLZ4, CodecXZ:
		return normalized, nil
	default:
		return "", fmt.Errorf("unsupported codec: %s", raw)
	}
}

// detectCodec 根据文件头部魔数判断压缩格式，未识别时视为未压缩的 tar。
func detectCodec(head []byte) Codec {
	switch {
	case bytes.HasPrefix(head, zstdMagic):
		return CodecZstd
	case bytes.HasPrefix(head, lz4Magic):
		return CodecLZ4
	case bytes.HasPrefix(head, xzMagic):
		return CodecXZ
	default:
		return CodecNone
	}
}

func decompress(codec Codec, data []byte) ([]byte, error) {
	switch codec {
	case CodecNone:
		return data, nil
	case CodecZstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		return dec.DecodeAll(data, nil)
	case CodecLZ4:
		return io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
	case CodecXZ:
		r, err := xz.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		return io.ReadAll(r)
	default:
		return nil, fmt.Errorf("unsupported codec: %s", codec)
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func compressWriter(codec Codec, w io.Writer) (io.WriteCloser, error) {
	switch codec {
	case "", CodecNone:
		return nopWriteCloser{w}, nil
	case CodecZstd:
		return zstd.NewWriter(w)
	case CodecLZ4:
		return lz4.NewWriter(w), nil
	case CodecXZ:
		return xz.NewWriter(w)
	default:
		return nil, fmt.Errorf("unsupported codec: %s", codec)
	}
}
