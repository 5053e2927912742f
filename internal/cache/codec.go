package cache

import (
	"encoding/binary"
	"errors"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/powerhouse-inc/powerhouse-sub017/internal/model"
)

// Compression selects how keyframes are compressed before they reach the
// key-value store.
type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionLZ4  Compression = 1
	CompressionZstd Compression = 2
)

// String returns the configuration name of c.
func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", c)
	}
}

// ParseCompression parses a configuration name. An empty name is zstd.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "", "zstd":
		return CompressionZstd, nil
	case "lz4":
		return CompressionLZ4, nil
	case "none":
		return CompressionNone, nil
	default:
		return 0, fmt.Errorf("unknown keyframe compression %q", name)
	}
}

// keyframe is the persisted record. The header fields duplicate the key so
// a record can be checked against the stream it is loaded for.
type keyframe struct {
	DocumentID   string          `cbor:"documentId"`
	DocumentType string          `cbor:"documentType"`
	Scope        string          `cbor:"scope"`
	Branch       string          `cbor:"branch"`
	Revision     int             `cbor:"revision"`
	Document     *model.Document `cbor:"document"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode

	// zstd encoders and decoders are safe for concurrent use.
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

var errIncompressible = errors.New("data is incompressible")

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("cache: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("cache: CBOR decoder initialization failed: " + err.Error())
	}

	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("cache: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("cache: zstd decoder initialization failed: " + err.Error())
	}
}

// encodeKeyframe renders kf as: compression tag (1 byte), uncompressed
// length (uvarint), payload. Incompressible payloads are stored raw.
func encodeKeyframe(kf keyframe, c Compression) ([]byte, error) {
	raw, err := encMode.Marshal(kf)
	if err != nil {
		return nil, fmt.Errorf("encode keyframe: %w", err)
	}

	payload, tag := raw, CompressionNone
	switch c {
	case CompressionZstd:
		if compressed := zstdEncoder.EncodeAll(raw, nil); len(compressed) < len(raw) {
			payload, tag = compressed, CompressionZstd
		}
	case CompressionLZ4:
		compressed, err := compressLZ4(raw)
		if err == nil {
			payload, tag = compressed, CompressionLZ4
		} else if !errors.Is(err, errIncompressible) {
			return nil, err
		}
	}

	out := make([]byte, 1, 1+binary.MaxVarintLen64+len(payload))
	out[0] = byte(tag)
	out = binary.AppendUvarint(out, uint64(len(raw)))
	return append(out, payload...), nil
}

func decodeKeyframe(data []byte) (keyframe, error) {
	var kf keyframe
	if len(data) < 2 {
		return kf, errors.New("decode keyframe: truncated header")
	}
	tag := Compression(data[0])
	size, n := binary.Uvarint(data[1:])
	if n <= 0 {
		return kf, errors.New("decode keyframe: bad length")
	}
	payload := data[1+n:]

	var raw []byte
	switch tag {
	case CompressionNone:
		raw = payload
	case CompressionZstd:
		out, err := zstdDecoder.DecodeAll(payload, make([]byte, 0, size))
		if err != nil {
			return kf, fmt.Errorf("zstd decompress: %w", err)
		}
		raw = out
	case CompressionLZ4:
		out := make([]byte, size)
		read, err := lz4.UncompressBlock(payload, out)
		if err != nil {
			return kf, fmt.Errorf("lz4 decompress: %w", err)
		}
		raw = out[:read]
	default:
		return kf, fmt.Errorf("decode keyframe: unsupported compression %d", tag)
	}
	if uint64(len(raw)) != size {
		return kf, fmt.Errorf("decode keyframe: got %d bytes, expected %d", len(raw), size)
	}

	if err := decMode.Unmarshal(raw, &kf); err != nil {
		return kf, fmt.Errorf("decode keyframe: %w", err)
	}
	if kf.Document == nil {
		return kf, errors.New("decode keyframe: no document")
	}
	if kf.Document.State == nil {
		kf.Document.State = map[string]map[string]any{}
	}
	return kf, nil
}

func compressLZ4(data []byte) ([]byte, error) {
	dst := make([]byte, lz4.CompressBlockBound(len(data)))
	written, err := lz4.CompressBlock(data, dst, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if written == 0 || written >= len(data) {
		return nil, errIncompressible
	}
	return dst[:written], nil
}
