package pixelcodec

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"

	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/palette"
)

var (
	// ErrInvalidPayload indicates that a stored pixel payload could not be decoded.
	ErrInvalidPayload = errors.New("pixelcodec: invalid payload")
	// ErrPayloadTooLarge indicates a payload that inflates past its expected size.
	ErrPayloadTooLarge = fmt.Errorf("%w: larger than expected", ErrInvalidPayload)
)

// Encoded is a compressed pixel payload with its compression statistics.
type Encoded struct {
	Compressed     string
	OriginalSize   int
	CompressedSize int
	// Ratio is OriginalSize/CompressedSize*100. It is informational only.
	Ratio float64
}

// Compress gzips the encoded string at best compression and returns it as standard base64.
func Compress(encoded string) (string, error) {
	var buffer bytes.Buffer
	writer, err := gzip.NewWriterLevel(&buffer, gzip.BestCompression)
	if err != nil {
		return "", err
	}
	if _, err := io.WriteString(writer, encoded); err != nil {
		_ = writer.Close()
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buffer.Bytes()), nil
}

// Decompress reverses Compress.
func Decompress(payload string) (string, error) {
	return decompress(payload, -1)
}

// DecompressLimit reverses Compress and fails with ErrPayloadTooLarge once the
// inflated string exceeds maxSize bytes. Inflation stops one byte past the limit.
func DecompressLimit(payload string, maxSize int) (string, error) {
	return decompress(payload, int64(max(maxSize, 0)))
}

func decompress(payload string, limit int64) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("%w: base64: %v", ErrInvalidPayload, err)
	}
	reader, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("%w: gzip: %v", ErrInvalidPayload, err)
	}
	defer reader.Close()
	var source io.Reader = reader
	if limit >= 0 {
		source = io.LimitReader(reader, limit+1)
	}
	decoded, err := io.ReadAll(source)
	if err != nil {
		return "", fmt.Errorf("%w: gzip: %v", ErrInvalidPayload, err)
	}
	if limit >= 0 && int64(len(decoded)) > limit {
		return "", fmt.Errorf("%w: more than %d bytes", ErrPayloadTooLarge, limit)
	}
	return string(decoded), nil
}

// EncodePixels encodes cells against the palette and compresses the result.
func EncodePixels(cells []Cell, boardPalette palette.Palette) (Encoded, error) {
	encoded := EncodeCells(cells, boardPalette)
	compressed, err := Compress(encoded)
	if err != nil {
		return Encoded{}, err
	}
	result := Encoded{
		Compressed:     compressed,
		OriginalSize:   len(encoded),
		CompressedSize: len(compressed),
	}
	if result.OriginalSize > 0 && result.CompressedSize > 0 {
		result.Ratio = float64(result.OriginalSize) / float64(result.CompressedSize) * 100
	}
	return result, nil
}

// DecodePixels decompresses a stored payload of at most maxCells cells and
// resolves it against the palette. Each cell is one encoded character.
func DecodePixels(payload string, maxCells int, boardPalette palette.Palette) ([]Cell, error) {
	encoded, err := DecompressLimit(payload, maxCells)
	if err != nil {
		return nil, err
	}
	return DecodeCells(encoded, boardPalette), nil
}
