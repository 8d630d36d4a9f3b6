// Package wire encodes sync payloads for transport between peers.
package wire

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/ElisAS4/neonet-sub000/pkg/metrics"
)

// DefaultCompressThreshold is the encoded size above which payloads are gzipped.
const DefaultCompressThreshold = 1024

// ErrDecode is returned for payloads that cannot be decompressed or parsed.
var ErrDecode = errors.New("wire: decode sync payload")

// envelope marks compressed payloads. Uncompressed payloads are sent as plain JSON.
type envelope struct {
	Compressed bool   `json:"compressed,omitempty"`
	Data       []byte `json:"data"`
}

// Encode marshals v and gzips it when larger than threshold. Compression is
// skipped whenever it fails or does not shrink the payload.
func Encode(v any, threshold int) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	out := data
	if compressed, ok := compress(data, threshold); ok {
		if out, err = json.Marshal(envelope{Compressed: true, Data: compressed}); err != nil {
			out = data
		}
	}
	metrics.ObserveWirePayloadSize("out", float64(len(out)))
	return out, nil
}

// Decode reverses Encode into target.
func Decode(data []byte, target any) error {
	metrics.ObserveWirePayloadSize("in", float64(len(data)))

	var env envelope
	if err := json.Unmarshal(data, &env); err == nil && env.Compressed {
		raw, err := decompress(env.Data)
		if err != nil {
			metrics.IncWireDecodeErrors()
			return fmt.Errorf("%w: %v", ErrDecode, err)
		}
		data = raw
	}

	if err := json.Unmarshal(data, target); err != nil {
		metrics.IncWireDecodeErrors()
		return fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return nil
}

func compress(data []byte, threshold int) ([]byte, bool) {
	if threshold <= 0 || len(data) <= threshold {
		return data, false
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		metrics.SetWireCompressionRatio(metrics.CodecError, 1.0)
		return data, false
	}
	if err := gz.Close(); err != nil {
		metrics.SetWireCompressionRatio(metrics.CodecError, 1.0)
		return data, false
	}

	compressed := buf.Bytes()
	metrics.SetWireCompressionRatio(metrics.CodecGzip, float64(len(compressed))/float64(len(data)))
	if len(compressed) < len(data) {
		return compressed, true
	}
	return data, false
}

func decompress(data []byte) ([]byte, error) {
	if len(data) < 2 || data[0] != 0x1f || data[1] != 0x8b {
		return nil, errors.New("missing gzip header")
	}
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer gz.Close()
	return io.ReadAll(gz)
}
