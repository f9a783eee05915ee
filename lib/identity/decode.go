package identity

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// decodingTransport transparently decodes response bodies, the standard
// library only does this for gzip and only when it set Accept-Encoding itself.
type decodingTransport struct {
	inner http.RoundTripper
}

func (t *decodingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	res, err := t.inner.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	encoding := strings.ToLower(strings.TrimSpace(res.Header.Get("Content-Encoding")))
	if encoding == "" || encoding == "identity" || !hasBody(req, res) {
		return res, nil
	}

	open, ok := decoders[encoding]
	if !ok {
		return res, nil
	}

	res.Body = &lazyDecoder{raw: res.Body, open: open, encoding: encoding}
	res.Header.Del("Content-Encoding")
	res.Header.Del("Content-Length")
	res.ContentLength = -1
	res.Uncompressed = true
	return res, nil
}

func hasBody(req *http.Request, res *http.Response) bool {
	if req.Method == http.MethodHead || res.Body == nil || res.Body == http.NoBody {
		return false
	}
	if res.StatusCode == http.StatusNoContent || res.StatusCode == http.StatusNotModified {
		return false
	}
	return res.ContentLength != 0
}

type openFunc func(r io.Reader) (io.ReadCloser, error)

var decoders = map[string]openFunc{
	"gzip": func(r io.Reader) (io.ReadCloser, error) {
		return gzip.NewReader(r)
	},
	"x-gzip": func(r io.Reader) (io.ReadCloser, error) {
		return gzip.NewReader(r)
	},
	"deflate": func(r io.Reader) (io.ReadCloser, error) {
		return zlib.NewReader(r)
	},
	"br": func(r io.Reader) (io.ReadCloser, error) {
		return io.NopCloser(brotli.NewReader(r)), nil
	},
	"zstd": func(r io.Reader) (io.ReadCloser, error) {
		decoder, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return decoder.IOReadCloser(), nil
	},
}

// lazyDecoder opens the decompressor on first read so a body that turns
// out to be empty reads as empty instead of failing on a missing header.
type lazyDecoder struct {
	raw      io.ReadCloser
	open     openFunc
	encoding string
	decoded  io.ReadCloser
	err      error
}

func (d *lazyDecoder) Read(p []byte) (int, error) {
	if d.decoded == nil && d.err == nil {
		d.decoded, d.err = d.open(d.raw)
		if errors.Is(d.err, io.EOF) {
			d.err = io.EOF
		} else if d.err != nil {
			d.err = fmt.Errorf("decode %s body: %w", d.encoding, d.err)
		}
	}
	if d.err != nil {
		return 0, d.err
	}
	return d.decoded.Read(p)
}

func (d *lazyDecoder) Close() error {
	var errs []error
	if d.decoded != nil {
		errs = append(errs, d.decoded.Close())
	}
	errs = append(errs, d.raw.Close())
	return errors.Join(errs...)
}
