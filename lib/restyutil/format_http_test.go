package restyutil

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFormatHeadersMasksCookies(t *testing.T) {
	headers := http.Header{}
	headers.Set("User-Agent", "Mozilla/5.0")
	headers.Add("Set-Cookie", "A3=secret; Path=/")
	headers.Set("Accept", "*/*")

	out := formatHeaders(headers)
	require.Equal(t, "Accept: */*\nSet-Cookie: <masked, 17 bytes>\nUser-Agent: Mozilla/5.0", out)
	require.NotContains(t, out, "secret")
}
