package testutil_test

import (
	"bytes"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/fjacquet/beaconkit/internal/testutil"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMockBackendBuilder demonstrates the usage of MockBackendBuilder
func TestMockBackendBuilder(t *testing.T) {
	t.Run("DefaultResponse", func(t *testing.T) {
		testDefaultResponse(t)
	})

	t.Run("ScriptedResponsesComeFirst", func(t *testing.T) {
		testScriptedResponses(t)
	})

	t.Run("ClassifiesRequests", func(t *testing.T) {
		testClassifiesRequests(t)
	})

	t.Run("DecompressesBeacons", func(t *testing.T) {
		testDecompressesBeacons(t)
	})

	t.Run("WithTLS", func(t *testing.T) {
		testTLSBackend(t)
	})

	t.Run("UnknownPath404", func(t *testing.T) {
		testUnknownPath(t)
	})
}

func testDefaultResponse(t *testing.T) {
	t.Helper()
	backend := testutil.NewMockBackend().
		WithResponse(testutil.KindStatus, testutil.JSONResponse(testutil.StatusCaptureOn)).
		Build()
	defer backend.Close()

	resp, body := get(t, backend.Client(), backend.URL()+"?type=m")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, testutil.ContentTypeJSON, resp.Header.Get(testutil.ContentTypeHeader))
	assert.Equal(t, testutil.StatusCaptureOn, body)
}

func testScriptedResponses(t *testing.T) {
	t.Helper()
	backend := testutil.NewMockBackend().
		ThenRespond(testutil.KindStatus, testutil.TooManyRequests(6), testutil.ErrorResponse(http.StatusInternalServerError)).
		Build()
	defer backend.Close()

	resp, _ := get(t, backend.Client(), backend.URL())
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "6", resp.Header.Get(testutil.RetryAfterHeader))

	resp, _ = get(t, backend.Client(), backend.URL())
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	resp, _ = get(t, backend.Client(), backend.URL())
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 3, backend.Count(testutil.KindStatus))
}

func testClassifiesRequests(t *testing.T) {
	t.Helper()
	backend := testutil.NewMockBackend().Build()
	defer backend.Close()

	get(t, backend.Client(), backend.URL()+"?ns=1")
	get(t, backend.Client(), backend.URL())
	post(t, backend.Client(), backend.URL(), []byte("a=b"), false)

	assert.Equal(t, 1, backend.Count(testutil.KindNewSession))
	assert.Equal(t, 1, backend.Count(testutil.KindStatus))
	require.Len(t, backend.Requests(testutil.KindBeacon), 1)
	assert.Equal(t, "a=b", backend.Requests(testutil.KindBeacon)[0].Body)
}

func testDecompressesBeacons(t *testing.T) {
	t.Helper()
	backend := testutil.NewMockBackend().Build()
	defer backend.Close()

	post(t, backend.Client(), backend.URL(), []byte("et=19&it=1"), true)

	beacons := backend.Requests(testutil.KindBeacon)
	require.Len(t, beacons, 1)
	assert.Equal(t, "et=19&it=1", beacons[0].Body)
	assert.Equal(t, "gzip", beacons[0].Headers.Get(testutil.ContentEncodingHeader))
}

func testTLSBackend(t *testing.T) {
	t.Helper()
	backend := testutil.NewMockBackend().WithTLS().Build()
	defer backend.Close()

	assert.True(t, strings.HasPrefix(backend.URL(), "https://"))
	resp, _ := get(t, backend.Client(), backend.URL())
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func testUnknownPath(t *testing.T) {
	t.Helper()
	backend := testutil.NewMockBackend().Build()
	defer backend.Close()

	resp, _ := get(t, backend.Client(), strings.TrimSuffix(backend.URL(), testutil.TestPathBeacon)+"/elsewhere")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Zero(t, backend.Count(testutil.KindStatus))
}

func get(t *testing.T, client *http.Client, url string) (*http.Response, string) {
	t.Helper()
	resp, err := client.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func post(t *testing.T, client *http.Client, url string, body []byte, compress bool) {
	t.Helper()
	if compress {
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		_, err := w.Write(body)
		require.NoError(t, err)
		require.NoError(t, w.Close())
		body = buf.Bytes()
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	require.NoError(t, err)
	if compress {
		req.Header.Set(testutil.ContentEncodingHeader, "gzip")
	}
	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
}
