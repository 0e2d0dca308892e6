package gcs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

func newTestClient(t *testing.T, handler http.Handler) *storage.Client {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := storage.NewClient(
		context.Background(),
		option.WithEndpoint(server.URL),
		option.WithoutAuthentication(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestBlobStorePutObject(t *testing.T) {
	payload := []byte(`{"reason":"done"}`)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/b/reports/o")
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Contains(t, string(body), string(payload))
		assert.Contains(t, string(body), "operations/op.json")
		fmt.Fprintln(w, `{"name":"operations/op.json","bucket":"reports"}`)
	})

	s, err := New(newTestClient(t, handler), Config{Bucket: "reports"})
	require.NoError(t, err)

	uri, err := s.PutObject(context.Background(), "operations/op.json", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "gs://reports/operations/op.json", uri)
}

func TestBlobStoreValidation(t *testing.T) {
	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)

	client := newTestClient(t, http.NotFoundHandler())
	_, err = New(client, Config{})
	require.Error(t, err)

	s, err := New(client, Config{Bucket: "b"})
	require.NoError(t, err)
	_, err = s.PutObject(context.Background(), "", "", bytes.NewReader(nil))
	require.Error(t, err)
}
