package exchange_test

import (
	"context"
	"io"
	"net"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alpacahq/replicatedtree/catalog"
	"github.com/alpacahq/replicatedtree/exchange"
	"github.com/alpacahq/replicatedtree/models"
)

const replicaPath = "/tables/t/replicas/r1"

func setup(t *testing.T, creds exchange.Credentials) (*exchange.Server, *catalog.Directory, models.ReplicaAddress) {
	t.Helper()

	dir, err := catalog.NewDirectory(t.TempDir())
	require.NoError(t, err)
	tmp, err := dir.NewTempPart("p_1_2_1")
	require.NoError(t, err)
	_, err = tmp.Write([]byte("k=a\nk=b\n"))
	require.NoError(t, err)
	_, err = tmp.Commit()
	require.NoError(t, err)

	srv := exchange.NewServer(creds, 2, nil)
	srv.Register(replicaPath, dir)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	u, err := url.Parse(ts.URL)
	require.NoError(t, err)
	host, port, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return srv, dir, models.ReplicaAddress{
		Host: host, Port: p, Scheme: "http",
		ZooKeeperPath: "/tables/t", ReplicaName: "r1",
	}
}

func TestClient_FetchPart(t *testing.T) {
	t.Parallel()

	for _, compress := range []bool{false, true} {
		compress := compress
		t.Run("compress="+strconv.FormatBool(compress), func(t *testing.T) {
			t.Parallel()

			// --- given ---
			creds := exchange.Credentials{User: "interserver", Password: "secret"}
			_, dir, addr := setup(t, creds)
			client := exchange.NewClient(nil, exchange.ClientConfig{Credentials: creds, Compress: compress})

			// --- when ---
			dl, err := client.FetchPart(context.Background(), addr, "p_1_2_1")
			require.NoError(t, err)
			defer dl.Body.Close()
			payload, err := io.ReadAll(dl.Body)

			// --- then ---
			require.NoError(t, err)
			part, err := dir.Part("p_1_2_1")
			require.NoError(t, err)
			assert.Equal(t, "p_1_2_1", dl.Name)
			assert.Equal(t, part.Header, dl.Header)
			assert.Equal(t, "k=a\nk=b\n", string(payload))
			assert.Equal(t, dl.Header.Checksum, catalog.Checksum(payload))
		})
	}
}

func TestClient_FetchPart_NotFound(t *testing.T) {
	t.Parallel()

	// --- given ---
	_, _, addr := setup(t, exchange.Credentials{})
	client := exchange.NewClient(nil, exchange.ClientConfig{})

	// --- when ---
	_, err := client.FetchPart(context.Background(), addr, "p_9_9_0")

	// --- then ---
	assert.True(t, errors.Is(err, exchange.ErrPartNotFound))
}

func TestServer_EmptyCredentialDefault(t *testing.T) {
	t.Parallel()

	// --- given ---
	_, _, addr := setup(t, exchange.Credentials{User: "interserver", Password: "secret"})
	anonymous := exchange.NewClient(nil, exchange.ClientConfig{})

	// --- when ---
	_, err := anonymous.FetchPart(context.Background(), addr, "p_1_2_1")

	// --- then ---
	assert.True(t, errors.Is(err, exchange.ErrUnauthorized))

	// a server without credentials accepts clients presenting none
	_, _, open := setup(t, exchange.Credentials{})
	dl, err := anonymous.FetchPart(context.Background(), open, "p_1_2_1")
	require.NoError(t, err)
	dl.Body.Close()
}

func TestServer_BlockedEndpoint(t *testing.T) {
	t.Parallel()

	// --- given ---
	srv, _, addr := setup(t, exchange.Credentials{})
	client := exchange.NewClient(nil, exchange.ClientConfig{RetryAttempts: 1})

	// --- when ---
	srv.Block(replicaPath, true)
	_, blocked := client.FetchPart(context.Background(), addr, "p_1_2_1")
	srv.Block(replicaPath, false)
	dl, err := client.FetchPart(context.Background(), addr, "p_1_2_1")

	// --- then ---
	assert.True(t, errors.Is(blocked, exchange.ErrDonorBusy), "%v", blocked)
	require.NoError(t, err)
	dl.Body.Close()
}
