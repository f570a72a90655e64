package di_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alpacahq/replicatedtree/internal/di"
	"github.com/alpacahq/replicatedtree/replication"
	"github.com/alpacahq/replicatedtree/utils"
	"github.com/alpacahq/replicatedtree/utils/test"
)

const singleNodeConfig = `
root_directory: %s
interserver:
  host: localhost
table:
  zookeeper_path: /clickhouse/tables/events
  replica_name: r1
  partition_by: month
  order_by: k
  columns:
    - {name: k, type: String}
    - {name: v, type: String}
replication:
  queue_update_period: 20ms
  merge_selecting_period: 20ms
`

func TestContainer_SingleNode(t *testing.T) {
	t.Parallel()

	// --- given ---
	root := filepath.Join(t.TempDir(), "data")
	cfg, err := utils.ParseConfig([]byte(fmt.Sprintf(singleNodeConfig, root)))
	require.NoError(t, err)
	c := di.NewContainer(cfg)

	// --- when ---
	r := c.GetReplica()
	require.NoError(t, r.Startup(context.Background()))
	t.Cleanup(r.Shutdown)
	res, err := r.Insert(context.Background(), "202401", test.Rows("a", "1"), replication.InsertOptions{})
	require.NoError(t, err)

	// --- then ---
	assert.Same(t, r, c.GetReplica())
	assert.Same(t, c.GetCatalogDir(), r.Parts())
	assert.Equal(t, root, c.GetAbsRootDir())
	assert.Equal(t, []string{res.PartName}, r.Parts().PartNames())

	rec := httptest.NewRecorder()
	c.GetHTTPMux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/heartbeat", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Eventually(t, r.IsLeader, 5*time.Second, 20*time.Millisecond)
}
