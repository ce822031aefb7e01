package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	promadapter "github.com/cachemir/clustermir/adapters/prometheus"
	"github.com/cachemir/clustermir/internal/clustertest"
	"github.com/cachemir/clustermir/pkg/client"
	"github.com/cachemir/clustermir/pkg/config"
	"github.com/cachemir/clustermir/pkg/hash"
	"github.com/cachemir/clustermir/pkg/logger"
)

func newGateway(t *testing.T) (*clustertest.Cluster, *client.Client, http.Handler) {
	t.Helper()
	c := clustertest.Start(t, clustertest.Options{Shards: 3, Replicas: 1})

	reg := prometheus.NewRegistry()
	cfg := config.DefaultClientConfig()
	cfg.Seeds = c.Seeds()
	cli, err := client.New(cfg,
		client.WithLogger(logger.Discard()),
		client.WithMetrics(promadapter.NewClientMetrics(reg)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cli.Close() })

	return c, cli, New(cli, reg, logger.Discard()).Handler()
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestTopologyAndResolve(t *testing.T) {
	c, _, h := newGateway(t)

	rec := do(t, h, http.MethodGet, "/topology", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var topo topologyView
	decode(t, rec, &topo)
	require.Len(t, topo.Shards, 3)
	assert.Equal(t, []string{"0-5460"}, topo.Shards[0].Ranges)
	assert.Len(t, topo.Shards[0].Replicas, 1)

	rec = do(t, h, http.MethodGet, "/resolve?key=user:%7B42%7D:name", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var res resolveView
	decode(t, rec, &res)
	assert.Equal(t, hash.Slot("42"), res.Slot)
	assert.Equal(t, c.OwnerOf("user:{42}:name"), res.Primary)

	rec = do(t, h, http.MethodGet, "/resolve", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExec(t *testing.T) {
	c, _, h := newGateway(t)

	rec := do(t, h, http.MethodPost, "/exec", `{"args":["SET","gw","1"]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodPost, "/exec", `{"args":["GET","gw"]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var out execResponse
	decode(t, rec, &out)
	require.NotNil(t, out.Value)
	assert.Equal(t, "string", out.Value.Type)
	assert.Equal(t, "1", out.Value.Value)

	rec = do(t, h, http.MethodPost, "/exec", `{"args":["INFO"],"route":"all-nodes"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	out = execResponse{}
	decode(t, rec, &out)
	assert.Len(t, out.Nodes, len(c.Seeds()))
	for _, v := range out.Nodes {
		assert.Equal(t, "string", v.Type)
	}

	rec = do(t, h, http.MethodPost, "/exec", `{"args":["PING"],"route":"all-nodes"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	out = execResponse{}
	decode(t, rec, &out)
	assert.Nil(t, out.Nodes)
	assert.Equal(t, "string", out.Value.Type)
	assert.Equal(t, "PONG", out.Value.Value)

	rec = do(t, h, http.MethodPost, "/exec", `{"args":["RENAME","foo","bar"]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/exec", `{"args":["PING"],"route":"nowhere"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/exec", `{"args":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/exec", `{"args":["INCR","gw-text"]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, h, http.MethodPost, "/exec", `{"args":["HSET","gw-text","f","v"]}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestKeysAndMetrics(t *testing.T) {
	_, cli, h := newGateway(t)
	ctx := context.Background()

	want := []string{"a:1", "a:2", "b:1"}
	for _, k := range want {
		require.NoError(t, cli.Set(ctx, k, "v", 0))
	}

	rec := do(t, h, http.MethodGet, "/keys?count=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var keys keysResponse
	decode(t, rec, &keys)
	assert.Equal(t, want, keys.Keys)

	rec = do(t, h, http.MethodGet, "/keys?match=a:*", "")
	require.Equal(t, http.StatusOK, rec.Code)
	keys = keysResponse{}
	decode(t, rec, &keys)
	assert.Equal(t, []string{"a:1", "a:2"}, keys.Keys)

	rec = do(t, h, http.MethodGet, "/keys?count=x", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "clustermir_client_command_duration_seconds")

	rec = do(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
