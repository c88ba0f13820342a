// Integration tests for the TreeService gRPC server
package server

import (
	"context"
	"database/sql"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/nainya/nestedset/internal/logger"
	"github.com/nainya/nestedset/internal/metrics"
	"github.com/nainya/nestedset/pkg/journal"
	"github.com/nainya/nestedset/pkg/memstore"
	"github.com/nainya/nestedset/pkg/mptt"
	"github.com/nainya/nestedset/pkg/sqlstore"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("google.golang.org/grpc.(*ccBalancerWrapper).watcher"),
		goleak.IgnoreTopFunction("google.golang.org/grpc.(*addrConn).resetTransport"),
		goleak.IgnoreTopFunction("google.golang.org/grpc/internal/grpcsync.(*CallbackSerializer).run"),
	)
}

const bufSize = 1024 * 1024

type testEnv struct {
	t       *testing.T
	ctx     context.Context
	db      *sql.DB
	srv     *Server
	client  *Client
	journal *journal.Journal
	metrics *metrics.Metrics
	reg     *prometheus.Registry
}

func setupTestServer(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	db, err := sqlstore.Open(filepath.Join(dir, "nodes.db"))
	require.NoError(t, err)

	j, err := journal.Open(filepath.Join(dir, "nodes.journal"))
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	log := logger.Nop()

	ctx := context.Background()
	srv, err := NewServer(ctx, db, mptt.NewSchema("nodes", "name"), nil,
		WithJournal(j), WithLogger(log), WithMetrics(m))
	require.NoError(t, err)

	lis := bufconn.Listen(bufSize)
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(MetricsInterceptor(m, log)))
	RegisterTreeServiceServer(grpcServer, srv)
	go func() {
		_ = grpcServer.Serve(lis)
	}()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) { return lis.Dial() }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		conn.Close()
		grpcServer.Stop()
		j.Close()
		db.Close()
	})

	return &testEnv{t: t, ctx: ctx, db: db, srv: srv, client: NewClient(conn), journal: j, metrics: m, reg: reg}
}

func (e *testEnv) call(method string, req map[string]any) (map[string]any, error) {
	e.t.Helper()
	in, err := structpb.NewStruct(req)
	require.NoError(e.t, err)
	out, err := e.client.Call(e.ctx, method, in)
	if err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

func (e *testEnv) mustCall(method string, req map[string]any) map[string]any {
	e.t.Helper()
	out, err := e.call(method, req)
	require.NoError(e.t, err)
	return out
}

func (e *testEnv) insert(name string, target any, pos string) float64 {
	e.t.Helper()
	req := map[string]any{"fields": map[string]any{"name": name}}
	if target != nil {
		req["target"] = target
		req["position"] = pos
	}
	return e.mustCall("InsertNode", req)["id"].(float64)
}

// placement returns tree_id, left, right, level
func (e *testEnv) placement(id float64) [4]float64 {
	e.t.Helper()
	n := e.mustCall("GetNode", map[string]any{"id": id})
	return [4]float64{n["tree_id"].(float64), n["left"].(float64), n["right"].(float64), n["level"].(float64)}
}

func requireCode(t *testing.T, err error, code codes.Code) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, code, status.Code(err), err.Error())
}

func TestMoveAcrossTrees(t *testing.T) {
	e := setupTestServer(t)
	a := e.insert("A", nil, "")
	b := e.insert("B", a, "last-child")
	c := e.insert("C", a, "last-child")
	d := e.insert("D", nil, "")

	require.Equal(t, [4]float64{1, 1, 6, 0}, e.placement(a))
	require.Equal(t, [4]float64{2, 1, 2, 0}, e.placement(d))

	moved := e.mustCall("MoveNode", map[string]any{"node": c, "target": d, "position": "first-child"})
	require.Equal(t, d, moved["parent_id"])

	require.Equal(t, [4]float64{2, 1, 4, 0}, e.placement(d))
	require.Equal(t, [4]float64{2, 2, 3, 1}, e.placement(c))
	require.Equal(t, [4]float64{1, 1, 4, 0}, e.placement(a))
	require.Equal(t, [4]float64{1, 2, 3, 1}, e.placement(b))

	check := e.mustCall("Check", map[string]any{})
	require.Equal(t, true, check["ok"])
}

func TestErrorCodes(t *testing.T) {
	e := setupTestServer(t)
	a := e.insert("A", nil, "")
	b := e.insert("B", a, "last-child")

	_, err := e.call("MoveNode", map[string]any{"node": a, "target": b, "position": "last-child"})
	requireCode(t, err, codes.InvalidArgument)

	_, err = e.call("InsertNode", map[string]any{"target": a, "position": "above"})
	requireCode(t, err, codes.InvalidArgument)

	_, err = e.call("GetNode", map[string]any{"id": 404})
	requireCode(t, err, codes.NotFound)

	_, err = e.call("GetNode", map[string]any{})
	requireCode(t, err, codes.InvalidArgument)

	_, err = e.call("GetNode", map[string]any{"id": 1.5})
	requireCode(t, err, codes.InvalidArgument)

	_, err = e.call("InsertTree", map[string]any{"target": a})
	requireCode(t, err, codes.InvalidArgument)

	require.Equal(t, [4]float64{1, 1, 4, 0}, e.placement(a), "failed calls roll back")
}

func TestInsertTreeAndDescendants(t *testing.T) {
	e := setupTestServer(t)
	root := e.insert("root", nil, "")

	out := e.mustCall("InsertTree", map[string]any{
		"target":   root,
		"position": "last-child",
		"tree": map[string]any{
			"fields": map[string]any{"name": "sub"},
			"children": []any{
				map[string]any{"fields": map[string]any{"name": "x"}},
				map[string]any{"fields": map[string]any{"name": "y"}},
			},
		},
	})
	require.Len(t, out["nodes"], 3)

	desc := e.mustCall("GetDescendants", map[string]any{"id": root, "include_self": true})
	var names []string
	for _, n := range desc["nodes"].([]any) {
		names = append(names, n.(map[string]any)["fields"].(map[string]any)["name"].(string))
	}
	require.Equal(t, []string{"root", "sub", "x", "y"}, names)
	require.Equal(t, [4]float64{1, 1, 8, 0}, e.placement(root))
}

func TestRebuildAndPartialRebuild(t *testing.T) {
	e := setupTestServer(t)
	a := e.insert("A", nil, "")
	b := e.insert("B", a, "last-child")
	e.insert("C", b, "last-child")

	_, err := e.db.Exec(`UPDATE "nodes" SET "lft" = "lft" * 10, "rght" = "rght" * 10`)
	require.NoError(t, err)
	check := e.mustCall("Check", map[string]any{"tree_ids": []any{1}})
	require.Equal(t, false, check["ok"])
	require.NotEmpty(t, check["violations"])

	e.mustCall("PartialRebuild", map[string]any{"tree_id": 1})
	require.Equal(t, [4]float64{1, 2, 5, 1}, e.placement(b))

	_, err = e.db.Exec(`UPDATE "nodes" SET "lft" = 0`)
	require.NoError(t, err)
	e.mustCall("Rebuild", map[string]any{})
	require.Equal(t, [4]float64{1, 1, 6, 0}, e.placement(a))

	d := e.insert("D", nil, "")
	e.mustCall("Rebuild", map[string]any{"tree_ids": []any{2}, "base": 7})
	require.Equal(t, [4]float64{7, 1, 2, 0}, e.placement(d))
	require.Equal(t, [4]float64{1, 1, 6, 0}, e.placement(a))
	_, err = e.call("Rebuild", map[string]any{"base": 0})
	requireCode(t, err, codes.InvalidArgument)
	e.mustCall("Rebuild", map[string]any{})
	require.Equal(t, [4]float64{2, 1, 2, 0}, e.placement(d))

	_, err = e.db.Exec(`UPDATE "nodes" SET "parent_id" = NULL WHERE "id" = ?`, int64(b))
	require.NoError(t, err)
	_, err = e.call("PartialRebuild", map[string]any{"tree_id": 1})
	requireCode(t, err, codes.FailedPrecondition)
}

func TestJournalReplaysCommittedCalls(t *testing.T) {
	e := setupTestServer(t)
	a := e.insert("A", nil, "")
	b := e.insert("B", a, "last-child")
	d := e.insert("D", nil, "")
	e.mustCall("MoveNode", map[string]any{"node": b, "target": d, "position": "first-child"})

	_, err := e.call("MoveNode", map[string]any{"node": d, "target": b, "position": "last-child"})
	requireCode(t, err, codes.InvalidArgument)

	schema := mptt.NewSchema("nodes", "name")
	replica := memstore.New(schema)
	stats, err := journal.Replay(e.ctx, e.journal, schema.Table, replica)
	require.NoError(t, err)
	require.Zero(t, stats.AbandonedBatches, "failed calls validate before writing")

	nodes, err := replica.QueryFilter(e.ctx, mptt.Query{})
	require.NoError(t, err)
	require.Len(t, nodes, 3)
	for _, n := range nodes {
		require.Equal(t, [4]float64{float64(n.TreeID), float64(n.Left), float64(n.Right), float64(n.Level)}, e.placement(float64(n.ID)))
	}
}

func TestObservabilityEndpoints(t *testing.T) {
	e := setupTestServer(t)
	e.insert("A", nil, "")

	obs := NewObservabilityServer("127.0.0.1:0", e.reg, e.srv.Ready, logger.Nop())
	h := obs.Handler()

	for path, want := range map[string]int{"/health": http.StatusOK, "/ready": http.StatusOK, "/metrics": http.StatusOK} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, want, rec.Code, path)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	require.True(t, strings.Contains(body, `nestedset_grpc_requests_total{method="/nestedset.v1.TreeService/InsertNode",status="OK"} 1`), body)
	require.Contains(t, body, `nestedset_tree_operations_total{operation="insert_node",status="success"} 1`)
	require.Contains(t, body, "nestedset_nodes_total 1")

	notReady := NewObservabilityServer("", e.reg, func(context.Context) error { return sql.ErrConnDone }, logger.Nop())
	rec = httptest.NewRecorder()
	notReady.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
