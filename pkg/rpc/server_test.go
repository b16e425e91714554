package rpc

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/netgrave/pfvm/internal/types"
	"github.com/netgrave/pfvm/pkg/capture"
	"github.com/netgrave/pfvm/pkg/engine"
	"github.com/netgrave/pfvm/pkg/filterstore"
	"github.com/netgrave/pfvm/pkg/loader"
	"github.com/netgrave/pfvm/pkg/vm"
)

// testServer wires a server to real stores backed by temp directories.
func testServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()

	store, err := filterstore.Open(filterstore.DefaultConfig(filepath.Join(t.TempDir(), "filters.db")))
	if err != nil {
		t.Fatalf("open filterstore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	captCfg := capture.DefaultConfig("")
	captCfg.InMemory = true
	captlog, err := capture.Open(captCfg)
	if err != nil {
		t.Fatalf("open capture log: %v", err)
	}
	t.Cleanup(func() { captlog.Close() })

	engCfg := engine.DefaultConfig()
	engCfg.OnResult = func(id types.FilterID, packet []byte, result *engine.Result) {
		captlog.Append(&capture.Record{
			FilterID:     id,
			PacketDigest: types.ComputePacketDigest(packet),
			PacketSize:   uint32(len(packet)),
			Verdict:      result.Verdict,
			Accepted:     result.Accepted,
			StepsUsed:    result.StepsUsed,
			Timestamp:    time.Now().UnixNano(),
			Err:          result.Err,
		})
	}
	eng := engine.New(engCfg, store)

	s := New(DefaultConfig(), store, eng, captlog)
	ts := httptest.NewServer(http.HandlerFunc(s.handleRPC))
	t.Cleanup(ts.Close)

	return s, ts
}

// call performs a JSON-RPC request and decodes the response.
func call(t *testing.T, ts *httptest.Server, method string, params interface{}) *Response {
	t.Helper()

	req := Request{
		JSONRPC: JSONRPCVersion,
		ID:      1,
		Method:  method,
	}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			t.Fatalf("marshal params: %v", err)
		}
		req.Params = raw
	}

	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}

	resp, err := http.Post(ts.URL, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	defer resp.Body.Close()

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return &out
}

// decodeResult re-marshals the generic result into a typed value.
func decodeResult(t *testing.T, resp *Response, v interface{}) {
	t.Helper()
	raw, err := json.Marshal(resp.Result)
	if err != nil {
		t.Fatalf("remarshal result: %v", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
}

// dropSmallPackets accepts packets whose leading half-word is nonzero.
func dropSmallPackets() []byte {
	return loader.EncodeProgram([]vm.Instruction{
		vm.NewInstruction(vm.OpLdAbsH, 0, 0, 0), // acc = halfword at 0
		vm.NewInstruction(vm.OpJmp, 1, 2, 0),    // zero head drops
		vm.NewInstruction(vm.OpRetK, 0, 0, 0),   // drop
		vm.NewInstruction(vm.OpRetK, 0, 0, 1),   // accept
	})
}

func loadTestFilter(t *testing.T, ts *httptest.Server, name string) string {
	t.Helper()
	resp := call(t, ts, "loadFilter", LoadFilterParams{
		Name:    name,
		Program: base64.StdEncoding.EncodeToString(dropSmallPackets()),
	})
	if resp.Error != nil {
		t.Fatalf("loadFilter failed: %v", resp.Error)
	}
	var result LoadFilterResult
	decodeResult(t, resp, &result)
	return result.ID
}

func TestLoadAndGetFilter(t *testing.T) {
	_, ts := testServer(t)

	id := loadTestFilter(t, ts, "nonzero-head")
	if id != types.ComputeFilterID(dropSmallPackets()).String() {
		t.Error("loadFilter ID is not the content hash of the program")
	}

	resp := call(t, ts, "getFilter", GetFilterParams{ID: id})
	if resp.Error != nil {
		t.Fatalf("getFilter failed: %v", resp.Error)
	}
	var info FilterInfo
	decodeResult(t, resp, &info)
	if info.Name != "nonzero-head" {
		t.Errorf("name = %q, want nonzero-head", info.Name)
	}
	if info.Instructions != 4 {
		t.Errorf("instructions = %d, want 4", info.Instructions)
	}

	// Lookup by name resolves to the same filter.
	resp = call(t, ts, "getFilter", GetFilterParams{Name: "nonzero-head"})
	if resp.Error != nil {
		t.Fatalf("getFilter by name failed: %v", resp.Error)
	}
	decodeResult(t, resp, &info)
	if info.ID != id {
		t.Errorf("getFilter by name ID = %s, want %s", info.ID, id)
	}
}

func TestLoadFilterRejects(t *testing.T) {
	_, ts := testServer(t)

	cases := []struct {
		name   string
		params LoadFilterParams
		code   int
	}{
		{
			"missing name",
			LoadFilterParams{Program: base64.StdEncoding.EncodeToString(dropSmallPackets())},
			InvalidParams,
		},
		{
			"missing program",
			LoadFilterParams{Name: "x"},
			InvalidParams,
		},
		{
			"bad encoding",
			LoadFilterParams{Name: "x", Program: "!!not-base64!!"},
			InvalidParams,
		},
		{
			"unverifiable program",
			LoadFilterParams{
				Name: "x",
				Program: base64.StdEncoding.EncodeToString(loader.EncodeProgram([]vm.Instruction{
					vm.NewInstruction(vm.OpLdImm, 0, 0, 1), // falls off the end
				})),
			},
			FilterRejected,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := call(t, ts, "loadFilter", tc.params)
			if resp.Error == nil {
				t.Fatal("loadFilter accepted invalid input")
			}
			if resp.Error.Code != tc.code {
				t.Errorf("error code = %d, want %d", resp.Error.Code, tc.code)
			}
		})
	}
}

func TestListAndDeleteFilters(t *testing.T) {
	_, ts := testServer(t)

	id := loadTestFilter(t, ts, "only-filter")

	resp := call(t, ts, "listFilters", nil)
	if resp.Error != nil {
		t.Fatalf("listFilters failed: %v", resp.Error)
	}
	var infos []FilterInfo
	decodeResult(t, resp, &infos)
	if len(infos) != 1 || infos[0].ID != id {
		t.Errorf("listFilters = %+v, want one entry with ID %s", infos, id)
	}

	resp = call(t, ts, "deleteFilter", GetFilterParams{ID: id})
	if resp.Error != nil {
		t.Fatalf("deleteFilter failed: %v", resp.Error)
	}

	resp = call(t, ts, "getFilter", GetFilterParams{ID: id})
	if resp.Error == nil || resp.Error.Code != FilterNotFound {
		t.Errorf("getFilter after delete = %v, want FilterNotFound", resp.Error)
	}
}

func TestEvaluatePacket(t *testing.T) {
	_, ts := testServer(t)

	id := loadTestFilter(t, ts, "nonzero-head")

	cases := []struct {
		name     string
		packet   []byte
		accepted bool
	}{
		{"nonzero head", []byte{0x12, 0x34, 0x56}, true},
		{"zero head", []byte{0x00, 0x00, 0x56}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := call(t, ts, "evaluatePacket", EvaluatePacketParams{
				ID:     id,
				Packet: base64.StdEncoding.EncodeToString(tc.packet),
			})
			if resp.Error != nil {
				t.Fatalf("evaluatePacket failed: %v", resp.Error)
			}
			var result EvaluatePacketResult
			decodeResult(t, resp, &result)
			if result.Accepted != tc.accepted {
				t.Errorf("accepted = %v, want %v", result.Accepted, tc.accepted)
			}
		})
	}

	// Short packet fails the load and drops the packet, not the request.
	resp := call(t, ts, "evaluatePacket", EvaluatePacketParams{
		ID:     id,
		Packet: base64.StdEncoding.EncodeToString([]byte{0x01}),
	})
	if resp.Error != nil {
		t.Fatalf("evaluatePacket failed: %v", resp.Error)
	}
	var result EvaluatePacketResult
	decodeResult(t, resp, &result)
	if result.Accepted {
		t.Error("truncated packet was accepted")
	}
	if result.Err == "" {
		t.Error("truncated packet produced no error detail")
	}
}

func TestRecentEvaluationsAndStats(t *testing.T) {
	_, ts := testServer(t)

	id := loadTestFilter(t, ts, "nonzero-head")

	packets := [][]byte{
		{0x01, 0x02, 0x03},
		{0x00, 0x00, 0x03},
		{0xFF},
	}
	for _, p := range packets {
		resp := call(t, ts, "evaluatePacket", EvaluatePacketParams{
			ID:     id,
			Packet: base64.StdEncoding.EncodeToString(p),
		})
		if resp.Error != nil {
			t.Fatalf("evaluatePacket failed: %v", resp.Error)
		}
	}

	resp := call(t, ts, "getStats", nil)
	if resp.Error != nil {
		t.Fatalf("getStats failed: %v", resp.Error)
	}
	var stats StatsResult
	decodeResult(t, resp, &stats)
	if stats.Filters != 1 {
		t.Errorf("filters = %d, want 1", stats.Filters)
	}
	if stats.Evaluations != 3 {
		t.Errorf("evaluations = %d, want 3", stats.Evaluations)
	}
	if stats.Accepted != 1 || stats.Dropped != 1 || stats.Errored != 1 {
		t.Errorf("accepted/dropped/errored = %d/%d/%d, want 1/1/1",
			stats.Accepted, stats.Dropped, stats.Errored)
	}

	resp = call(t, ts, "getRecentEvaluations", map[string]int{"limit": 2})
	if resp.Error != nil {
		t.Fatalf("getRecentEvaluations failed: %v", resp.Error)
	}
	var entries []map[string]interface{}
	decodeResult(t, resp, &entries)
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0]["seq"].(float64) != 3 {
		t.Errorf("newest entry seq = %v, want 3", entries[0]["seq"])
	}
}

func TestHealthAndVersion(t *testing.T) {
	s, ts := testServer(t)

	resp := call(t, ts, "getHealth", nil)
	if resp.Error != nil || resp.Result != "ok" {
		t.Errorf("getHealth = (%v, %v), want ok", resp.Result, resp.Error)
	}

	s.SetHealthy(false)
	resp = call(t, ts, "getHealth", nil)
	if resp.Error == nil || resp.Error.Code != NodeUnhealthy {
		t.Errorf("getHealth while unhealthy = %v, want NodeUnhealthy", resp.Error)
	}

	resp = call(t, ts, "getVersion", nil)
	if resp.Error != nil {
		t.Fatalf("getVersion failed: %v", resp.Error)
	}
	var version VersionResult
	decodeResult(t, resp, &version)
	if version.Version == "" {
		t.Error("getVersion returned an empty version")
	}
}

func TestMethodNotFound(t *testing.T) {
	_, ts := testServer(t)

	resp := call(t, ts, "noSuchMethod", nil)
	if resp.Error == nil || resp.Error.Code != MethodNotFound {
		t.Errorf("unknown method error = %v, want MethodNotFound", resp.Error)
	}
}

func TestBatchRequest(t *testing.T) {
	_, ts := testServer(t)

	body := []byte(`[
		{"jsonrpc":"2.0","id":1,"method":"getVersion"},
		{"jsonrpc":"2.0","id":2,"method":"getHealth"},
		{"jsonrpc":"1.0","id":3,"method":"getVersion"}
	]`)

	resp, err := http.Post(ts.URL, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	defer resp.Body.Close()

	var responses []Response
	if err := json.NewDecoder(resp.Body).Decode(&responses); err != nil {
		t.Fatalf("decode batch response: %v", err)
	}
	if len(responses) != 3 {
		t.Fatalf("got %d responses, want 3", len(responses))
	}
	if responses[0].Error != nil || responses[1].Error != nil {
		t.Error("valid batch entries returned errors")
	}
	if responses[2].Error == nil || responses[2].Error.Code != InvalidRequest {
		t.Errorf("bad version entry error = %v, want InvalidRequest", responses[2].Error)
	}
}
