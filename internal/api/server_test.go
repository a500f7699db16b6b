package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"Go2NetGraph/internal/config"
	"Go2NetGraph/internal/module"
	"Go2NetGraph/internal/session"
	"Go2NetGraph/internal/store"
	"Go2NetGraph/pkg/pcap"
	"Go2NetGraph/pkg/pcap/pcapgen"

	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestServer(t *testing.T) (*httptest.Server, *session.Engine) {
	t.Helper()
	cfg := config.Default()
	cfg.Sniffer.Dir = t.TempDir()
	cfg.Modules.Activated = []string{module.ProtoStatsName}

	engine := session.NewEngine(cfg, session.Deps{Store: store.NewMemoryStore()})
	engine.OpenSource = func(*session.Session) (pcap.Source, error) {
		gen := pcapgen.New(time.Unix(1700000000, 0))
		return pcap.NewSliceSource(layers.LinkTypeEthernet,
			gen.TCP("10.0.0.1", 40000, "93.184.216.34", 80, 1000, pcapgen.TCPFlags{SYN: true}, nil),
			gen.TCP("10.0.0.1", 40000, "93.184.216.34", 80, 1001, pcapgen.TCPFlags{ACK: true, PSH: true},
				[]byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n")),
		), nil
	}

	srv := httptest.NewServer(New(engine, nil, nil, zap.NewNop().Sugar()).Router())
	t.Cleanup(srv.Close)
	return srv, engine
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestSessionLifecycle(t *testing.T) {
	srv, engine := newTestServer(t)

	body, _ := json.Marshal(map[string]interface{}{"session_name": "web", "filter": "tcp"})
	resp, err := http.Post(srv.URL+"/api/sniffer/sessions", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var info session.Info
	decode(t, resp, &info)
	assert.Equal(t, "web", info.Name)
	assert.Contains(t, info.Filter, "and not host 127.0.0.1 and (tcp)")

	// stopping an idle session conflicts
	resp, err = http.Post(srv.URL+"/api/sniffer/sessions/"+info.ID+"/stop", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/api/sniffer/sessions/"+info.ID+"/start", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	s, err := engine.Get(context.Background(), info.ID)
	require.NoError(t, err)
	s.Wait()

	resp, err = http.Get(srv.URL + "/api/sniffer/sessions/" + info.ID + "/flows?include_payload=true&encoding=base64")
	require.NoError(t, err)
	var flows struct {
		Flows []struct {
			FID     string `json:"fid"`
			Payload string `json:"payload"`
			Decoded struct {
				Type string `json:"flow_type"`
			} `json:"decoded_flow"`
		} `json:"flows"`
	}
	decode(t, resp, &flows)
	require.Len(t, flows.Flows, 1)
	assert.Equal(t, "http_request", flows.Flows[0].Decoded.Type)
	assert.NotEmpty(t, flows.Flows[0].Payload)

	resp, err = http.Get(srv.URL + "/api/sniffer/sessions/" + info.ID + "/flows/" + flows.Flows[0].FID + "/payload")
	require.NoError(t, err)
	var raw bytes.Buffer
	raw.ReadFrom(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "GET / HTTP/1.1\r\nHost: example.com\r\n\r\n", raw.String())

	resp, err = http.Get(srv.URL + "/api/sniffer/sessions/" + info.ID + "/nodes")
	require.NoError(t, err)
	var graph struct {
		Nodes []map[string]interface{} `json:"nodes"`
		Edges []map[string]interface{} `json:"edges"`
	}
	decode(t, resp, &graph)
	assert.NotEmpty(t, graph.Nodes)
	assert.NotEmpty(t, graph.Edges)

	resp, err = http.Get(srv.URL + "/api/sniffer/sessions/" + info.ID + "/modules/" + module.ProtoStatsName)
	require.NoError(t, err)
	var stats module.ProtoStatsSummary
	decode(t, resp, &stats)
	assert.Equal(t, uint64(2), stats.Packets)

	resp, err = http.Get(srv.URL + "/api/sniffer/sessions/" + info.ID + "/modules/" + module.ProtoStatsName + "/static?filename=../x")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/sniffer/sessions/" + info.ID + "/pcap")
	require.NoError(t, err)
	raw.Reset()
	raw.ReadFrom(resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	onDisk, err := os.ReadFile(s.PcapPath())
	require.NoError(t, err)
	assert.Equal(t, onDisk, raw.Bytes())

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/sniffer/sessions/"+info.ID, nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/sniffer/sessions/" + info.ID)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestNewSession_RejectsBadUpload(t *testing.T) {
	srv, _ := newTestServer(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("session_name", "upload"))
	fw, err := mw.CreateFormFile("pcap-file", "x.pcap")
	require.NoError(t, err)
	fw.Write([]byte("garbage"))
	require.NoError(t, mw.Close())

	resp, err := http.Post(srv.URL+"/api/sniffer/sessions", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListAndMetrics(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/sniffer/sessions")
	require.NoError(t, err)
	var list struct {
		Sessions []session.Info `json:"sessions"`
	}
	decode(t, resp, &list)
	assert.Empty(t, list.Sessions)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/archive/sessions")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
