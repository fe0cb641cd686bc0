package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	apimodel "netsim/internal/api/http/utils"
	"netsim/internal/core/netsim"
	"netsim/internal/link/linktest"
	"netsim/internal/netns/netnstest"
	"netsim/internal/process"
	"netsim/internal/process/processtest"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type apiFixture struct {
	srv      *httptest.Server
	sim      *netsim.Netsim
	launcher *processtest.Launcher
	links    *linktest.Fake
}

func newAPI(t *testing.T) *apiFixture {
	t.Helper()
	l := logrus.New()
	l.SetOutput(io.Discard)
	log := logrus.NewEntry(l)

	links := linktest.New()
	launcher := processtest.NewLauncher()
	sim, err := netsim.New(context.Background(), netsim.Options{
		Provider: netnstest.NewProvider(),
		Links:    links,
		NAT:      links,
		Launcher: launcher,
		Log:      log,
	})
	require.NoError(t, err)

	srv := httptest.NewServer(NewApiRouter(sim, log))
	t.Cleanup(func() {
		srv.Close()
		_ = sim.Close(context.Background())
	})
	return &apiFixture{srv: srv, sim: sim, launcher: launcher, links: links}
}

type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (f *apiFixture) do(t *testing.T, method, path, contentType, body string) (int, envelope) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp.StatusCode, env
}

func (f *apiFixture) json(t *testing.T, method, path, body string) (int, envelope) {
	t.Helper()
	return f.do(t, method, path, "application/json", body)
}

func TestNetworkLifecycle(t *testing.T) {
	f := newAPI(t)

	code, env := f.json(t, http.MethodPost, "/v1/networks", `{"name":"lan","nat":true}`)
	require.Equal(t, http.StatusCreated, code, env.Message)
	assert.Equal(t, "success", env.Status)

	var info struct {
		ID    uint64 `json:"id"`
		Name  string `json:"name"`
		Range string `json:"range"`
		NAT   bool   `json:"nat"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &info))
	assert.Equal(t, "lan", info.Name)
	assert.Equal(t, "10.0.0.0/24", info.Range)
	assert.True(t, info.NAT)

	code, env = f.json(t, http.MethodGet, "/v1/networks", "")
	require.Equal(t, http.StatusOK, code)
	var list []json.RawMessage
	require.NoError(t, json.Unmarshal(env.Data, &list))
	assert.Len(t, list, 1)

	code, _ = f.json(t, http.MethodGet, "/v1/networks/lan", "")
	assert.Equal(t, http.StatusOK, code)
	code, _ = f.json(t, http.MethodGet, "/v1/networks/1", "")
	assert.Equal(t, http.StatusOK, code)

	code, env = f.json(t, http.MethodPost, "/v1/networks", `{"name":"lan"}`)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "fail", env.Status)

	code, _ = f.json(t, http.MethodDelete, "/v1/networks/lan", "")
	assert.Equal(t, http.StatusOK, code)
	code, _ = f.json(t, http.MethodGet, "/v1/networks/lan", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Zero(t, f.links.BridgeCount())
}

func TestBadRequests(t *testing.T) {
	f := newAPI(t)

	cases := []struct {
		name   string
		method string
		path   string
		body   string
		code   int
	}{
		{name: "malformed json", method: http.MethodPost, path: "/v1/networks", body: `{`, code: http.StatusBadRequest},
		{name: "unknown field", method: http.MethodPost, path: "/v1/networks", body: `{"bridge":"br0"}`, code: http.StatusBadRequest},
		{name: "bad range", method: http.MethodPost, path: "/v1/networks", body: `{"range":"10.1.0.0"}`, code: http.StatusBadRequest},
		{name: "range outside global", method: http.MethodPost, path: "/v1/networks", body: `{"range":"192.168.0.0/24"}`, code: http.StatusBadRequest},
		{name: "empty command", method: http.MethodPost, path: "/v1/machines", body: `{"command":[]}`, code: http.StatusBadRequest},
		{name: "unknown machine", method: http.MethodGet, path: "/v1/machines/ghost", code: http.StatusNotFound},
		{name: "unknown machine id", method: http.MethodDelete, path: "/v1/machines/42", code: http.StatusNotFound},
		{name: "unknown network", method: http.MethodDelete, path: "/v1/networks/ghost", code: http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, env := f.json(t, tc.method, tc.path, tc.body)
			assert.Equal(t, tc.code, code, env.Message)
			assert.Equal(t, "fail", env.Status)
		})
	}
}

func TestMachineLifecycle(t *testing.T) {
	f := newAPI(t)

	code, _ := f.json(t, http.MethodPost, "/v1/networks", `{"name":"lan"}`)
	require.Equal(t, http.StatusCreated, code)
	code, env := f.json(t, http.MethodPost, "/v1/machines", `{"name":"web","command":["sleep","infinity"]}`)
	require.Equal(t, http.StatusCreated, code, env.Message)

	code, env = f.json(t, http.MethodPost, "/v1/machines/web/actions/plug", `{"network":"lan","address":"10.0.0.10"}`)
	require.Equal(t, http.StatusOK, code, env.Message)
	var plugged plugView
	require.NoError(t, json.Unmarshal(env.Data, &plugged))
	assert.Equal(t, "10.0.0.10", plugged.Address)

	code, _ = f.json(t, http.MethodPost, "/v1/machines/web/actions/plug", `{"network":"lan"}`)
	assert.Equal(t, http.StatusConflict, code)

	code, env = f.json(t, http.MethodGet, "/v1/machines/web", "")
	require.Equal(t, http.StatusOK, code)
	var info struct {
		State      string `json:"state"`
		Interfaces []struct {
			Name string `json:"name"`
			Addr string `json:"addr"`
		} `json:"interfaces"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &info))
	assert.Equal(t, "plugged", info.State)
	require.Len(t, info.Interfaces, 1)
	assert.Equal(t, "eth0", info.Interfaces[0].Name)

	code, _ = f.json(t, http.MethodDelete, "/v1/networks/lan", "")
	assert.Equal(t, http.StatusConflict, code, "network with plugs")

	code, _ = f.json(t, http.MethodPost, "/v1/machines/m-1/actions/unplug", `{"network":"lan"}`)
	assert.Equal(t, http.StatusOK, code)
	code, _ = f.json(t, http.MethodPost, "/v1/machines/1/actions/unplug", `{"network":"lan"}`)
	assert.Equal(t, http.StatusConflict, code)

	code, _ = f.json(t, http.MethodDelete, "/v1/machines/web", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Empty(t, f.sim.Machines())
}

type plugView struct {
	Machine string `json:"machine"`
	Network string `json:"network"`
	Address string `json:"address"`
}

func TestExec(t *testing.T) {
	f := newAPI(t)

	code, _ := f.json(t, http.MethodPost, "/v1/machines", `{"name":"web","command":["sleep","infinity"]}`)
	require.Equal(t, http.StatusCreated, code)

	f.launcher.SetScripted(func(spec process.Spec) (process.Output, bool) {
		if spec.Command[0] == "hostname" {
			return process.Output{Stdout: []byte("web\n"), ExitCode: 0}, true
		}
		return process.Output{Stderr: []byte("not found\n"), ExitCode: 127}, true
	})

	code, env := f.json(t, http.MethodPost, "/v1/machines/web/actions/exec", `{"command":["hostname"]}`)
	require.Equal(t, http.StatusOK, code, env.Message)
	var out struct {
		Stdout   string `json:"stdout"`
		ExitCode int    `json:"exitCode"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &out))
	assert.Equal(t, "web\n", out.Stdout)
	assert.Zero(t, out.ExitCode)

	code, env = f.json(t, http.MethodPost, "/v1/machines/web/actions/exec", `{"command":["nope"]}`)
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(env.Data, &out))
	assert.Equal(t, 127, out.ExitCode)

	f.launcher.SetScripted(nil)
	code, _ = f.json(t, http.MethodPost, "/v1/machines/web/actions/exec", `{"command":["sleep","10"],"timeoutMs":20}`)
	assert.Equal(t, http.StatusGatewayTimeout, code)
}

func TestApplyTopology(t *testing.T) {
	f := newAPI(t)

	doc := `
networks:
  lan: {nat: true}
machines:
  web: {command: [sleep, infinity], networks: [{network: lan}]}
  db: {command: [sleep, infinity], networks: [{network: lan, address: 10.0.0.20}]}
`
	code, env := f.do(t, http.MethodPost, "/v1/topology", "application/yaml", doc)
	require.Equal(t, http.StatusCreated, code, env.Message)

	var res struct {
		Machines map[string]uint64            `json:"Machines"`
		Addrs    map[string]map[string]string `json:"Addrs"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.Len(t, res.Machines, 2)
	assert.Equal(t, "10.0.0.20", res.Addrs["db"]["lan"])

	code, env = f.do(t, http.MethodPost, "/v1/topology", "application/yaml", "machines: {a: {command: [x], dependsOn: [a]}}\n")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, env.Message, "cycle")
}

func TestOutputStream(t *testing.T) {
	f := newAPI(t)

	code, _ := f.json(t, http.MethodPost, "/v1/machines", `{"name":"web","command":["echo","hello"]}`)
	require.Equal(t, http.StatusCreated, code)
	proc := f.launcher.Last()

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/v1/machines/web/output"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	proc.Exit(process.Output{Stdout: []byte("hello\n"), Stderr: []byte("bye\n")})

	var got bytes.Buffer
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), err)
			break
		}
		assert.Equal(t, websocket.BinaryMessage, mt)
		got.Write(data)
	}
	assert.Equal(t, "hello\nbye\n", got.String())
}

func TestOutputStreamUnknownMachine(t *testing.T) {
	f := newAPI(t)

	resp, err := f.srv.Client().Get(f.srv.URL + "/v1/machines/ghost/output")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var env apimodel.ApiResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	assert.Equal(t, "fail", env.Status)
}
