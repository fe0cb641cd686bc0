package manifest

import (
	"context"
	"io"
	"net/netip"
	"os"
	"path/filepath"
	"testing"

	"netsim/internal/core/netsim"
	"netsim/internal/link/linktest"
	"netsim/internal/netns/netnstest"
	"netsim/internal/process/processtest"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const natManifest = `
topology: {name: nat, range: 10.0.0.0/8, bits: 24, dns: true}
networks:
  wan: {range: 10.1.0.0/24}
  lan: {bits: 24, nat: true}
machines:
  server:
    command: [ncat, -l, "4242"]
    networks: [{network: wan, address: 10.1.0.10}]
  client:
    command: [sleep, infinity]
    networks: [{network: lan}]
    dependsOn: [server]
`

func TestDecode(t *testing.T) {
	spec, err := Decode([]byte(natManifest))
	require.NoError(t, err)

	assert.Equal(t, "nat", spec.Topology.Name)
	assert.True(t, spec.Topology.DNS)
	assert.Equal(t, netip.MustParsePrefix("10.0.0.0/8"), spec.GlobalRange())
	assert.Len(t, spec.Networks, 2)
	assert.True(t, spec.Networks["lan"].NAT)
	assert.Equal(t, []string{"ncat", "-l", "4242"}, spec.Machines["server"].Command)
	assert.Equal(t, "10.1.0.10", spec.Machines["server"].Networks[0].Address)
}

func TestDecodeInvalid(t *testing.T) {
	cases := []struct {
		name string
		doc  string
	}{
		{name: "empty", doc: ""},
		{name: "no machines", doc: "networks: {lan: {}}\n"},
		{name: "unknown field", doc: "machines: {a: {command: [x], image: nginx}}\n"},
		{name: "bad name", doc: "machines: {Web_1: {command: [x]}}\n"},
		{name: "no command", doc: "machines: {a: {}}\n"},
		{name: "unknown network", doc: "machines: {a: {command: [x], networks: [{network: lan}]}}\n"},
		{name: "plugged twice", doc: "networks: {lan: {}}\nmachines: {a: {command: [x], networks: [{network: lan}, {network: lan}]}}\n"},
		{name: "bad address", doc: "networks: {lan: {}}\nmachines: {a: {command: [x], networks: [{network: lan, address: nope}]}}\n"},
		{name: "address outside range", doc: "networks: {lan: {range: 10.1.0.0/24}}\nmachines: {a: {command: [x], networks: [{network: lan, address: 10.2.0.5}]}}\n"},
		{name: "bits contradict range", doc: "networks: {lan: {range: 10.1.0.0/24, bits: 16}}\nmachines: {a: {command: [x]}}\n"},
		{name: "bad topology range", doc: "topology: {range: 10.0.0.0/40}\nmachines: {a: {command: [x]}}\n"},
		{name: "unknown dependency", doc: "machines: {a: {command: [x], dependsOn: [b]}}\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode([]byte(tc.doc))
			require.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestStartOrder(t *testing.T) {
	spec := &Spec{Machines: map[string]MachineSpec{
		"db":    {Command: []string{"db"}},
		"web":   {Command: []string{"web"}, DependsOn: []string{"db", "cache"}},
		"cache": {Command: []string{"cache"}},
		"lb":    {Command: []string{"lb"}, DependsOn: []string{"web"}},
	}}

	order, err := spec.StartOrder()
	require.NoError(t, err)
	assert.Equal(t, []string{"cache", "db", "web", "lb"}, order)
}

func TestStartOrderCycle(t *testing.T) {
	spec := &Spec{Machines: map[string]MachineSpec{
		"a": {Command: []string{"a"}, DependsOn: []string{"b"}},
		"b": {Command: []string{"b"}, DependsOn: []string{"a"}},
		"c": {Command: []string{"c"}},
	}}

	_, err := spec.StartOrder()
	require.ErrorIs(t, err, ErrCycle)
	assert.Contains(t, err.Error(), "[a b]")

	_, err = Decode([]byte("machines: {a: {command: [x], dependsOn: [a]}}\n"))
	require.ErrorIs(t, err, ErrCycle)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "topology.yaml")
	require.NoError(t, os.WriteFile(path, []byte(natManifest), 0o644))

	spec, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, spec.Machines, 2)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func newSim(t *testing.T, spec *Spec) (*netsim.Netsim, *processtest.Launcher) {
	t.Helper()
	l := logrus.New()
	l.SetOutput(io.Discard)
	links := linktest.New()
	launcher := processtest.NewLauncher()

	sim, err := netsim.New(context.Background(), netsim.Options{
		Name:        spec.Topology.Name,
		GlobalRange: spec.GlobalRange(),
		SubnetBits:  spec.Topology.Bits,
		Provider:    netnstest.NewProvider(),
		Links:       links,
		NAT:         links,
		Launcher:    launcher,
		Log:         logrus.NewEntry(l),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sim.Close(context.Background()) })
	return sim, launcher
}

func TestApply(t *testing.T) {
	spec, err := Decode([]byte(natManifest))
	require.NoError(t, err)
	sim, launcher := newSim(t, spec)

	res, err := Apply(context.Background(), sim, spec)
	require.NoError(t, err)

	require.Len(t, res.Networks, 2)
	require.Len(t, res.Machines, 2)
	assert.Equal(t, netip.MustParseAddr("10.1.0.10"), res.Addrs["server"]["wan"])

	lan, err := sim.Network(res.Networks["lan"])
	require.NoError(t, err)
	assert.True(t, lan.NAT())
	assert.True(t, lan.Range().Contains(res.Addrs["client"]["lan"]))

	// server starts first because client depends on it
	require.Len(t, launcher.Spawned, 2)
	assert.Equal(t, "ncat", launcher.Spawned[0].Spec.Command[0])
	assert.Equal(t, "sleep", launcher.Spawned[1].Spec.Command[0])

	id, err := sim.Resolve("client")
	require.NoError(t, err)
	assert.Equal(t, res.Machines["client"], id)
}

func TestApplyStopsAtFirstFailure(t *testing.T) {
	doc := `
networks:
  lan: {range: 10.1.0.0/24}
machines:
  a: {command: [sleep, infinity], networks: [{network: lan, address: 10.1.0.5}]}
  b: {command: [sleep, infinity], networks: [{network: lan, address: 10.1.0.5}]}
`
	spec, err := Decode([]byte(doc))
	require.NoError(t, err)
	sim, _ := newSim(t, spec)

	res, err := Apply(context.Background(), sim, spec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "plug b into lan")
	assert.Len(t, res.Machines, 2)
	assert.Len(t, sim.Machines(), 2)
}
