package main

import (
	"bytes"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testConfig = `
log_level: warn
switch:
  datapath_id: 10
  tables: 2
  max_ports: 4
  group_types: [all, select]
ports:
  - number: 1
    name: in
  - number: 2
    name: out
groups:
  - "group_id=1,type=all,bucket=output:2"
flows:
  - "table=0,priority=1,in_port=1,@apply,group=1"
  - "table=0,priority=0,@goto=1"
`

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	name := filepath.Join(dir, "ofpipe.yaml")
	require.NoError(t, os.WriteFile(name, []byte(body), 0o644))
	return name
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	configFile = ""
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestCheck(t *testing.T) {
	dir := t.TempDir()
	out, err := execute(t, "check", "-c", writeConfig(t, dir, testConfig))
	require.NoError(t, err)
	assert.Contains(t, out, "group_id=1,type=all,bucket=output:2\n")
	assert.Contains(t, out, "table=0,priority=1,in_port=1,@apply,group=1\n")
	assert.Contains(t, out, "table=0,priority=0,@goto=1\n")
}

func TestCheckErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := execute(t, "check", "-c", writeConfig(t, dir, testConfig+`  - "table=9,@apply,output=2"`+"\n"))
	assert.Error(t, err, "table out of range")

	_, err = execute(t, "check", "-c", filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	t.Setenv("OFPIPE_SWITCH_TABLES", "0")
	_, err = execute(t, "check", "-c", writeConfig(t, dir, testConfig))
	assert.Error(t, err, "environment overrides the file")
}

func TestConfigIsolated(t *testing.T) {
	dir := t.TempDir()
	_, err := execute(t, "check", "-c", writeConfig(t, dir, testConfig))
	require.NoError(t, err)
	assert.Empty(t, viper.AllKeys(), "global viper stays untouched")

	// a second file sees none of the first one's groups
	out, err := execute(t, "check", "-c", writeConfig(t, dir, "switch:\n  tables: 1\n"))
	require.NoError(t, err)
	assert.NotContains(t, out, "group_id=1")
}

func writeCapture(t *testing.T, name string, n int) {
	t.Helper()
	f, err := os.Create(name)
	require.NoError(t, err)
	defer f.Close()
	w := pcapgo.NewWriter(f)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeEthernet))
	for i := 0; i < n; i++ {
		ip := &layers.IPv4{
			Version:  4,
			TTL:      64,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    net.IPv4(192, 0, 2, 1),
			DstIP:    net.IPv4(192, 0, 2, 2),
		}
		udp := &layers.UDP{SrcPort: layers.UDPPort(1000 + i), DstPort: 53}
		require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
		buf := gopacket.NewSerializeBuffer()
		require.NoError(t, gopacket.SerializeLayers(buf,
			gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true},
			&layers.Ethernet{
				SrcMAC:       net.HardwareAddr{2, 0, 0, 0, 0, 1},
				DstMAC:       net.HardwareAddr{2, 0, 0, 0, 0, 2},
				EthernetType: layers.EthernetTypeIPv4,
			},
			ip, udp, gopacket.Payload(bytes.Repeat([]byte{0xab}, 32))))
		data := buf.Bytes()
		require.NoError(t, w.WritePacket(gopacket.CaptureInfo{
			Timestamp:     time.Unix(1700000000, 0),
			CaptureLength: len(data),
			Length:        len(data),
		}, data))
	}
}

func countPackets(t *testing.T, name string) int {
	t.Helper()
	f, err := os.Open(name)
	require.NoError(t, err)
	defer f.Close()
	r, err := pcapgo.NewReader(f)
	require.NoError(t, err)
	n := 0
	for {
		_, _, err := r.ReadPacketData()
		if err == io.EOF {
			return n
		}
		require.NoError(t, err)
		n++
	}
}

func TestReplay(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "input.pcap")
	writeCapture(t, input, 5)

	out, err := execute(t, "replay", "-c", writeConfig(t, dir, testConfig),
		"--in-port", "1", "--out-dir", dir, input)
	require.NoError(t, err)
	assert.Contains(t, out, "frames=5 drops=0\n")
	assert.Contains(t, out, "port=2,name=out,rx=0,tx=5,tx_dropped=0\n")
	assert.Contains(t, out, "table=0,active=2,lookup=5,matched=5\n")

	assert.Equal(t, 5, countPackets(t, filepath.Join(dir, "out.pcap")))
	assert.Equal(t, 0, countPackets(t, filepath.Join(dir, "in.pcap")))
}
