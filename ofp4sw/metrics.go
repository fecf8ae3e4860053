package ofp4sw

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ofpipe"

var (
	tableActiveDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "table", "active_entries"),
		"Number of flow entries in the table.",
		[]string{"dpid", "table"}, nil,
	)
	tableLookupDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "table", "lookups_total"),
		"Number of lookups performed on the table.",
		[]string{"dpid", "table"}, nil,
	)
	tableMatchDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "table", "matches_total"),
		"Number of lookups that hit a flow entry.",
		[]string{"dpid", "table"}, nil,
	)
	groupPacketsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "group", "packets_total"),
		"Number of packets processed by the group.",
		[]string{"dpid", "group", "type"}, nil,
	)
	groupBytesDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "group", "bytes_total"),
		"Number of bytes processed by the group.",
		[]string{"dpid", "group", "type"}, nil,
	)
	groupRefsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "group", "references"),
		"Number of flow entries referencing the group.",
		[]string{"dpid", "group", "type"}, nil,
	)
	portTxDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "port", "tx_packets_total"),
		"Number of packets sent on the port.",
		[]string{"dpid", "port", "name"}, nil,
	)
	portRxDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "port", "rx_packets_total"),
		"Number of packets received on the port.",
		[]string{"dpid", "port", "name"}, nil,
	)
	portDropDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "port", "tx_dropped_total"),
		"Number of packets the port refused.",
		[]string{"dpid", "port", "name"}, nil,
	)
	switchDropDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "switch", "dropped_total"),
		"Number of outputs addressed to no port.",
		[]string{"dpid"}, nil,
	)
)

// Collector exports the counters of every registered switch.
type Collector struct {
	reg *Registry
}

func NewCollector(reg *Registry) *Collector {
	return &Collector{reg: reg}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, desc := range []*prometheus.Desc{
		tableActiveDesc, tableLookupDesc, tableMatchDesc,
		groupPacketsDesc, groupBytesDesc, groupRefsDesc,
		portTxDesc, portRxDesc, portDropDesc, switchDropDesc,
	} {
		ch <- desc
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.reg.Each(func(sw *Switch) {
		dpid := strconv.FormatUint(sw.datapathId, 16)
		for _, st := range sw.pipeline.TableStats() {
			table := strconv.Itoa(int(st.TableId))
			ch <- prometheus.MustNewConstMetric(tableActiveDesc, prometheus.GaugeValue, float64(st.ActiveCount), dpid, table)
			ch <- prometheus.MustNewConstMetric(tableLookupDesc, prometheus.CounterValue, float64(st.LookupCount), dpid, table)
			ch <- prometheus.MustNewConstMetric(tableMatchDesc, prometheus.CounterValue, float64(st.MatchedCount), dpid, table)
		}
		for _, st := range sw.pipeline.GroupStats(OFPG_ALL) {
			group, kind := strconv.FormatUint(uint64(st.GroupId), 10), st.Type.String()
			ch <- prometheus.MustNewConstMetric(groupPacketsDesc, prometheus.CounterValue, float64(st.PacketCount), dpid, group, kind)
			ch <- prometheus.MustNewConstMetric(groupBytesDesc, prometheus.CounterValue, float64(st.ByteCount), dpid, group, kind)
			ch <- prometheus.MustNewConstMetric(groupRefsDesc, prometheus.GaugeValue, float64(st.RefCount), dpid, group, kind)
		}
		for _, st := range sw.PortStats() {
			port := strconv.FormatUint(uint64(st.PortNo), 10)
			ch <- prometheus.MustNewConstMetric(portTxDesc, prometheus.CounterValue, float64(st.TxPackets), dpid, port, st.Name)
			ch <- prometheus.MustNewConstMetric(portRxDesc, prometheus.CounterValue, float64(st.RxPackets), dpid, port, st.Name)
			ch <- prometheus.MustNewConstMetric(portDropDesc, prometheus.CounterValue, float64(st.TxDropped), dpid, port, st.Name)
		}
		ch <- prometheus.MustNewConstMetric(switchDropDesc, prometheus.CounterValue, float64(sw.Drops()), dpid)
	})
}
