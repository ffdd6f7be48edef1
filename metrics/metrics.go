// Package metrics exports the current entity states as Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/robertof/go-ble-advert-exporter/entity"
)

var (
	descRSSI = prometheus.NewDesc(
		"ble_advert_rssi_dbm",
		"Signal strength of the latest advertisement of the device.",
		[]string{"address", "name"},
		nil,
	)

	descConnected = prometheus.NewDesc(
		"ble_advert_connected",
		"Whether the device advertised within the connectivity timeout. 1 = yes, 0 = no.",
		[]string{"address", "name"},
		nil,
	)

	descRuleValue = prometheus.NewDesc(
		"ble_advert_rule_value",
		"Value extracted from the latest advertisement by a configured rule.",
		[]string{"address", "name", "unique_id", "rule", "unit"},
		nil,
	)

	descLastSeen = prometheus.NewDesc(
		"ble_advert_last_seen_timestamp_seconds",
		"Unix time of the latest advertisement of the device.",
		[]string{"address", "name"},
		nil,
	)
)

type CollectFunc func() []entity.State

type collector struct {
	CollectFunc
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(c, ch)
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	for _, st := range c.CollectFunc() {
		// nothing received yet
		if !st.Available {
			continue
		}

		switch st.Kind {
		case entity.KindAdvertisement:
			if st.Value == nil {
				continue
			}

			rssi := prometheus.MustNewConstMetric(
				descRSSI,
				prometheus.GaugeValue,
				*st.Value,
				st.Address,
				st.DeviceName,
			)

			ch <- prometheus.NewMetricWithTimestamp(st.LastUpdated, rssi)

			ch <- prometheus.MustNewConstMetric(
				descLastSeen,
				prometheus.GaugeValue,
				float64(st.LastUpdated.UnixNano())/1e9,
				st.Address,
				st.DeviceName,
			)
		case entity.KindConnectivity:
			connected := 0.0

			if st.State == entity.StateOn {
				connected = 1
			}

			ch <- prometheus.MustNewConstMetric(
				descConnected,
				prometheus.GaugeValue,
				connected,
				st.Address,
				st.DeviceName,
			)
		case entity.KindRule:
			if st.Value == nil {
				continue
			}

			value := prometheus.MustNewConstMetric(
				descRuleValue,
				prometheus.GaugeValue,
				*st.Value,
				st.Address,
				st.DeviceName,
				st.UniqueID,
				st.Name,
				st.Unit,
			)

			ch <- prometheus.NewMetricWithTimestamp(st.LastUpdated, value)
		}
	}
}

func RegisterCollector(f CollectFunc, reg prometheus.Registerer) {
	c := &collector{f}

	reg.MustRegister(c)
}
