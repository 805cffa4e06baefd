package stats

import (
	"expvar"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUpdateMetricsDropsUnknownNames(t *testing.T) {
	su := &StatsUpdater{
		vars:       new(expvar.Map),
		updateChan: make(chan *metricsUpdateReq, 8),
	}
	su.vars.Set("Registered", new(expvar.Int))

	su.updateChan <- &metricsUpdateReq{name: "NeverRegistered", value: 1}
	su.updateChan <- &metricsUpdateReq{name: "Registered", value: 1}
	su.Stop()

	assert.NotPanics(t, su.updateMetrics, "expected an unknown metric to be dropped, not fatal")
	assert.Equal(t, "1", su.vars.Get("Registered").String(), "expected later updates to still apply")
}
