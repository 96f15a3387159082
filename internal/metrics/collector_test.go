package metrics

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizePhase(t *testing.T) {
	assert.Equal(t, PhaseBefore, NormalizePhase("before_partition"))
	assert.Equal(t, PhaseDuring, NormalizePhase("DURING"))
	assert.Equal(t, PhaseAfter, NormalizePhase("after heal"))
	assert.Equal(t, PhaseBefore, NormalizePhase("warmup"))
}

func TestAvailabilityAndLatency(t *testing.T) {
	c := NewCollector("adaptive")

	c.Record(OpTransfer, "during_partition", map[string]interface{}{"success": true, "latency_ms": 100.0})
	c.Record(OpTransfer, "during_partition", map[string]interface{}{"success": true, "latency_ms": 300.0})
	c.Record(OpTransfer, "during_partition", map[string]interface{}{"success": false, "latency_ms": 5000.0})
	c.Record(OpTransfer, "during_partition", map[string]interface{}{"success": false})

	assert.Equal(t, 4, c.Count(OpTransfer, PhaseDuring))
	assert.Equal(t, 50.0, c.Availability(OpTransfer, PhaseDuring))
	assert.Equal(t, 200.0, c.AverageLatency(OpTransfer, PhaseDuring))

	assert.Equal(t, 0.0, c.Availability(OpPayment, PhaseAfter))
	assert.Equal(t, 0.0, c.AverageLatency(OpPayment, PhaseAfter))
}

func TestSummaryAndExport(t *testing.T) {
	c := NewCollector("strict")
	c.Record(OpBalance, "before", map[string]interface{}{"success": true, "latency_ms": 50})
	c.Record("audit", "after", map[string]interface{}{"success": true, "latency_ms": 1.5})

	rows := c.Summary()
	assert.Len(t, rows, 5*3)
	assert.Equal(t, OpTransfer, rows[0].Operation)
	assert.Equal(t, "audit", rows[len(rows)-1].Operation)

	e := c.Export()
	assert.Equal(t, "strict", e.Strategy)
	assert.Equal(t, 100.0, e.Availability[OpBalance][PhaseBefore])
	assert.Equal(t, 50.0, e.Latency[OpBalance][PhaseBefore])

	var buf bytes.Buffer
	assert.NoError(t, c.WriteSummary(&buf))
	assert.Contains(t, buf.String(), "METRICS - strict")
	assert.Contains(t, buf.String(), "BALANCE:")
}
