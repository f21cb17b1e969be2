// Package render turns merged interval reports into the columnar report
// table written to the screen and the log file.
package render

import (
	"fmt"

	"github.com/netmeasure/flowbench/pkg/model"
)

// ColumnID identifies a report column.
type ColumnID int

// The report columns, in display order.
const (
	ColFlowID = ColumnID(iota)
	ColBegin
	ColEnd
	ColThrough
	ColTransac
	ColBlockRequ
	ColBlockResp
	ColRTTMin
	ColRTTAvg
	ColRTTMax
	ColIATMin
	ColIATAvg
	ColIATMax
	ColDelayMin
	ColDelayAvg
	ColDelayMax
	ColTCPCwnd
	ColTCPSsth
	ColTCPUack
	ColTCPSack
	ColTCPLost
	ColTCPRetr
	ColTCPTret
	ColTCPFack
	ColTCPReor
	ColTCPBkof
	ColTCPRTT
	ColTCPRTTVar
	ColTCPRTO
	ColTCPCaState
	ColSMSS
	ColPMTU
)

// Column groups addressable by the -c include/exclude option.
const (
	GroupInterval = "interval"
	GroupThrough  = "through"
	GroupTransac  = "transac"
	GroupBlocks   = "blocks"
	GroupRTT      = "rtt"
	GroupIAT      = "iat"
	GroupDelay    = "delay"
	GroupKernel   = "kernel"
)

// valueFunc renders a column's value for one endpoint report. It returns
// false when the value is not available, in which case the cell renders
// blank rather than zero.
type valueFunc func(o Options, rep *model.IntervalReport) (string, bool)

// column is one report column: a stable identity, a two-row header, and
// display state that evolves as values are rendered. Width only ever
// grows, so the table does not jitter mid-run.
type column struct {
	id   ColumnID
	name string
	unit string

	group string

	visible   bool
	oversized int
	lastWidth int

	value valueFunc
}

func latency(get func(*model.IntervalReport) *model.LatencyStats, pick func(*model.LatencyStats) float64) valueFunc {
	return func(o Options, rep *model.IntervalReport) (string, bool) {
		s := get(rep)
		if s == nil {
			return "", false
		}
		// Latency stats are kept in seconds and reported in milliseconds.
		return fmt.Sprintf("%.3f", pick(s)*1e3), true
	}
}

func kernel(get func(*model.TCPInfo) string) valueFunc {
	return func(o Options, rep *model.IntervalReport) (string, bool) {
		if rep.TCPInfo == nil {
			return "", false
		}
		return get(rep.TCPInfo), true
	}
}

func kernelCount(get func(*model.TCPInfo) uint32) valueFunc {
	return kernel(func(t *model.TCPInfo) string {
		return fmt.Sprintf("%d", get(t))
	})
}

// kernelTime renders a kernel microsecond quantity in milliseconds.
func kernelTime(get func(*model.TCPInfo) uint32) valueFunc {
	return kernel(func(t *model.TCPInfo) string {
		return fmt.Sprintf("%.3f", float64(get(t))/1e3)
	})
}

func perSecond(get func(*model.IntervalReport) int64) valueFunc {
	return func(o Options, rep *model.IntervalReport) (string, bool) {
		d := rep.End - rep.Begin
		if d <= 0 {
			return "", false
		}
		return fmt.Sprintf("%.2f", float64(get(rep))/d), true
	}
}

// catalog builds the full column set with default visibility: the delay
// group is hidden by default because it needs synchronized clocks.
func catalog() []*column {
	cols := []*column{
		{id: ColFlowID, name: "ID", unit: "#", group: GroupInterval,
			value: func(o Options, rep *model.IntervalReport) (string, bool) { return "", false }},
		{id: ColBegin, name: "begin", unit: "[s]", group: GroupInterval,
			value: func(o Options, rep *model.IntervalReport) (string, bool) {
				return fmt.Sprintf("%.3f", rep.Begin), true
			}},
		{id: ColEnd, name: "end", unit: "[s]", group: GroupInterval,
			value: func(o Options, rep *model.IntervalReport) (string, bool) {
				return fmt.Sprintf("%.3f", rep.End), true
			}},
		{id: ColThrough, name: "through", unit: "[Mbit/s]", group: GroupThrough,
			value: func(o Options, rep *model.IntervalReport) (string, bool) {
				d := rep.End - rep.Begin
				if d <= 0 {
					return "", false
				}
				return fmt.Sprintf("%.2f", o.ScaleThroughput(float64(rep.BytesWritten)/d)), true
			}},
		{id: ColTransac, name: "transac", unit: "[#/s]", group: GroupTransac,
			value: perSecond(func(r *model.IntervalReport) int64 { return r.Transactions })},
		{id: ColBlockRequ, name: "requ", unit: "[#/s]", group: GroupBlocks,
			value: perSecond(func(r *model.IntervalReport) int64 { return r.BlocksWritten })},
		{id: ColBlockResp, name: "resp", unit: "[#/s]", group: GroupBlocks,
			value: perSecond(func(r *model.IntervalReport) int64 { return r.BlocksRead })},

		{id: ColRTTMin, name: "min RTT", unit: "[ms]", group: GroupRTT,
			value: latency(func(r *model.IntervalReport) *model.LatencyStats { return r.RTT },
				func(s *model.LatencyStats) float64 { return s.Min })},
		{id: ColRTTAvg, name: "avg RTT", unit: "[ms]", group: GroupRTT,
			value: latency(func(r *model.IntervalReport) *model.LatencyStats { return r.RTT },
				func(s *model.LatencyStats) float64 { return s.Avg })},
		{id: ColRTTMax, name: "max RTT", unit: "[ms]", group: GroupRTT,
			value: latency(func(r *model.IntervalReport) *model.LatencyStats { return r.RTT },
				func(s *model.LatencyStats) float64 { return s.Max })},
		{id: ColIATMin, name: "min IAT", unit: "[ms]", group: GroupIAT,
			value: latency(func(r *model.IntervalReport) *model.LatencyStats { return r.IAT },
				func(s *model.LatencyStats) float64 { return s.Min })},
		{id: ColIATAvg, name: "avg IAT", unit: "[ms]", group: GroupIAT,
			value: latency(func(r *model.IntervalReport) *model.LatencyStats { return r.IAT },
				func(s *model.LatencyStats) float64 { return s.Avg })},
		{id: ColIATMax, name: "max IAT", unit: "[ms]", group: GroupIAT,
			value: latency(func(r *model.IntervalReport) *model.LatencyStats { return r.IAT },
				func(s *model.LatencyStats) float64 { return s.Max })},
		{id: ColDelayMin, name: "min DLY", unit: "[ms]", group: GroupDelay,
			value: latency(func(r *model.IntervalReport) *model.LatencyStats { return r.Delay },
				func(s *model.LatencyStats) float64 { return s.Min })},
		{id: ColDelayAvg, name: "avg DLY", unit: "[ms]", group: GroupDelay,
			value: latency(func(r *model.IntervalReport) *model.LatencyStats { return r.Delay },
				func(s *model.LatencyStats) float64 { return s.Avg })},
		{id: ColDelayMax, name: "max DLY", unit: "[ms]", group: GroupDelay,
			value: latency(func(r *model.IntervalReport) *model.LatencyStats { return r.Delay },
				func(s *model.LatencyStats) float64 { return s.Max })},

		{id: ColTCPCwnd, name: "cwnd", unit: "[#]", group: GroupKernel,
			value: kernelCount(func(t *model.TCPInfo) uint32 { return t.SndCwnd })},
		{id: ColTCPSsth, name: "ssth", unit: "[#]", group: GroupKernel,
			value: kernelCount(func(t *model.TCPInfo) uint32 { return t.SndSsThresh })},
		{id: ColTCPUack, name: "uack", unit: "[#]", group: GroupKernel,
			value: kernelCount(func(t *model.TCPInfo) uint32 { return t.Unacked })},
		{id: ColTCPSack, name: "sack", unit: "[#]", group: GroupKernel,
			value: kernelCount(func(t *model.TCPInfo) uint32 { return t.Sacked })},
		{id: ColTCPLost, name: "lost", unit: "[#]", group: GroupKernel,
			value: kernelCount(func(t *model.TCPInfo) uint32 { return t.Lost })},
		{id: ColTCPRetr, name: "retr", unit: "[#]", group: GroupKernel,
			value: kernelCount(func(t *model.TCPInfo) uint32 { return t.Retrans })},
		{id: ColTCPTret, name: "tret", unit: "[#]", group: GroupKernel,
			value: kernelCount(func(t *model.TCPInfo) uint32 { return t.TotalRetrans })},
		{id: ColTCPFack, name: "fack", unit: "[#]", group: GroupKernel,
			value: kernelCount(func(t *model.TCPInfo) uint32 { return t.Fackets })},
		{id: ColTCPReor, name: "reor", unit: "[#]", group: GroupKernel,
			value: kernelCount(func(t *model.TCPInfo) uint32 { return t.Reordering })},
		{id: ColTCPBkof, name: "bkof", unit: "[#]", group: GroupKernel,
			value: kernelCount(func(t *model.TCPInfo) uint32 { return uint32(t.Backoff) })},
		{id: ColTCPRTT, name: "rtt", unit: "[ms]", group: GroupKernel,
			value: kernelTime(func(t *model.TCPInfo) uint32 { return t.RTT })},
		{id: ColTCPRTTVar, name: "rttvar", unit: "[ms]", group: GroupKernel,
			value: kernelTime(func(t *model.TCPInfo) uint32 { return t.RTTVar })},
		{id: ColTCPRTO, name: "rto", unit: "[ms]", group: GroupKernel,
			value: kernelTime(func(t *model.TCPInfo) uint32 { return t.RTO })},
		{id: ColTCPCaState, name: "ca state", unit: "", group: GroupKernel,
			value: func(o Options, rep *model.IntervalReport) (string, bool) {
				if rep.TCPInfo == nil {
					return "", false
				}
				if o.NumericCAState {
					return fmt.Sprintf("%d", rep.TCPInfo.CAState), true
				}
				if name := model.CAStateName(rep.TCPInfo.CAState); name != "" {
					return name, true
				}
				return fmt.Sprintf("%d", rep.TCPInfo.CAState), true
			}},
		{id: ColSMSS, name: "smss", unit: "[B]", group: GroupKernel,
			value: kernelCount(func(t *model.TCPInfo) uint32 { return t.SndMSS })},
		{id: ColPMTU, name: "pmtu", unit: "[B]", group: GroupKernel,
			value: kernelCount(func(t *model.TCPInfo) uint32 { return t.PMTU })},
	}
	for _, c := range cols {
		c.visible = c.group != GroupDelay
	}
	return cols
}
