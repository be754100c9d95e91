// Package masterdata implements the derived open/close-difference series
// (C4) and the four-stage back-fill pipeline that keeps it populated from
// the raw market-data store (C5).
package masterdata

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas-quant/forecast-backend/pkg/types"
)

// Record is one instrument's derived series point for one calendar day
// under one calculation version. OC is always present (it needs only that
// day's bar); DiffOC and DemeanDiffOC are absent on the first day of a
// series, tracked via their own presence flags rather than a sentinel
// value so a genuine zero difference is never mistaken for "missing".
type Record struct {
	Instrument types.Instrument
	Timestamp  time.Time // day, UTC midnight

	OpenPrice  types.Price
	ClosePrice types.Price
	OC         decimal.Decimal

	HasDiffOC bool
	DiffOC    decimal.Decimal

	HasDemeanDiffOC bool
	DemeanDiffOC    decimal.Decimal

	MeanDiffOC         decimal.Decimal
	CalculationVersion string
	CalculatedAt       time.Time
	CreatedAt          time.Time
}

// HasDifferences reports whether diffOC and demeanDiffOC are both present;
// they are either both present or both absent.
func (r Record) HasDifferences() bool {
	return r.HasDiffOC && r.HasDemeanDiffOC
}

// dayKey floors a timestamp to UTC midnight, the identity component shared
// with bar.DayKey so the two series line up exactly.
func dayKey(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// ComputeRecord derives day d's master-data record from its own bar and the
// prior day's bar, demeaning with meanDiffOC. Shared by the C5 back-fill
// pipeline and the C7 forecast engine's single-record self-heal path so the
// oc/diffOC/demeanDiffOC formula — oc = open − close, consistently, per the
// sign-convention decision in DESIGN.md — lives in exactly one place.
func ComputeRecord(instrument types.Instrument, day time.Time, cur, prev types.Bar, meanDiffOC decimal.Decimal, version string) Record {
	oc := cur.Open.Sub(cur.Close)
	ocPrev := prev.Open.Sub(prev.Close)
	diffOC := oc.Sub(ocPrev)
	demean := diffOC.Sub(meanDiffOC)

	return Record{
		Instrument:         instrument,
		Timestamp:          day,
		OpenPrice:          cur.Open,
		ClosePrice:         cur.Close,
		OC:                 oc,
		HasDiffOC:          true,
		DiffOC:             diffOC,
		HasDemeanDiffOC:    true,
		DemeanDiffOC:       demean,
		MeanDiffOC:         meanDiffOC,
		CalculationVersion: version,
		CalculatedAt:       time.Now().UTC(),
	}
}
