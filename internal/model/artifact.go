// Package model implements the AR(p) model artifact store (C6): file- or
// S3-discovered pre-fitted autoregressive models, cached in memory by
// (instrument, version), with a reload hook and cache statistics.
package model

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas-quant/forecast-backend/pkg/types"
)

// filenamePattern matches "<btc|eth>_arima_model[_yyyymmdd].json", case
// insensitively.
var filenamePattern = regexp.MustCompile(`(?i)^(btc|eth)_arima_model(?:_(\d{8}))?\.json$`)

// legacyVersion is the version string assigned when a filename carries no
// date suffix.
const legacyVersion = "legacy"

// Artifact is one pre-fitted AR(p) model: p ordered coefficients φ₁..φ_p
// (lag-1..lag-p order), the demeaning constant, the fitted residual
// variance, and the bookkeeping the cache and forecast engine need.
type Artifact struct {
	Instrument   types.Instrument
	POrder       int
	Coefficients []decimal.Decimal // index i holds φ_(i+1), i.e. lag i+1
	MeanDiffOCValue decimal.Decimal
	Sigma2       decimal.Decimal
	ModelVersion string
	CreatedAt    time.Time
	LastUsed     time.Time
}

// MeanDiffOC satisfies masterdata.MeanDiffOCSource by structural typing —
// the master-data package never imports this one, avoiding a cycle between
// C5 (consumer of the model's demeaning constant) and C6.
func (a Artifact) MeanDiffOC() decimal.Decimal { return a.MeanDiffOCValue }

// Coefficient returns φ_lag (1-indexed); ok is false outside [1, POrder].
func (a Artifact) Coefficient(lag int) (decimal.Decimal, bool) {
	if lag < 1 || lag > len(a.Coefficients) {
		return decimal.Decimal{}, false
	}
	return a.Coefficients[lag-1], true
}

// artifactFile is the on-disk/on-bucket JSON shape. The ar.L1..Lp
// keys are dynamic, so they're captured via a raw map and picked out by
// name after the fixed fields are decoded.
type artifactFile map[string]json.RawMessage

// parseArtifact decodes one artifact file's bytes plus its filename-derived
// (instrument, version), validating that p equals the
// count of ar.L* keys, and every index falls in 1..p.
func parseArtifact(instrument types.Instrument, version string, raw []byte) (Artifact, error) {
	var file artifactFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return Artifact{}, &types.InvalidRequestError{Field: "artifact", Reason: "malformed JSON: " + err.Error()}
	}

	pOrder, err := decodeInt(file, "p")
	if err != nil {
		return Artifact{}, err
	}
	if pOrder < 1 || pOrder > 50 {
		return Artifact{}, &types.InvalidRequestError{Field: "artifact.p", Reason: fmt.Sprintf("p=%d outside [1,50]", pOrder)}
	}

	meanDiffOC, err := decodeDecimal(file, "mean_diff_oc")
	if err != nil {
		return Artifact{}, err
	}
	sigma2, err := decodeDecimal(file, "sigma2")
	if err != nil {
		return Artifact{}, err
	}

	coefficients := make([]decimal.Decimal, pOrder)
	seen := make([]bool, pOrder)
	lagKeyPattern := regexp.MustCompile(`^ar\.L(\d+)$`)
	count := 0
	for key := range file {
		m := lagKeyPattern.FindStringSubmatch(key)
		if m == nil {
			continue
		}
		lag, _ := strconv.Atoi(m[1])
		if lag < 1 || lag > pOrder {
			return Artifact{}, &types.InvalidRequestError{
				Field:  "artifact.ar",
				Reason: fmt.Sprintf("lag index L%d out of range 1..%d", lag, pOrder),
			}
		}
		value, err := decodeDecimal(file, key)
		if err != nil {
			return Artifact{}, err
		}
		coefficients[lag-1] = value
		seen[lag-1] = true
		count++
	}
	if count != pOrder {
		return Artifact{}, &types.InvalidRequestError{
			Field:  "artifact.p",
			Reason: fmt.Sprintf("p=%d but found %d ar.L* coefficients", pOrder, count),
		}
	}
	for i, ok := range seen {
		if !ok {
			return Artifact{}, &types.InvalidRequestError{Field: "artifact.ar", Reason: fmt.Sprintf("missing ar.L%d", i+1)}
		}
	}

	return Artifact{
		Instrument:      instrument,
		POrder:          pOrder,
		Coefficients:    coefficients,
		MeanDiffOCValue: meanDiffOC,
		Sigma2:          sigma2,
		ModelVersion:    version,
	}, nil
}

func decodeInt(file artifactFile, key string) (int, error) {
	raw, ok := file[key]
	if !ok {
		return 0, &types.InvalidRequestError{Field: "artifact." + key, Reason: "missing field"}
	}
	var v int
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, &types.InvalidRequestError{Field: "artifact." + key, Reason: "not an integer: " + err.Error()}
	}
	return v, nil
}

func decodeDecimal(file artifactFile, key string) (decimal.Decimal, error) {
	raw, ok := file[key]
	if !ok {
		return decimal.Decimal{}, &types.InvalidRequestError{Field: "artifact." + key, Reason: "missing field"}
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return decimal.Decimal{}, &types.InvalidRequestError{Field: "artifact." + key, Reason: "not a number: " + err.Error()}
	}
	d, err := decimal.NewFromString(n.String())
	if err != nil {
		return decimal.Decimal{}, &types.InvalidRequestError{Field: "artifact." + key, Reason: err.Error()}
	}
	return d, nil
}

// parseFilename extracts (instrument, version) from a discovered filename,
// or ok=false if it doesn't match the expected pattern.
func parseFilename(name string) (instrument types.Instrument, version string, ok bool) {
	m := filenamePattern.FindStringSubmatch(name)
	if m == nil {
		return "", "", false
	}
	instrument, err := types.ParseInstrument(m[1])
	if err != nil {
		return "", "", false
	}
	version = legacyVersion
	if m[2] != "" {
		version = m[2]
	}
	return instrument, version, true
}

// versionLess orders version strings for "active" selection: lexicographic
// YYYYMMDD comparison, with the literal "legacy" sorting lowest regardless
// of its raw string value (see DESIGN.md's Open Question decision — a naive
// string compare would otherwise rank "legacy" above any numeric date).
func versionLess(a, b string) bool {
	if a == b {
		return false
	}
	if a == legacyVersion {
		return true
	}
	if b == legacyVersion {
		return false
	}
	return a < b
}

// sortVersionsDescending returns versions ordered from most to least active.
func sortVersionsDescending(versions []string) []string {
	out := append([]string(nil), versions...)
	sort.Slice(out, func(i, j int) bool { return versionLess(out[j], out[i]) })
	return out
}
