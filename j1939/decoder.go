package j1939

import (
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// fmiUnknown is reported when a token carries no failure mode.
const fmiUnknown = 31

// Decoder turns Wialon DTC strings into resolved records.
// Decoding is pure: malformed tokens are skipped, never propagated.
type Decoder struct {
	store *Store
	log   *zap.Logger
}

// NewDecoder creates a decoder over the given store.
func NewDecoder(store *Store, log *zap.Logger) *Decoder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Decoder{store: store, log: log.Named("j1939")}
}

// Decode parses a comma-separated list of "<spn>.<fmi>" tokens and resolves
// each code through DETAILED, then COMPLETE, then a synthesized fallback.
// No-fault sentinels ("0", "1", "0.0", "1.0") and duplicate codes are
// dropped. A malformed string yields an empty slice.
func (d *Decoder) Decode(raw string) []Record {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	var out []Record
	seen := make(map[spnFMI]bool)

	for _, tok := range strings.Split(raw, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		spn, fmi, ok := d.parseToken(tok)
		if !ok {
			continue
		}
		key := spnFMI{spn, fmi}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, d.resolve(spn, fmi))
	}
	return out
}

// parseToken splits one token into (spn, fmi). Returns ok=false for
// sentinels and non-integer fields.
func (d *Decoder) parseToken(tok string) (spn, fmi int, ok bool) {
	switch tok {
	case "0", "1", "0.0", "1.0":
		return 0, 0, false // no-fault sentinels
	}

	spnPart, fmiPart, hasFMI := strings.Cut(tok, ".")
	spn, err := strconv.Atoi(spnPart)
	if err != nil || spn < 0 {
		d.log.Warn("unparseable dtc token", zap.String("token", tok))
		return 0, 0, false
	}
	if !hasFMI {
		return spn, fmiUnknown, true
	}
	fmi, err = strconv.Atoi(fmiPart)
	if err != nil || fmi < 0 {
		d.log.Warn("unparseable dtc token", zap.String("token", tok))
		return 0, 0, false
	}
	return spn, fmi, true
}

// resolve walks the lookup tiers. A DETAILED hit keeps its curated
// severity; COMPLETE severity comes from the FMI bucket.
func (d *Decoder) resolve(spn, fmi int) Record {
	if r, ok := d.store.LookupDetailed(spn, fmi); ok {
		return r
	}
	if r, ok := d.store.LookupComplete(spn, fmi); ok {
		return r
	}
	return d.store.synthesize(spn, fmi)
}
