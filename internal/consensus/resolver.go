package consensus

import (
	"context"
	"sort"

	"github.com/rotisserie/eris"

	"github.com/gridharvest/coordinator/internal/model"
	"github.com/gridharvest/coordinator/internal/verify"
)

// resolver is the per-unit resolution strategy. Majority voting is the
// default; the authoritative strategy is swapped in when a spot check is
// admitted. Both produce the same field consensus shape.
type resolver interface {
	resolve(ctx context.Context, unitID string, fields map[string]fieldVotes) ([]model.FieldConsensus, model.ResolutionMode, error)
}

// fieldVotes carries the votes for one field key.
type fieldVotes struct {
	kind  model.FieldKind
	votes []vote
}

// majorityResolver resolves every field by weighted agreement.
type majorityResolver struct {
	cfg Config
}

func (r *majorityResolver) resolve(_ context.Context, _ string, fields map[string]fieldVotes) ([]model.FieldConsensus, model.ResolutionMode, error) {
	out := make([]model.FieldConsensus, 0, len(fields))
	for _, key := range sortedKeys(fields) {
		fv := fields[key]
		out = append(out, resolveField(key, fv.kind, fv.votes, r.cfg))
	}
	return out, model.ResolutionMajority, nil
}

// authoritativeResolver fetches ground truth for the unit and scores every
// vote against it. Fields the source does not cover fall back to majority
// resolution.
type authoritativeResolver struct {
	cfg    Config
	client verify.Client
}

func (r *authoritativeResolver) resolve(ctx context.Context, unitID string, fields map[string]fieldVotes) ([]model.FieldConsensus, model.ResolutionMode, error) {
	truth, err := r.client.Lookup(ctx, unitID)
	if err != nil {
		return nil, model.ResolutionAuthoritative, eris.Wrapf(err, "consensus: spot check %s", unitID)
	}

	out := make([]model.FieldConsensus, 0, len(fields))
	for _, key := range sortedKeys(fields) {
		fv := fields[key]
		fc, ok := r.resolveAgainstTruth(key, fv, truth)
		if !ok {
			fc = resolveField(key, fv.kind, fv.votes, r.cfg)
		}
		out = append(out, fc)
	}
	return out, model.ResolutionAuthoritative, nil
}

func (r *authoritativeResolver) resolveAgainstTruth(key string, fv fieldVotes, truth *verify.Result) (model.FieldConsensus, bool) {
	fc := model.FieldConsensus{
		Key:        key,
		Kind:       fv.kind,
		Status:     model.FieldStatusResolved,
		Confidence: 1.0,
	}

	switch {
	case key == model.FieldRecordCount && fv.kind == model.FieldKindNumeric:
		fc.Number = float64(truth.RecordCount)
		for _, v := range fv.votes {
			if numericAgrees(v.value.Number, fc.Number, r.cfg) {
				fc.Agreeing = append(fc.Agreeing, v.submitterID)
			} else {
				fc.Outliers = append(fc.Outliers, v.submitterID)
			}
		}

	case key == model.FieldRecordIDs && fv.kind == model.FieldKindIDSet:
		if len(truth.RecordIDs) == 0 {
			return model.FieldConsensus{}, false
		}
		fc.Members = append([]string(nil), truth.RecordIDs...)
		sort.Strings(fc.Members)
		for _, v := range fv.votes {
			if jaccard(v.value.Members, fc.Members) >= r.cfg.JaccardTolerance {
				fc.Agreeing = append(fc.Agreeing, v.submitterID)
			} else {
				fc.Outliers = append(fc.Outliers, v.submitterID)
			}
		}

	case fv.kind == model.FieldKindString:
		want, ok := truth.Fields[key]
		if !ok {
			return model.FieldConsensus{}, false
		}
		fc.Text = want
		for _, v := range fv.votes {
			if v.value.Text == want {
				fc.Agreeing = append(fc.Agreeing, v.submitterID)
			} else {
				fc.Outliers = append(fc.Outliers, v.submitterID)
			}
		}

	default:
		return model.FieldConsensus{}, false
	}

	sort.Strings(fc.Agreeing)
	sort.Strings(fc.Outliers)
	return fc, true
}

func sortedKeys(fields map[string]fieldVotes) []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
