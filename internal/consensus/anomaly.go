package consensus

import (
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/gridharvest/coordinator/internal/model"
)

// detectSynchronized flags suspected collusion/replay: two or more
// submissions whose submit timestamps fall within the sync window and
// whose content digests are identical. Flagged submitters are penalized
// regardless of whether their data matched the eventual consensus.
func detectSynchronized(subs []model.Submission, window time.Duration) []string {
	flagged := make(map[string]bool)

	byDigest := make(map[string][]model.Submission)
	for _, s := range subs {
		if s.RecordDigest == "" {
			continue
		}
		byDigest[s.RecordDigest] = append(byDigest[s.RecordDigest], s)
	}

	for digest, group := range byDigest {
		if len(group) < 2 {
			continue
		}
		sort.Slice(group, func(i, j int) bool {
			return group[i].SubmittedAt.Before(group[j].SubmittedAt)
		})
		for i := 0; i < len(group); i++ {
			for j := i + 1; j < len(group); j++ {
				gap := group[j].SubmittedAt.Sub(group[i].SubmittedAt)
				if gap > window {
					break
				}
				if !flagged[group[i].SubmitterID] || !flagged[group[j].SubmitterID] {
					zap.L().Warn("consensus: synchronized identical submissions",
						zap.String("unit", group[i].UnitID),
						zap.String("submitter_a", group[i].SubmitterID),
						zap.String("submitter_b", group[j].SubmitterID),
						zap.Duration("gap", gap),
						zap.String("digest", digest[:min(12, len(digest))]),
					)
				}
				flagged[group[i].SubmitterID] = true
				flagged[group[j].SubmitterID] = true
			}
		}
	}

	out := make([]string, 0, len(flagged))
	for id := range flagged {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
