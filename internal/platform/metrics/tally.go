package metrics

import (
	"sort"

	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/ledger"
)

// tally is one hour of counters for one org, or the merge of several.
type tally struct {
	entries        int64
	logins         int64
	failedLogins   int64
	denied         int64
	actors         map[string]struct{}
	failedByActor  map[string]int64
	deniedByEntity map[string]int64
}

func newTally() *tally {
	return &tally{
		actors:         map[string]struct{}{},
		failedByActor:  map[string]int64{},
		deniedByEntity: map[string]int64{},
	}
}

func (t *tally) add(e ledger.Entry) {
	t.entries++
	if e.ActorID != "" {
		t.actors[e.ActorID] = struct{}{}
	}
	if e.Action == ledger.ActionLogin {
		t.logins++
		if e.Result == ledger.ResultFailure {
			t.failedLogins++
			t.failedByActor[actorLabel(e.ActorID)]++
		}
	}
	if e.Result == ledger.ResultDenied {
		t.denied++
		t.deniedByEntity[e.EntityType]++
	}
}

func (t *tally) merge(o *tally) {
	t.entries += o.entries
	t.logins += o.logins
	t.failedLogins += o.failedLogins
	t.denied += o.denied
	for a := range o.actors {
		t.actors[a] = struct{}{}
	}
	for k, v := range o.failedByActor {
		t.failedByActor[k] += v
	}
	for k, v := range o.deniedByEntity {
		t.deniedByEntity[k] += v
	}
}

func actorLabel(actorID string) string {
	if actorID == "" {
		return "anonymous"
	}
	return actorID
}

type ActorCount struct {
	ActorID string `json:"actorId"`
	Count   int64  `json:"count"`
}

func topActors(counts map[string]int64, n int) []ActorCount {
	out := make([]ActorCount, 0, len(counts))
	for k, v := range counts {
		out = append(out, ActorCount{ActorID: k, Count: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].ActorID < out[j].ActorID
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// mutations counts recorder observations for compliance coverage.
type mutations struct {
	observed int64
	recorded int64
}
