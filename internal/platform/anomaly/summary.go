package anomaly

import (
	"context"
	"sort"
	"time"
)

type KindSummary struct {
	Kind        PatternKind `json:"patternKind"`
	Count       int         `json:"count"`
	MaxSeverity Severity    `json:"maxSeverity"`
	RiskScore   int         `json:"riskScore"`
}

type ActorRisk struct {
	ActorID   string `json:"actorId"`
	Records   int    `json:"records"`
	RiskScore int    `json:"riskScore"`
}

type PatternSummary struct {
	OrgID        string           `json:"orgId"`
	From         time.Time        `json:"from,omitempty"`
	To           time.Time        `json:"to,omitempty"`
	TotalRecords int              `json:"totalRecords"`
	RiskScore    int              `json:"riskScore"`
	BySeverity   map[Severity]int `json:"bySeverity"`
	ByKind       []KindSummary    `json:"byKind"`
	TopActors    []ActorRisk      `json:"topActors"`
}

// Summarize groups records by kind and actor. Superseded records are counted
// but their risk is carried by the record that replaced them.
func Summarize(orgID string, records []Record, topN int) PatternSummary {
	out := PatternSummary{OrgID: orgID, BySeverity: map[Severity]int{}}
	kinds := map[PatternKind]*KindSummary{}
	actors := map[string]*ActorRisk{}
	for _, r := range records {
		out.TotalRecords++
		out.BySeverity[r.Severity]++
		k, ok := kinds[r.Kind]
		if !ok {
			k = &KindSummary{Kind: r.Kind}
			kinds[r.Kind] = k
		}
		k.Count++
		k.MaxSeverity = maxSeverity(k.MaxSeverity, r.Severity)

		risk := r.Severity.Weight()
		if r.Status == StatusSuperseded {
			risk = 0
		}
		k.RiskScore += risk
		out.RiskScore += risk
		if r.ActorID != "" {
			a, ok := actors[r.ActorID]
			if !ok {
				a = &ActorRisk{ActorID: r.ActorID}
				actors[r.ActorID] = a
			}
			a.Records++
			a.RiskScore += risk
		}
	}
	for _, k := range kinds {
		out.ByKind = append(out.ByKind, *k)
	}
	sort.Slice(out.ByKind, func(i, j int) bool {
		if out.ByKind[i].RiskScore != out.ByKind[j].RiskScore {
			return out.ByKind[i].RiskScore > out.ByKind[j].RiskScore
		}
		return out.ByKind[i].Kind < out.ByKind[j].Kind
	})
	for _, a := range actors {
		out.TopActors = append(out.TopActors, *a)
	}
	sort.Slice(out.TopActors, func(i, j int) bool {
		if out.TopActors[i].RiskScore != out.TopActors[j].RiskScore {
			return out.TopActors[i].RiskScore > out.TopActors[j].RiskScore
		}
		return out.TopActors[i].ActorID < out.TopActors[j].ActorID
	})
	if topN > 0 && len(out.TopActors) > topN {
		out.TopActors = out.TopActors[:topN]
	}
	return out
}

func (d *Detector) Summary(ctx context.Context, orgID string, from, to time.Time, topN int) (PatternSummary, error) {
	records, err := d.store.List(ctx, Query{OrgID: orgID, From: from, To: to})
	if err != nil {
		return PatternSummary{}, err
	}
	s := Summarize(orgID, records, topN)
	s.From, s.To = from, to
	return s, nil
}

// CountBySeverity counts records whose window overlaps [from, to).
func (d *Detector) CountBySeverity(ctx context.Context, orgID string, from, to time.Time) (map[Severity]int, error) {
	records, err := d.store.List(ctx, Query{OrgID: orgID, From: from, To: to})
	if err != nil {
		return nil, err
	}
	out := map[Severity]int{}
	for _, r := range records {
		out[r.Severity]++
	}
	return out, nil
}
