package persistence

import (
	"github.com/mtrtopo/pathwatch/internal/addr"
	"github.com/mtrtopo/pathwatch/internal/session"
	"github.com/mtrtopo/pathwatch/internal/topology"
)

// FromSession builds the Sink-facing view of a completed *session.Session
// for source, computing its PathSignature once via internal/topology
// rather than duplicating that logic here. Only known-responder TTLs
// become a HopSample; a TTL with no responder contributes nothing (it's
// already represented by the unknown-hop token inside PathSignature).
func FromSession(source addr.Address, s *session.Session) Session {
	sig := topology.PathSignature(s)

	maxTTL := 0
	for ttl := range s.Hops {
		if ttl > maxTTL {
			maxTTL = ttl
		}
	}

	out := Session{
		Source:        source,
		Destination:   s.Target,
		PathSignature: sig,
		Status:        s.Status.String(),
		Reason:        s.Reason.String(),
		StartedAt:     s.StartedAt,
		EndedAt:       s.EndedAt,
	}

	for ttl := 1; ttl <= maxTTL; ttl++ {
		hs, ok := s.Hops[ttl]
		if !ok {
			continue
		}
		snap := hs.Snapshot()
		if len(snap.Responders) == 0 {
			continue
		}
		responder := snap.Responders[0]

		hop := HopSample{
			TTL:           ttl,
			Responder:     responder,
			IsDestination: responder.Equal(s.Target),
			MeanRTT:       snap.MeanRTT,
			BestRTT:       snap.BestRTT,
			WorstRTT:      snap.WorstRTT,
			LossPercent:   snap.LossPercent,
			Sent:          snap.Sent,
			Received:      snap.Sent - snap.Lost,
		}

		seenKind := make(map[string]struct{})
		for _, outcome := range snap.Ring {
			k := outcome.Kind.String()
			if _, ok := seenKind[k]; !ok {
				seenKind[k] = struct{}{}
				hop.Kinds = append(hop.Kinds, k)
			}
			if outcome.Kind.HasRTT() {
				hop.Probes = append(hop.Probes, ProbeSample{
					Sequence:  outcome.Sequence,
					RTT:       outcome.RTT,
					Kind:      k,
					Timestamp: outcome.ReceivedAt,
				})
			}
		}

		out.Hops = append(out.Hops, hop)
	}

	return out
}
