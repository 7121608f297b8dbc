// internal/engine/shares.go
package engine

// TargetShares computes the steady-state traffic share of every region from
// its base weight and state, summing to 1 whenever at least one region is
// serving. A capacity-reduced region (Degraded) holds exactly its base share
// times its weight factor; the traffic it gives up moves to the fully
// healthy regions in proportion to their base weights, never back to the
// reduced region itself. When nothing is left at full capacity the
// contributions are normalized instead, which preserves the base
// proportions between equally reduced regions.
//
// Returns nil when no region contributes anything; callers must hold the
// previous policy in that case.
func TargetShares(views []RegionView) map[string]float64 {
	baseTotal := 0.0
	for i := range views {
		if !views[i].Retired {
			baseTotal += views[i].BaseWeight
		}
	}
	if baseTotal <= 0 {
		return nil
	}

	shares := make(map[string]float64, len(views))
	contribTotal := 0.0
	healthyBase := 0.0
	for i := range views {
		v := &views[i]
		if v.Retired {
			continue
		}
		baseShare := v.BaseWeight / baseTotal
		c := baseShare * v.State.WeightFactor()
		if c > 0 {
			shares[v.ID] = c
			contribTotal += c
		}
		if v.State == StateHealthy {
			healthyBase += baseShare
		}
	}
	if contribTotal <= 0 {
		return nil
	}

	deficit := 1 - contribTotal
	if deficit <= 0 {
		return shares
	}
	if healthyBase > 0 {
		for i := range views {
			v := &views[i]
			if v.Retired || v.State != StateHealthy {
				continue
			}
			shares[v.ID] += deficit * (v.BaseWeight / baseTotal) / healthyBase
		}
		return shares
	}
	for id := range shares {
		shares[id] /= contribTotal
	}
	return shares
}
